package action

import "context"

// RunActions binds the four action kinds to a single run
type RunActions struct {
	client *Client
	run    RunIdentity
}

// Run returns the identity the actions target
func (r *RunActions) Run() RunIdentity {
	return r.run
}

// MarkSuccess sets the run to success
func (r *RunActions) MarkSuccess(ctx context.Context, confirmed bool) error {
	return r.Apply(ctx, KindSuccess, confirmed, nil)
}

// MarkFailed sets the run to failed
func (r *RunActions) MarkFailed(ctx context.Context, confirmed bool) error {
	return r.Apply(ctx, KindFailed, confirmed, nil)
}

// Clear resets the run so its tasks execute again. The server decides what
// an unconfirmed clear does.
func (r *RunActions) Clear(ctx context.Context, confirmed bool) error {
	return r.Apply(ctx, KindClear, confirmed, nil)
}

// Queue puts the run back in the queued state
func (r *RunActions) Queue(ctx context.Context, confirmed bool) error {
	return r.Apply(ctx, KindQueue, confirmed, nil)
}

// Apply dispatches any kind with optional extra form params
func (r *RunActions) Apply(ctx context.Context, kind Kind, confirmed bool, extra map[string]string) error {
	return r.client.Do(ctx, Request{
		Kind:        kind,
		Target:      r.run,
		Confirmed:   confirmed,
		ExtraParams: extra,
	})
}
