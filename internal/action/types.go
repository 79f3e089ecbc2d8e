package action

import (
	"fmt"
	"net/url"
	"sort"
	"time"
)

// Kind identifies one of the state-changing operations applicable to a run
type Kind int

const (
	KindSuccess Kind = iota // Mark the run succeeded
	KindFailed              // Mark the run failed
	KindClear               // Reset the run for re-execution
	KindQueue               // Re-queue the run
)

// Kinds lists every action kind in display order
var Kinds = []Kind{KindSuccess, KindFailed, KindClear, KindQueue}

// String returns the short name used on the command line and in logs
func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindFailed:
		return "failed"
	case KindClear:
		return "clear"
	case KindQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// MetaName returns the page metadata key that carries the endpoint URL for this kind
func (k Kind) MetaName() string {
	switch k {
	case KindSuccess:
		return "dagrun_success_url"
	case KindFailed:
		return "dagrun_failed_url"
	case KindClear:
		return "dagrun_clear_url"
	case KindQueue:
		return "dagrun_queued_url"
	default:
		return ""
	}
}

// Destructive reports whether the action resets run state irreversibly
func (k Kind) Destructive() bool {
	return k == KindClear
}

// ParseKind converts a short name back into a Kind
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown action kind %q", s)
}

// RunIdentity identifies the run targeted by a mutation
type RunIdentity struct {
	DagID string
	RunID string
}

func (r RunIdentity) String() string {
	return r.DagID + "/" + r.RunID
}

// Request describes one pending mutation against a run
type Request struct {
	Kind        Kind
	Target      RunIdentity
	Confirmed   bool
	ExtraParams map[string]string
}

// Form field names sent with every action
const (
	FieldCSRFToken = "csrf_token"
	FieldConfirmed = "confirmed"
	FieldDagID     = "dag_id"
	FieldDagRunID  = "dag_run_id"
)

var reservedFields = map[string]bool{
	FieldCSRFToken: true,
	FieldConfirmed: true,
	FieldDagID:     true,
	FieldDagRunID:  true,
}

// Form builds the request parameters. Extra params may not shadow the
// required fields.
func (r Request) Form(csrfToken string) (url.Values, error) {
	form := url.Values{}
	form.Set(FieldCSRFToken, csrfToken)
	form.Set(FieldConfirmed, fmt.Sprintf("%t", r.Confirmed))
	form.Set(FieldDagID, r.Target.DagID)
	form.Set(FieldDagRunID, r.Target.RunID)

	keys := make([]string, 0, len(r.ExtraParams))
	for k := range r.ExtraParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if reservedFields[k] {
			return nil, fmt.Errorf("%w: %s", ErrReservedParam, k)
		}
		form.Set(k, r.ExtraParams[k])
	}

	return form, nil
}

// Encode returns the form body. Keys are sorted, so the body is stable
// for a given request.
func (r Request) Encode(csrfToken string) (string, error) {
	form, err := r.Form(csrfToken)
	if err != nil {
		return "", err
	}
	return form.Encode(), nil
}

// Endpoints holds the boundary constants resolved once at startup
type Endpoints struct {
	URLs      map[Kind]string
	CSRFToken string
}

// Validate returns a *ConfigError naming every missing value
func (e Endpoints) Validate() error {
	var missing []string
	for _, k := range Kinds {
		if e.URLs[k] == "" {
			missing = append(missing, k.MetaName())
		}
	}
	if e.CSRFToken == "" {
		missing = append(missing, FieldCSRFToken)
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// Outcome classifies how a dispatched mutation ended
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeTransport Outcome = "transport_error"
	OutcomeRejected  Outcome = "server_rejection"
	OutcomeMalformed Outcome = "response_error"
)

// Record summarises one dispatched mutation for the journal
type Record struct {
	RequestID  string
	Kind       Kind
	Target     RunIdentity
	Confirmed  bool
	Outcome    Outcome
	StatusCode int
	Message    string
	StartedAt  time.Time
	Duration   time.Duration
}
