package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultDatasetKey is the cache key of the tree dataset refreshed after every action
const DefaultDatasetKey = "treeData"

// Upper bound on how much of a response body is kept as the rejection message.
// Longer bodies are cut and flagged with ServerRejection.Truncated.
const maxMessageBytes = 64 << 10

const tracerName = "github.com/livinlefevreloca/runboard/internal/action"

// Invalidator marks a cached dataset stale
type Invalidator interface {
	Invalidate(key string)
}

// Resumer starts or kicks the refresh loop
type Resumer interface {
	Resume()
}

// Recorder receives a summary of every dispatched mutation.
// Record must not block.
type Recorder interface {
	Record(rec Record)
}

// Config configures the action client
type Config struct {
	Endpoints  Endpoints
	Timeout    time.Duration
	DatasetKey string
}

type flightKey struct {
	run  RunIdentity
	kind Kind
}

// Client issues state-changing requests against runs and, on success,
// invalidates the shared dataset and then resumes the refresh loop.
type Client struct {
	config    Config
	http      *http.Client
	cache     Invalidator
	refresher Resumer
	recorder  Recorder
	logger    *slog.Logger
	tracer    trace.Tracer

	mu       sync.Mutex
	inFlight map[flightKey]struct{}
}

// NewClient validates the endpoints and returns a client. httpClient and
// recorder may be nil.
func NewClient(
	config Config,
	httpClient *http.Client,
	cache Invalidator,
	refresher Resumer,
	recorder Recorder,
	logger *slog.Logger,
) (*Client, error) {
	if err := config.Endpoints.Validate(); err != nil {
		return nil, err
	}
	if cache == nil || refresher == nil {
		return nil, fmt.Errorf("action: cache and refresher are required")
	}
	if config.DatasetKey == "" {
		config.DatasetKey = DefaultDatasetKey
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		config:    config,
		http:      httpClient,
		cache:     cache,
		refresher: refresher,
		recorder:  recorder,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
		inFlight:  make(map[flightKey]struct{}),
	}, nil
}

// Do performs exactly one POST for req. On a 2xx response it calls
// Invalidate(datasetKey) and then Resume(), in that order. On any failure
// neither is called and the typed error is returned. There is no retry.
func (c *Client) Do(ctx context.Context, req Request) error {
	endpoint, ok := c.config.Endpoints.URLs[req.Kind]
	if !ok {
		return fmt.Errorf("action: no endpoint for kind %s", req.Kind)
	}

	body, err := req.Encode(c.config.Endpoints.CSRFToken)
	if err != nil {
		return err
	}

	key := flightKey{run: req.Target, kind: req.Kind}
	if !c.acquire(key) {
		c.logger.Warn("run action already in flight",
			"kind", req.Kind.String(),
			"dag_id", req.Target.DagID,
			"run_id", req.Target.RunID)
		return ErrInFlight
	}
	defer c.release(key)

	requestID := uuid.New().String()

	ctx, span := c.tracer.Start(ctx, "action."+req.Kind.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dag_id", req.Target.DagID),
			attribute.String("run_id", req.Target.RunID),
			attribute.Bool("confirmed", req.Confirmed),
			attribute.String("request_id", requestID),
		))
	defer span.End()

	started := time.Now()
	status, err := c.post(ctx, req.Kind, endpoint, requestID, body)
	duration := time.Since(started)

	c.record(req, requestID, status, err, started, duration)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("run action failed",
			"kind", req.Kind.String(),
			"dag_id", req.Target.DagID,
			"run_id", req.Target.RunID,
			"request_id", requestID,
			"status_code", status,
			"error", err)
		return err
	}

	span.SetAttributes(attribute.Int("status_code", status))

	// Invalidate before resuming so a tick already in flight is not taken
	// as having observed this change.
	c.cache.Invalidate(c.config.DatasetKey)
	c.refresher.Resume()

	c.logger.Info("run action applied",
		"kind", req.Kind.String(),
		"dag_id", req.Target.DagID,
		"run_id", req.Target.RunID,
		"request_id", requestID,
		"status_code", status,
		"duration", duration)

	return nil
}

// ForRun returns the per-kind actions bound to one run
func (c *Client) ForRun(run RunIdentity) *RunActions {
	return &RunActions{client: c, run: run}
}

// InFlight reports whether kind is currently being applied to run
func (c *Client) InFlight(run RunIdentity, kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[flightKey{run: run, kind: kind}]
	return ok
}

func (c *Client) acquire(key flightKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inFlight[key]; busy {
		return false
	}
	c.inFlight[key] = struct{}{}
	return true
}

func (c *Client) release(key flightKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, key)
}

// post sends the form and classifies the response
func (c *Client) post(ctx context.Context, kind Kind, endpoint, requestID, body string) (int, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return 0, &TransportError{Kind: kind, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-Request-ID", requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, &TransportError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes+1))
	if err != nil {
		return resp.StatusCode, &ResponseError{Kind: kind, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		truncated := len(payload) > maxMessageBytes
		if truncated {
			payload = payload[:maxMessageBytes]
		}
		return resp.StatusCode, &ServerRejection{
			Kind:       kind,
			StatusCode: resp.StatusCode,
			Message:    string(payload),
			Truncated:  truncated,
		}
	}

	return resp.StatusCode, nil
}

func (c *Client) record(req Request, requestID string, status int, err error, started time.Time, duration time.Duration) {
	if c.recorder == nil {
		return
	}

	rec := Record{
		RequestID:  requestID,
		Kind:       req.Kind,
		Target:     req.Target,
		Confirmed:  req.Confirmed,
		Outcome:    outcomeOf(err),
		StatusCode: status,
		StartedAt:  started,
		Duration:   duration,
	}
	if err != nil {
		rec.Message = err.Error()
	}

	c.recorder.Record(rec)
}
