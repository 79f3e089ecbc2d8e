package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/livinlefevreloca/runboard/internal/tree"

// Larger tree payloads are rejected rather than buffered
const maxPayloadBytes = 32 << 20

// Config holds the tree endpoint settings
type Config struct {
	URL string `toml:"url" env:"RUNBOARD_TREE_URL"`
}

// Fetcher reads the tree dataset for one DAG over HTTP
type Fetcher struct {
	endpoint string
	dagID    string
	http     *http.Client
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewFetcher creates a fetcher. httpClient may be nil.
func NewFetcher(config Config, dagID string, httpClient *http.Client, logger *slog.Logger) (*Fetcher, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("tree: url must be specified")
	}
	if dagID == "" {
		return nil, fmt.Errorf("tree: dag id must be specified")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Fetcher{
		endpoint: config.URL,
		dagID:    dagID,
		http:     httpClient,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}, nil
}

// Fetch implements refresh.Fetcher
func (f *Fetcher) Fetch(ctx context.Context, key string) (*Data, error) {
	ctx, span := f.tracer.Start(ctx, "tree.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("dataset", key),
			attribute.String("dag_id", f.dagID),
		))
	defer span.End()

	data, err := f.fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("dag_runs", len(data.DagRuns)))
	f.logger.Debug("fetched tree data",
		"dataset", key,
		"dag_id", f.dagID,
		"dag_runs", len(data.DagRuns))

	return data, nil
}

func (f *Fetcher) fetch(ctx context.Context) (*Data, error) {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return nil, fmt.Errorf("tree: parse url: %w", err)
	}
	q := u.Query()
	q.Set("dag_id", f.dagID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("tree: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tree: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tree: unexpected status %d", resp.StatusCode)
	}

	var data Data
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPayloadBytes)).Decode(&data); err != nil {
		return nil, fmt.Errorf("tree: decode payload: %w", err)
	}

	return &data, nil
}
