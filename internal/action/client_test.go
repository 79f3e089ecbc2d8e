package action

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/runboard/internal/cache"
	"github.com/livinlefevreloca/runboard/internal/refresh"
	"github.com/livinlefevreloca/runboard/internal/testutil"
)

// ==============================================================================
// Test Helpers
// ==============================================================================

// capturedRequest is what the fake server saw for one POST
type capturedRequest struct {
	Path        string
	ContentType string
	RequestID   string
	RawBody     string
	Form        url.Values
}

// fakeServer records every request and answers with a fixed status and body
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func newFakeServer(t *testing.T, status int, body string) *fakeServer {
	t.Helper()
	fs := &fakeServer{status: status, body: body}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(raw))

		fs.mu.Lock()
		fs.requests = append(fs.requests, capturedRequest{
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
			RequestID:   r.Header.Get("X-Request-ID"),
			RawBody:     string(raw),
			Form:        form,
		})
		fs.mu.Unlock()

		w.WriteHeader(fs.status)
		_, _ = io.WriteString(w, fs.body)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) Requests() []capturedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]capturedRequest, len(fs.requests))
	copy(out, fs.requests)
	return out
}

func endpointsFor(base string) Endpoints {
	return Endpoints{
		URLs: map[Kind]string{
			KindSuccess: base + "/dagrun_success",
			KindFailed:  base + "/dagrun_failed",
			KindClear:   base + "/dagrun_clear",
			KindQueue:   base + "/dagrun_queued",
		},
		CSRFToken: "tok123",
	}
}

// memoryRecorder keeps journal records in memory
type memoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func (m *memoryRecorder) Record(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memoryRecorder) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

type harness struct {
	client   *Client
	calls    *testutil.CallRecorder
	recorder *memoryRecorder
	logger   *testutil.TestLogger
}

func newHarness(t *testing.T, base string) *harness {
	t.Helper()
	h := &harness{
		calls:    testutil.NewCallRecorder(),
		recorder: &memoryRecorder{},
		logger:   testutil.NewTestLogger(),
	}
	client, err := NewClient(
		Config{Endpoints: endpointsFor(base), Timeout: 5 * time.Second},
		nil,
		&testutil.Invalidator{Recorder: h.calls},
		&testutil.Resumer{Recorder: h.calls},
		h.recorder,
		h.logger.Logger(),
	)
	require.NoError(t, err)
	h.client = client
	return h
}

var testRun = RunIdentity{DagID: "etl_daily", RunID: "manual__2024-01-01"}

// ==============================================================================
// Successful Dispatch
// ==============================================================================

// TestClient_MarkSuccess_SendsFormAndRefreshes verifies the form body and that
// a 2xx response invalidates the dataset and then resumes refresh, once each.
func TestClient_MarkSuccess_SendsFormAndRefreshes(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).MarkSuccess(context.Background(), true)
	require.NoError(t, err)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/dagrun_success", reqs[0].Path)
	assert.Equal(t, "application/x-www-form-urlencoded", reqs[0].ContentType)
	assert.NotEmpty(t, reqs[0].RequestID)
	assert.Equal(t, url.Values{
		"csrf_token": {"tok123"},
		"confirmed":  {"true"},
		"dag_id":     {"etl_daily"},
		"dag_run_id": {"manual__2024-01-01"},
	}, reqs[0].Form)

	assert.Equal(t, []testutil.Call{
		{Name: "invalidate", Arg: DefaultDatasetKey},
		{Name: "resume"},
	}, h.calls.Calls())
	assert.True(t, h.logger.HasMessage("INFO", "run action applied"))
}

// TestClient_AllKinds_PostToOwnEndpoint verifies each kind targets its own URL.
func TestClient_AllKinds_PostToOwnEndpoint(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	h := newHarness(t, server.URL)
	actions := h.client.ForRun(testRun)
	ctx := context.Background()

	require.NoError(t, actions.MarkSuccess(ctx, false))
	require.NoError(t, actions.MarkFailed(ctx, false))
	require.NoError(t, actions.Clear(ctx, false))
	require.NoError(t, actions.Queue(ctx, false))

	reqs := server.Requests()
	require.Len(t, reqs, 4)
	paths := []string{reqs[0].Path, reqs[1].Path, reqs[2].Path, reqs[3].Path}
	assert.Equal(t, []string{"/dagrun_success", "/dagrun_failed", "/dagrun_clear", "/dagrun_queued"}, paths)

	for _, req := range reqs {
		assert.Equal(t, "false", req.Form.Get("confirmed"))
	}

	assert.Equal(t, 4, h.calls.Count("invalidate"))
	assert.Equal(t, 4, h.calls.Count("resume"))
}

// TestClient_2xxStatuses_AreSuccess verifies the whole 2xx range counts as success.
func TestClient_2xxStatuses_AreSuccess(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusCreated, http.StatusNoContent} {
		server := newFakeServer(t, status, "")
		h := newHarness(t, server.URL)

		err := h.client.ForRun(testRun).MarkFailed(context.Background(), true)
		assert.NoError(t, err, "status %d", status)
		assert.Equal(t, 1, h.calls.Count("resume"), "status %d", status)
	}
}

// TestClient_ExtraParams_AreSent verifies extra params ride along with the required fields.
func TestClient_ExtraParams_AreSent(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).Apply(context.Background(), KindClear, true, map[string]string{
		"only_failed": "true",
	})
	require.NoError(t, err)

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "true", reqs[0].Form.Get("only_failed"))
	assert.Equal(t, "tok123", reqs[0].Form.Get("csrf_token"))
}

// TestClient_Success_ResumesActiveCoordinator verifies that against a real
// cache and coordinator the dataset is stale and refresh is Active after a success.
func TestClient_Success_ResumesActiveCoordinator(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	logger := testutil.NewTestLogger().Logger()

	store := cache.New[string](logger, nil)
	store.Commit(DefaultDatasetKey, "before", store.Epoch(DefaultDatasetKey))

	release := make(chan struct{})
	fetcher := refresh.FetcherFunc[string](func(ctx context.Context, key string) (string, error) {
		select {
		case <-release:
			return "after", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	config := refresh.DefaultConfig()
	config.AutoPause = false
	coordinator, err := refresh.NewCoordinator[string](config, DefaultDatasetKey, fetcher, store, nil, logger)
	require.NoError(t, err)
	defer func() {
		close(release)
		coordinator.Close()
		_ = coordinator.Wait(context.Background())
	}()

	client, err := NewClient(Config{Endpoints: endpointsFor(server.URL)}, nil, store, coordinator, nil, logger)
	require.NoError(t, err)

	require.NoError(t, client.ForRun(testRun).MarkSuccess(context.Background(), true))

	entry, ok := store.Get(DefaultDatasetKey)
	require.True(t, ok)
	assert.True(t, entry.Stale)
	assert.Equal(t, "before", entry.Payload)
	assert.Equal(t, refresh.Active, coordinator.State())
}

// TestClient_MarkSuccess_Unconfirmed_AgainstRealCache verifies the exact body
// of an unconfirmed success and the resulting cache and refresh state.
func TestClient_MarkSuccess_Unconfirmed_AgainstRealCache(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	logger := testutil.NewTestLogger().Logger()

	store := cache.New[string](logger, nil)
	store.Commit(DefaultDatasetKey, "tree", store.Epoch(DefaultDatasetKey))

	fetched := make(chan struct{}, 1)
	fetcher := refresh.FetcherFunc[string](func(ctx context.Context, key string) (string, error) {
		fetched <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	config := refresh.DefaultConfig()
	config.Interval = time.Hour
	coordinator, err := refresh.NewCoordinator[string](config, DefaultDatasetKey, fetcher, store, nil, logger)
	require.NoError(t, err)
	defer func() {
		coordinator.Close()
		_ = coordinator.Wait(context.Background())
	}()

	client, err := NewClient(Config{Endpoints: endpointsFor(server.URL)}, nil, store, coordinator, nil, logger)
	require.NoError(t, err)

	run := RunIdentity{DagID: "etl", RunID: "run_1"}
	require.NoError(t, client.ForRun(run).MarkSuccess(context.Background(), false))

	reqs := server.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "confirmed=false&csrf_token=tok123&dag_id=etl&dag_run_id=run_1", reqs[0].RawBody)

	entry, _ := store.Get(DefaultDatasetKey)
	assert.True(t, entry.Stale)
	assert.Equal(t, 1, entry.Commits)
	assert.Equal(t, refresh.Active, coordinator.State())

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an immediate refresh tick")
	}
}

// ==============================================================================
// Failed Dispatch
// ==============================================================================

// TestClient_ServerRejection_LeavesRealCacheAlone verifies a 500 changes
// neither the cache entry nor the coordinator state.
func TestClient_ServerRejection_LeavesRealCacheAlone(t *testing.T) {
	server := newFakeServer(t, http.StatusInternalServerError, "scheduler unavailable")
	logger := testutil.NewTestLogger().Logger()

	store := cache.New[string](logger, nil)
	store.Commit(DefaultDatasetKey, "tree", store.Epoch(DefaultDatasetKey))
	before, _ := store.Get(DefaultDatasetKey)

	fetcher := refresh.FetcherFunc[string](func(ctx context.Context, key string) (string, error) {
		return "refetched", nil
	})
	coordinator, err := refresh.NewCoordinator[string](refresh.DefaultConfig(), DefaultDatasetKey, fetcher, store, nil, logger)
	require.NoError(t, err)
	defer coordinator.Close()

	client, err := NewClient(Config{Endpoints: endpointsFor(server.URL)}, nil, store, coordinator, nil, logger)
	require.NoError(t, err)

	err = client.ForRun(RunIdentity{DagID: "etl", RunID: "run_1"}).MarkSuccess(context.Background(), false)

	var rejection *ServerRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "scheduler unavailable", rejection.Message)

	after, _ := store.Get(DefaultDatasetKey)
	assert.Equal(t, before, after)
	assert.Equal(t, refresh.Idle, coordinator.State())
}

// TestClient_ServerRejection_NoRefresh verifies a 500 surfaces the server
// message and leaves cache and refresh alone.
func TestClient_ServerRejection_NoRefresh(t *testing.T) {
	server := newFakeServer(t, http.StatusInternalServerError, "run is locked")
	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).MarkFailed(context.Background(), true)
	require.Error(t, err)

	var rejection *ServerRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, KindFailed, rejection.Kind)
	assert.Equal(t, http.StatusInternalServerError, rejection.StatusCode)
	assert.Equal(t, "run is locked", rejection.Message)

	assert.Empty(t, h.calls.Calls())
	assert.Len(t, server.Requests(), 1, "no retry")
	entry, ok := h.logger.Find("WARN", "run action failed")
	require.True(t, ok)
	assert.Equal(t, int64(http.StatusInternalServerError), entry.Fields["status_code"])
	assert.Equal(t, "failed", entry.Fields["kind"])
}

// TestClient_ServerRejection_EmptyBody verifies the message is empty when the server sends none.
func TestClient_ServerRejection_EmptyBody(t *testing.T) {
	server := newFakeServer(t, http.StatusForbidden, "")
	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).Queue(context.Background(), true)

	var rejection *ServerRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "", rejection.Message)
	assert.Equal(t, "action queue: rejected with status 403", rejection.Error())
}

// TestClient_ServerRejection_LongBody verifies an oversized body is cut to the
// message cap and flagged.
func TestClient_ServerRejection_LongBody(t *testing.T) {
	body := strings.Repeat("x", maxMessageBytes+100)
	server := newFakeServer(t, http.StatusBadGateway, body)
	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).MarkSuccess(context.Background(), true)

	var rejection *ServerRejection
	require.ErrorAs(t, err, &rejection)
	assert.True(t, rejection.Truncated)
	assert.Len(t, rejection.Message, maxMessageBytes)
	assert.True(t, strings.HasSuffix(rejection.Error(), "(truncated)"))
}

// TestClient_ServerRejection_ExactCap verifies a body of exactly the cap is not flagged.
func TestClient_ServerRejection_ExactCap(t *testing.T) {
	server := newFakeServer(t, http.StatusBadGateway, strings.Repeat("y", maxMessageBytes))
	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).MarkSuccess(context.Background(), true)

	var rejection *ServerRejection
	require.ErrorAs(t, err, &rejection)
	assert.False(t, rejection.Truncated)
	assert.Len(t, rejection.Message, maxMessageBytes)
}

// TestClient_TransportError verifies a closed server yields a TransportError.
func TestClient_TransportError(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	base := server.URL
	server.Close()

	h := newHarness(t, base)

	err := h.client.ForRun(testRun).Clear(context.Background(), true)

	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, KindClear, transport.Kind)
	assert.Empty(t, h.calls.Calls())
}

// TestClient_ResponseError verifies a truncated body yields a ResponseError.
func TestClient_ResponseError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
		_ = buf.Flush()
	}))
	defer server.Close()

	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).MarkSuccess(context.Background(), true)

	var malformed *ResponseError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, http.StatusOK, malformed.StatusCode)
	assert.Empty(t, h.calls.Calls(), "a 200 with an unreadable body is not a success")
}

// TestClient_ReservedParam_Rejected verifies extra params cannot overwrite required fields.
func TestClient_ReservedParam_Rejected(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	h := newHarness(t, server.URL)

	err := h.client.ForRun(testRun).Apply(context.Background(), KindSuccess, true, map[string]string{
		"dag_run_id": "someone_else",
	})

	assert.ErrorIs(t, err, ErrReservedParam)
	assert.Empty(t, server.Requests())
	assert.Empty(t, h.calls.Calls())
}

// TestClient_DuplicateInFlight verifies a second dispatch of the same kind
// for the same run is refused while the first is outstanding.
func TestClient_DuplicateInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dagrun_success" {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newHarness(t, server.URL)
	actions := h.client.ForRun(testRun)

	firstErr := make(chan error, 1)
	go func() {
		firstErr <- actions.MarkSuccess(context.Background(), true)
	}()

	<-entered
	assert.True(t, h.client.InFlight(testRun, KindSuccess))

	err := actions.MarkSuccess(context.Background(), true)
	assert.ErrorIs(t, err, ErrInFlight)

	// A different kind on the same run is not blocked
	require.NoError(t, actions.MarkFailed(context.Background(), true))

	close(release)
	require.NoError(t, <-firstErr)
	assert.False(t, h.client.InFlight(testRun, KindSuccess))
	assert.Equal(t, 2, h.calls.Count("resume"))
}

// TestClient_ContextCanceled verifies a canceled context surfaces as a transport error.
func TestClient_ContextCanceled(t *testing.T) {
	server := newFakeServer(t, http.StatusOK, "")
	h := newHarness(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.client.ForRun(testRun).MarkSuccess(ctx, true)

	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, h.calls.Calls())
}

// ==============================================================================
// Construction and Journal
// ==============================================================================

// TestNewClient_MissingEndpoints verifies every missing boundary constant is reported.
func TestNewClient_MissingEndpoints(t *testing.T) {
	calls := testutil.NewCallRecorder()
	_, err := NewClient(
		Config{Endpoints: Endpoints{URLs: map[Kind]string{KindSuccess: "http://x/success"}}},
		nil,
		&testutil.Invalidator{Recorder: calls},
		&testutil.Resumer{Recorder: calls},
		nil,
		testutil.NewTestLogger().Logger(),
	)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"dagrun_failed_url", "dagrun_clear_url", "dagrun_queued_url", "csrf_token"}, cfgErr.Missing)
}

// TestNewClient_RequiresCollaborators verifies cache and refresher are mandatory.
func TestNewClient_RequiresCollaborators(t *testing.T) {
	_, err := NewClient(Config{Endpoints: endpointsFor("http://x")}, nil, nil, nil, nil, testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}

// TestClient_RecordsOutcomes verifies the recorder sees one record per dispatch.
func TestClient_RecordsOutcomes(t *testing.T) {
	ok := newFakeServer(t, http.StatusOK, "")
	h := newHarness(t, ok.URL)
	require.NoError(t, h.client.ForRun(testRun).MarkSuccess(context.Background(), true))

	rejecting := newFakeServer(t, http.StatusBadRequest, "bad token")
	h2 := newHarness(t, rejecting.URL)
	_ = h2.client.ForRun(testRun).MarkFailed(context.Background(), false)

	recs := h.recorder.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeOK, recs[0].Outcome)
	assert.Equal(t, http.StatusOK, recs[0].StatusCode)
	assert.Equal(t, testRun, recs[0].Target)
	assert.Equal(t, ok.Requests()[0].RequestID, recs[0].RequestID)

	recs = h2.recorder.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeRejected, recs[0].Outcome)
	assert.Equal(t, http.StatusBadRequest, recs[0].StatusCode)
	assert.False(t, recs[0].Confirmed)
	assert.Contains(t, recs[0].Message, "bad token")
}
