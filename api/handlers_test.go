package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-data/metapipe/cdc"
	"github.com/lily-data/metapipe/cfg"
	"github.com/lily-data/metapipe/common"
	"github.com/lily-data/metapipe/enrich"
	"github.com/lily-data/metapipe/ingest"
	"github.com/lily-data/metapipe/normalize"
	"github.com/lily-data/metapipe/pipeline"
	"github.com/lily-data/metapipe/publisher/sink"
	"github.com/lily-data/metapipe/rules"
	"github.com/lily-data/metapipe/status"
)

// sinkPublisher adapts a MockSink to the pipeline's Publisher.
type sinkPublisher struct {
	mock *sink.MockSink
}

func (p sinkPublisher) Publish(eventID string, event cdc.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.mock.Publish("test", event.PrimaryKeyValue, data)
}

func newTestServer(t *testing.T, tokens []string) (http.Handler, *status.Tracker, *sink.MockSink) {
	t.Helper()

	store := rules.NewMemoryStore()
	store.Put(rules.Rule{
		TenantID:            "acme",
		SourceID:            "orders",
		AllowedInputFormats: []string{"json"},
		Priority:            rules.PriorityHigh,
	})
	resolver := rules.NewResolver(store, 16, time.Minute)

	gen, err := cdc.NewGenerator(64)
	require.NoError(t, err)

	mock := sink.NewMockSink()
	pipe := pipeline.New(
		resolver,
		normalize.NewRegistry(),
		pipeline.RequiredFieldsValidator{},
		enrich.NewEnricher(nil),
		gen,
		sinkPublisher{mock: mock},
	)

	tracker := status.NewTracker()
	coordinator, err := ingest.NewCoordinator(pipe, tracker, ingest.Config{
		RetryBase: time.Millisecond,
	})
	require.NoError(t, err)
	coordinator.Start()
	t.Cleanup(coordinator.Stop)

	handlers := NewHandlers(coordinator, tracker, resolver)

	r := chiRouter(tokens, handlers)
	return r, tracker, mock
}

func chiRouter(tokens []string, handlers *Handlers) http.Handler {
	config := cfg.APIConfiguration{BindAddress: "127.0.0.1", Port: 8080, AuthTokens: tokens}
	return NewServer(config, handlers).httpServer.Handler
}

func TestPing(t *testing.T) {
	router, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metadata/ping", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
}

func TestProcess_Returns202Immediately(t *testing.T) {
	router, tracker, _ := newTestServer(t, nil)

	body := `{"eventId":"evt-1","eventType":"orders",` +
		`"payload":{"primaryKeyValue":"42","status":"shipped"},` +
		`"metadata":{"tenantId":"acme","format":"json"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/metadata/process", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "evt-1", resp["eventId"])
	assert.Equal(t, "pending", resp["status"])

	// The event eventually reaches a terminal status.
	assert.Eventually(t, func() bool {
		st, ok := tracker.Get("evt-1")
		return ok && st.State.Terminal()
	}, time.Second, 5*time.Millisecond)
}

func TestProcess_MissingEventIDIsBadRequest(t *testing.T) {
	router, _, _ := newTestServer(t, nil)

	body := `{"eventType":"orders","payload":{},"metadata":{"tenantId":"acme"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/metadata/process", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcess_MalformedBodyIsBadRequest(t *testing.T) {
	router, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/metadata/process", strings.NewReader("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProcessBatch_Returns202(t *testing.T) {
	router, tracker, _ := newTestServer(t, nil)

	body := `[{"eventId":"evt-1","eventType":"orders","payload":{"a":"1"},"metadata":{"tenantId":"acme"}},` +
		`{"eventId":"evt-2","eventType":"orders","payload":{"a":"2"},"metadata":{"tenantId":"acme"}}]`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/metadata/process/batch", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		a, okA := tracker.Get("evt-1")
		b, okB := tracker.Get("evt-2")
		return okA && okB && a.State.Terminal() && b.State.Terminal()
	}, time.Second, 5*time.Millisecond)
}

func TestStatus_UnknownIDIs404(t *testing.T) {
	router, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metadata/status/never-seen", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["error"], "never-seen")
}

func TestStatus_KnownID(t *testing.T) {
	router, tracker, _ := newTestServer(t, nil)
	tracker.Update("evt-1", status.StateCompleted, "Processing completed")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metadata/status/evt-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "evt-1", resp["requestId"])
	assert.Equal(t, "completed", resp["status"])
}

func TestRule_OwnTenantSeesResolvedRule(t *testing.T) {
	router, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/rules/acme/orders", nil)
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var rule rules.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))
	assert.Equal(t, rules.PriorityHigh, rule.Priority)
}

func TestRule_OtherTenantIsForbidden(t *testing.T) {
	router, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/rules/acme/orders", nil)
	req.Header.Set("X-Tenant-ID", "globex")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuth_TokenRequired(t *testing.T) {
	router, _, _ := newTestServer(t, []string{"sekrit"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metadata/ping", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/metadata/ping", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/metadata/ping", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContextTenant_NoCrossRequestLeak(t *testing.T) {
	// Tenant identity travels in the request context value, never in
	// shared state.
	ctx := common.WithTenant(context.Background(), "acme")
	other := common.WithTenant(context.Background(), "globex")

	assert.Equal(t, "acme", common.TenantFrom(ctx))
	assert.Equal(t, "globex", common.TenantFrom(other))
	assert.Equal(t, common.DefaultTenant, common.TenantFrom(context.Background()))
}
