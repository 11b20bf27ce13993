package server

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

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/gate"
	"github.com/kadirpekel/conductor/pkg/ratelimit"
)

func testServer(t *testing.T, limiter *ratelimit.Limiter) (*Server, *agent.InteractionAwaiter) {
	t.Helper()

	registry := agent.NewRegistry()
	require.NoError(t, registry.Register(&agent.Config{
		Identity: agent.Identity{Name: "triage", Domain: "support"},
		Model:    "test-model",
	}))

	awaiter := agent.NewInteractionAwaiter(0)
	srv := New(Options{
		Config:    &config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Registry:  registry,
		Bus:       agent.NewBus(),
		Awaiter:   awaiter,
		GateStore: gate.NewStore(gate.DefaultBounds()),
		Limiter:   limiter,
	})
	return srv, awaiter
}

func TestHealthAndAgents(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"support:triage"}, body["agents"])
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := testServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBusSubscribersEndpointFiltersByDomain(t *testing.T) {
	srv, _ := testServer(t, nil)
	require.NoError(t, srv.opts.Bus.Subscribe(
		agent.Identity{Name: "triage", Domain: "support"}, func(agent.Message) {}))
	require.NoError(t, srv.opts.Bus.Subscribe(
		agent.Identity{Name: "closer", Domain: "sales"}, func(agent.Message) {}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/bus/subscribers?domain=support", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"support:triage"}, body["subscribers"])

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodGet, "/api/bus/subscribers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"sales:closer", "support:triage"}, body["subscribers"])
}

func TestGateResponseDeliveredToWaitingPipeline(t *testing.T) {
	srv, awaiter := testServer(t, nil)

	got := make(chan any, 1)
	go func() {
		resp, err := awaiter.WaitForResponse(context.Background(), "s1", "approval")
		assert.NoError(t, err)
		got <- resp
	}()
	require.Eventually(t, func() bool {
		return awaiter.IsWaiting("s1", "approval")
	}, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/gates/approval/response",
		strings.NewReader(`{"response": {"approved": true}}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["delivered"])

	assert.Equal(t, map[string]any{"approved": true}, <-got)
}

func TestGateResponseBufferedWhenNobodyWaiting(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/gates/approval/response",
		strings.NewReader(`{"response": "early answer"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["delivered"])
	assert.Equal(t, true, body["buffered"])

	items := srv.opts.GateStore.Drain("s1")
	require.Len(t, items, 1)
	assert.Equal(t, "approval", items[0].Gate)
	assert.Equal(t, "early answer", items[0].Response)
}

func TestGateResponseRejectsBadJSON(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/s1/gates/g/response",
		strings.NewReader(`{nope`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWaitingGatesEndpoint(t *testing.T) {
	srv, awaiter := testServer(t, nil)

	go awaiter.WaitForResponse(context.Background(), "s1", "review") //nolint:errcheck
	require.Eventually(t, func() bool {
		return awaiter.IsWaiting("s1", "review")
	}, time.Second, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/s1/gates", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Waiting  []string `json:"waiting"`
		Buffered int      `json:"buffered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"review"}, body.Waiting)
	assert.Zero(t, body.Buffered)

	require.NoError(t, awaiter.Respond("s1", "review", "done"))
}

func TestAPIRoutesAreRateLimited(t *testing.T) {
	cfg := config.RateLimitConfig{MaxRequests: 1, WindowMs: 60_000}
	cfg.SetDefaults()
	srv, _ := testServer(t, ratelimit.NewLimiter(cfg))

	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("X-User-ID", "alice")
	req.RemoteAddr = "10.0.0.1:1234"

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health stays reachable even when the API quota is exhausted.
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
