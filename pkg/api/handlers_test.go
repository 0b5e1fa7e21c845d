package api_test

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

	"github.com/steward-sh/steward/pkg/api"
	"github.com/steward-sh/steward/pkg/approval"
	"github.com/steward-sh/steward/pkg/audit"
	"github.com/steward-sh/steward/pkg/cycle"
	"github.com/steward-sh/steward/pkg/dispatch"
	"github.com/steward-sh/steward/pkg/engine"
	"github.com/steward-sh/steward/pkg/limiter"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
)

var signingKey = []byte("api-test-key")

type fixture struct {
	store   *store.MemoryStore
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	recorder := audit.NewRecorder(audit.NewMemoryLog())

	verifier, err := approval.NewJWTVerifier(signingKey)
	require.NoError(t, err)
	gate := approval.NewGate(s, recorder, verifier, nil, nil)

	registry := dispatch.NewRegistry()
	registry.Register(plan.ChannelMail, dispatch.ExecutorFunc(
		func(ctx context.Context, actionType string, payload map[string]any) (string, error) {
			return "sent", nil
		}))
	eng := engine.New(s, recorder, registry, nil, engine.Config{})

	orch := cycle.New(s, recorder, []cycle.Unit{cycle.ReportUnit(s)}, 0)

	svc := api.NewService(s, gate, eng, orch, nil)
	return &fixture{store: s, handler: svc.Routes(nil, limiter.Policy{})}
}

func (f *fixture) seed(t *testing.T, status plan.Status) *plan.Plan {
	t.Helper()
	p := plan.New(plan.ChannelMail, "send_reply", map[string]any{"to": "ops@example.com"})
	p.Status = status
	require.NoError(t, f.store.Create(context.Background(), p))
	return p
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.RemoteAddr = "203.0.113.9:51234"
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func mintToken(t *testing.T, actor string) string {
	t.Helper()
	token, err := approval.MintInteractiveToken(signingKey, actor, time.Minute)
	require.NoError(t, err)
	return token
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestID_PreservesCallerID(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-chose-this")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, "caller-chose-this", w.Header().Get("X-Request-ID"))
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.seed(t, plan.StatusDraft)
	f.seed(t, plan.StatusApproved)

	w := f.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[api.StatusResponse](t, w)
	assert.Equal(t, 1, resp.PlanCounts[plan.StatusDraft])
	assert.Equal(t, 1, resp.PlanCounts[plan.StatusApproved])
	assert.Nil(t, resp.LastCycleRun)
}

func TestListPlans(t *testing.T) {
	f := newFixture(t)
	f.seed(t, plan.StatusDraft)
	f.seed(t, plan.StatusPendingApproval)
	f.seed(t, plan.StatusArchived)

	w := f.do(t, http.MethodGet, "/api/v1/plans", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 2, resp.Count, "default listing hides terminal plans")

	w = f.do(t, http.MethodGet, "/api/v1/plans?status=ARCHIVED", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[struct {
		Count int `json:"count"`
	}](t, w)
	assert.Equal(t, 1, resp.Count)

	w = f.do(t, http.MethodGet, "/api/v1/plans?status=BOGUS", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetPlan(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, plan.StatusDraft)

	w := f.do(t, http.MethodGet, "/api/v1/plans/"+p.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[plan.Plan](t, w)
	assert.Equal(t, p.ID, got.ID)

	w = f.do(t, http.MethodGet, "/api/v1/plans/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	problem := decode[api.ProblemDetail](t, w)
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "/api/v1/plans/ghost", problem.Instance)
	assert.Equal(t, w.Header().Get("X-Request-ID"), problem.TraceID)
}

// TestApprove_GateNotConfigured verifies a server started without a
// signing key answers decisions with 503 instead of crashing.
func TestApprove_GateNotConfigured(t *testing.T) {
	s := store.NewMemoryStore()
	p := plan.New(plan.ChannelMail, "send_reply", nil)
	p.Status = plan.StatusPendingApproval
	require.NoError(t, s.Create(context.Background(), p))

	svc := api.NewService(s, nil, nil, nil, nil)
	handler := svc.Routes(nil, limiter.Policy{})

	for _, verb := range []string{"approve", "reject"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/plans/"+p.ID+"/"+verb,
			strings.NewReader(`{"token": "anything"}`))
		req.RemoteAddr = "203.0.113.9:51234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code, verb)
		problem := decode[api.ProblemDetail](t, w)
		assert.Contains(t, problem.Detail, "approval is not configured")
	}

	stored, err := s.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.StatusPendingApproval, stored.Status)
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, plan.StatusPendingApproval)
	body := `{"token": "` + mintToken(t, "alice") + `"}`

	w := f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[plan.Plan](t, w)
	assert.Equal(t, plan.StatusApproved, got.Status)

	// The decision is single-use.
	w = f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestApprove_BadToken(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, plan.StatusPendingApproval)

	w := f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", `{"token": "garbage"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/approve", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, plan.StatusPendingApproval)
	body := `{"token": "` + mintToken(t, "alice") + `"}`

	w := f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/reject", body)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[plan.Plan](t, w)
	assert.Equal(t, plan.StatusRejected, got.Status)
}

func TestExecute(t *testing.T) {
	f := newFixture(t)
	p := f.seed(t, plan.StatusApproved)

	w := f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/execute", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[engine.Result](t, w)
	assert.Equal(t, engine.StatusExecuted, res.Status)

	// A second execute hits the consumed Approved state.
	w = f.do(t, http.MethodPost, "/api/v1/plans/"+p.ID+"/execute", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/plans/ghost/execute", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCycle(t *testing.T) {
	f := newFixture(t)
	f.seed(t, plan.StatusDraft)

	w := f.do(t, http.MethodPost, "/api/v1/cycle", `{"mode": "dry_run"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run := decode[plan.CycleRun](t, w)
	assert.Equal(t, plan.CycleCompleted, run.Status)

	// Execute mode without confirm is refused.
	w = f.do(t, http.MethodPost, "/api/v1/cycle", `{"mode": "execute"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Empty mode defaults to dry_run.
	w = f.do(t, http.MethodPost, "/api/v1/cycle", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

type denyAll struct{}

func (denyAll) Allow(ctx context.Context, key string, policy limiter.Policy, cost int) (bool, error) {
	return false, nil
}

func TestRateLimit(t *testing.T) {
	s := store.NewMemoryStore()
	svc := api.NewService(s, nil, nil, nil, nil)
	handler := svc.Routes(denyAll{}, limiter.Policy{RPM: 1, Burst: 1})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}
