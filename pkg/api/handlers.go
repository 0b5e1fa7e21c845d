package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/steward-sh/steward/pkg/approval"
	"github.com/steward-sh/steward/pkg/cycle"
	"github.com/steward-sh/steward/pkg/engine"
	"github.com/steward-sh/steward/pkg/limiter"
	"github.com/steward-sh/steward/pkg/plan"
	"github.com/steward-sh/steward/pkg/store"
	"github.com/steward-sh/steward/pkg/watcher"
)

const maxRequestBody = 1 << 20 // 1MB

// Service wires the HTTP surface to the lifecycle components.
type Service struct {
	store        store.Store
	gate         *approval.Gate
	engine       *engine.Engine
	orchestrator *cycle.Orchestrator
	runners      []*watcher.Runner
	logger       *slog.Logger
}

// NewService creates the API service.
func NewService(s store.Store, gate *approval.Gate, eng *engine.Engine, orch *cycle.Orchestrator, runners []*watcher.Runner) *Service {
	return &Service{
		store:        s,
		gate:         gate,
		engine:       eng,
		orchestrator: orch,
		runners:      runners,
		logger:       slog.Default().With("component", "api"),
	}
}

// Routes builds the service mux with middleware applied.
func (s *Service) Routes(lim limiter.Store, policy limiter.Policy) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.HandleStatus)
	mux.HandleFunc("GET /api/v1/plans", s.HandleListPlans)
	mux.HandleFunc("GET /api/v1/plans/{id}", s.HandleGetPlan)
	mux.HandleFunc("POST /api/v1/plans/{id}/approve", s.HandleApprove)
	mux.HandleFunc("POST /api/v1/plans/{id}/reject", s.HandleReject)
	mux.HandleFunc("POST /api/v1/plans/{id}/execute", s.HandleExecute)
	mux.HandleFunc("POST /api/v1/cycle", s.HandleCycle)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return RequestID(RateLimit(lim, policy)(mux))
}

// StatusResponse is the aggregate health/status snapshot.
type StatusResponse struct {
	PlanCounts   map[plan.Status]int `json:"plan_counts"`
	LastCycleRun *plan.CycleRun      `json:"last_cycle_run,omitempty"`
	Watchers     []watcher.Liveness  `json:"watchers"`
}

// HandleStatus serves GET /api/v1/status.
func (s *Service) HandleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	lastRun, err := s.store.LastCycleRun(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}

	resp := StatusResponse{
		PlanCounts:   counts,
		LastCycleRun: lastRun,
		Watchers:     make([]watcher.Liveness, 0, len(s.runners)),
	}
	for _, runner := range s.runners {
		resp.Watchers = append(resp.Watchers, runner.Liveness())
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListPlans serves GET /api/v1/plans. By default only active
// plans are returned; ?status= and ?channel= narrow further.
func (s *Service) HandleListPlans(w http.ResponseWriter, r *http.Request) {
	f := store.Filter{ActiveOnly: true}
	if st := r.URL.Query().Get("status"); st != "" {
		status := plan.Status(st)
		if !status.Valid() {
			WriteBadRequest(w, "unknown status "+st)
			return
		}
		f.Status = status
		f.ActiveOnly = false
	}
	if ch := r.URL.Query().Get("channel"); ch != "" {
		f.Channel = plan.Channel(ch)
	}

	plans, err := s.store.List(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans, "count": len(plans)})
}

// HandleGetPlan serves GET /api/v1/plans/{id}.
func (s *Service) HandleGetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, plan.ErrNotFound) {
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "plan not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// decisionRequest carries the approval token for approve/reject.
type decisionRequest struct {
	Token string `json:"token"`
}

// HandleApprove serves POST /api/v1/plans/{id}/approve.
func (s *Service) HandleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.gate.Approve)
}

// HandleReject serves POST /api/v1/plans/{id}/reject.
func (s *Service) HandleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, s.gate.Reject)
}

func (s *Service) handleDecision(w http.ResponseWriter, r *http.Request, decide func(ctx context.Context, planID, token string) (*plan.Plan, error)) {
	if s.gate == nil {
		WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable",
			"approval is not configured on this server")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Token == "" {
		WriteBadRequest(w, "Missing required field: token")
		return
	}

	p, err := decide(r.Context(), r.PathValue("id"), req.Token)
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrNotFound):
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "plan not found")
		case errors.Is(err, plan.ErrForbidden):
			WriteForbidden(w, "approval token rejected")
		case errors.Is(err, plan.ErrInvalidStatus):
			WriteConflict(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleExecute serves POST /api/v1/plans/{id}/execute. A still-running
// attempt is reported with 202.
func (s *Service) HandleExecute(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Execute(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, plan.ErrNotFound):
			WriteErrorR(w, r, http.StatusNotFound, "Not Found", "plan not found")
		case errors.Is(err, plan.ErrInvalidStatus):
			WriteConflict(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}
	status := http.StatusOK
	if res.Status == engine.StatusRunning {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// cycleRequest triggers a cycle pass.
type cycleRequest struct {
	Mode    string `json:"mode"`
	Confirm bool   `json:"confirm"`
}

// HandleCycle serves POST /api/v1/cycle.
func (s *Service) HandleCycle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req cycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	mode := plan.CycleMode(req.Mode)
	if mode == "" {
		mode = plan.ModeDryRun
	}

	run, err := s.orchestrator.Run(r.Context(), mode, req.Confirm)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
