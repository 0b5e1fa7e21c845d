package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/steward-sh/steward/pkg/plan"
)

// MemoryStore is a mutex-guarded in-memory Store for tests and dry
// runs. Transition semantics are identical to the SQL backends.
type MemoryStore struct {
	mu       sync.Mutex
	plans    map[string]*plan.Plan
	attempts map[string]*plan.ExecutionAttempt
	runs     []*plan.CycleRun
	clock    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:    make(map[string]*plan.Plan),
		attempts: make(map[string]*plan.ExecutionAttempt),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Create(ctx context.Context, p *plan.Plan) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[p.ID]; ok {
		return fmt.Errorf("plan %s already exists", p.ID)
	}
	cp := clonePlan(p)
	s.plans[p.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*plan.Plan, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
	}
	return clonePlan(p), nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*plan.Plan, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*plan.Plan, 0)
	for _, p := range s.plans {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Channel != "" && p.Channel != f.Channel {
			continue
		}
		if f.ActiveOnly && p.Status == plan.StatusArchived {
			continue
		}
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdateFilePath(ctx context.Context, id, filePath string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
	}
	p.FilePath = filePath
	return nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to plan.Status) error {
	_ = ctx
	if !plan.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", plan.ErrInvalidStatus, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return fmt.Errorf("plan %s: %w", id, plan.ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("%w: plan %s is %s, expected %s", plan.ErrInvalidStatus, id, p.Status, from)
	}
	p.Status = to
	now := s.clock().UTC()
	if now.After(p.UpdatedAt) {
		p.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, a *plan.ExecutionAttempt) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.attempts[a.ID] = &cp
	return nil
}

func (s *MemoryStore) CompleteAttempt(ctx context.Context, attemptID string, finishedAt time.Time, outcome plan.Outcome, summary, errDetail string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %s: %w", attemptID, plan.ErrNotFound)
	}
	ts := finishedAt.UTC()
	a.FinishedAt = &ts
	a.Outcome = outcome
	a.ResultSummary = summary
	a.ErrorDetail = errDetail
	return nil
}

func (s *MemoryStore) AttemptsForPlan(ctx context.Context, planID string) ([]*plan.ExecutionAttempt, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*plan.ExecutionAttempt, 0)
	for _, a := range s.attempts {
		if a.PlanID == planID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[plan.Status]int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[plan.Status]int)
	for _, p := range s.plans {
		counts[p.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) SaveCycleRun(ctx context.Context, run *plan.CycleRun) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	cp.Units = append([]plan.UnitResult(nil), run.Units...)
	for i, r := range s.runs {
		if r.ID == run.ID {
			s.runs[i] = &cp
			return nil
		}
	}
	s.runs = append(s.runs, &cp)
	return nil
}

func (s *MemoryStore) LastCycleRun(ctx context.Context) (*plan.CycleRun, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return nil, nil
	}
	last := s.runs[len(s.runs)-1]
	cp := *last
	cp.Units = append([]plan.UnitResult(nil), last.Units...)
	return &cp, nil
}

func (s *MemoryStore) ReapStuckExecuting(ctx context.Context, cutoff time.Time) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	var reaped []string
	for _, p := range s.plans {
		if p.Status != plan.StatusExecuting || !p.UpdatedAt.Before(cutoff) {
			continue
		}
		p.Status = plan.StatusFailed
		if now.After(p.UpdatedAt) {
			p.UpdatedAt = now
		}
		for _, a := range s.attempts {
			if a.PlanID == p.ID && a.FinishedAt == nil {
				ts := now
				a.FinishedAt = &ts
				a.Outcome = plan.OutcomeTimeout
				a.ErrorDetail = "reaped: no outcome reported within time budget"
			}
		}
		reaped = append(reaped, p.ID)
	}
	sort.Strings(reaped)
	return reaped, nil
}

func (s *MemoryStore) ArchiveTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock().UTC()
	n := 0
	for _, p := range s.plans {
		if !p.Status.Terminal() || !p.UpdatedAt.Before(cutoff) {
			continue
		}
		p.Status = plan.StatusArchived
		if now.After(p.UpdatedAt) {
			p.UpdatedAt = now
		}
		n++
	}
	return n, nil
}

func clonePlan(p *plan.Plan) *plan.Plan {
	cp := *p
	if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		cp.ScheduledAt = &t
	}
	if p.Payload != nil {
		cp.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}
