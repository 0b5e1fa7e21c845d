// Package dispatch defines the executor contract and the registry that
// routes an approved plan to its channel-specific executor. Executors
// are external collaborators: they get (actionType, payload), perform
// exactly that one action, and report a short result string within the
// caller's timeout budget.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/steward-sh/steward/pkg/plan"
)

// Executor performs one side-effecting action. Implementations must
// honor ctx cancellation and never mutate the payload.
type Executor interface {
	Execute(ctx context.Context, actionType string, payload map[string]any) (summary string, err error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, actionType string, payload map[string]any) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, actionType string, payload map[string]any) (string, error) {
	return f(ctx, actionType, payload)
}

// Registry maps channels to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[plan.Channel]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[plan.Channel]Executor)}
}

// Register binds an executor to a channel, replacing any previous one.
func (r *Registry) Register(channel plan.Channel, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[channel] = e
}

// Lookup returns the executor for a channel.
func (r *Registry) Lookup(channel plan.Channel) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[channel]
	if !ok {
		return nil, fmt.Errorf("no executor registered for channel %s", channel)
	}
	return e, nil
}

// Channels returns the registered channels.
func (r *Registry) Channels() []plan.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plan.Channel, 0, len(r.executors))
	for c := range r.executors {
		out = append(out, c)
	}
	return out
}
