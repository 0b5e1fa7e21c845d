package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-memory Log for tests and dry runs.
type MemoryLog struct {
	mu      sync.Mutex
	entries []*Entry
	heads   map[string]string // partition -> chain head hash
	clock   func() time.Time
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		heads: make(map[string]string),
		clock: time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func (l *MemoryLog) Append(ctx context.Context, e Entry) (*Entry, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	partition := now.Format(PartitionLayout)
	if !e.Timestamp.IsZero() {
		partition = e.Timestamp.UTC().Format(PartitionLayout)
	}
	if err := seal(&e, l.heads[partition], now); err != nil {
		return nil, err
	}
	l.heads[e.Partition] = e.Hash
	l.entries = append(l.entries, &e)
	cp := e
	return &cp, nil
}

func (l *MemoryLog) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Entry, 0)
	for _, e := range l.entries {
		if !matches(e, f) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLog) VerifyChain(ctx context.Context, partition string) error {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []*Entry
	for _, e := range l.entries {
		if e.Partition == partition {
			entries = append(entries, e)
		}
	}
	if err := verifyEntries(entries); err != nil {
		return fmt.Errorf("partition %s: %w", partition, err)
	}
	return nil
}

func matches(e *Entry, f Filter) bool {
	if f.FromPartition != "" && e.Partition < f.FromPartition {
		return false
	}
	if f.ToPartition != "" && e.Partition > f.ToPartition {
		return false
	}
	if f.ActionType != "" && e.ActionType != f.ActionType {
		return false
	}
	if f.Target != "" && e.Target != f.Target {
		return false
	}
	return true
}
