package reporting

import (
	"context"
	"sync"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/calls"
)

// MemoryRepo is an in-memory reporting repository for tests and local runs.
type MemoryRepo struct {
	mu sync.Mutex

	Calls []calls.CallRecord
	Audit *audit.MemoryRepo
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{Audit: audit.NewMemoryRepo()} }

func (r *MemoryRepo) ListCalls(ctx context.Context, userID string, from, to time.Time, agentID string) ([]calls.CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.CallRecord, 0)
	for _, c := range r.Calls {
		if userID != "" && c.UserID != userID {
			continue
		}
		if !c.CreatedAt.IsZero() {
			if c.CreatedAt.Before(from) || !c.CreatedAt.Before(to) {
				continue
			}
		}
		if agentID != "" && c.AgentID != agentID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListEvents(ctx context.Context, t audit.EventType, from, to time.Time) ([]audit.Event, error) {
	if r.Audit == nil {
		return nil, nil
	}
	return r.Audit.ListEvents(ctx, t, from, to)
}
