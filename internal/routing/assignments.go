package routing

import (
	"context"
	"sync"
	"time"
)

const DefaultAssignmentTTL = 10 * time.Minute

// Assignments holds the decision made by a call-setup webhook until the media
// stream for that call starts. Entries are time-bounded; a call whose stream
// never arrives is dropped by Sweep.
type Assignments struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]assignment

	Now func() time.Time
}

type assignment struct {
	decision  Decision
	expiresAt time.Time
}

func NewAssignments(ttl time.Duration) *Assignments {
	if ttl <= 0 {
		ttl = DefaultAssignmentTTL
	}
	return &Assignments{ttl: ttl, entries: make(map[string]assignment), Now: time.Now}
}

func (a *Assignments) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}

// Put stores d for callSid, replacing any earlier decision.
func (a *Assignments) Put(callSid string, d Decision) {
	if callSid == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[callSid] = assignment{decision: d, expiresAt: a.now().Add(a.ttl)}
}

// Get returns the live decision for callSid.
func (a *Assignments) Get(callSid string) (Decision, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[callSid]
	if !ok {
		return Decision{}, false
	}
	if !e.expiresAt.After(a.now()) {
		delete(a.entries, callSid)
		return Decision{}, false
	}
	return e.decision, true
}

func (a *Assignments) Remove(callSid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, callSid)
}

func (a *Assignments) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (a *Assignments) Sweep() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for sid, e := range a.entries {
		if !e.expiresAt.After(now) {
			delete(a.entries, sid)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (a *Assignments) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.Sweep()
		}
	}
}
