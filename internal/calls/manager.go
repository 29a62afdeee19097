package calls

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/model"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"
	"callbridge/internal/tools"

	"github.com/google/uuid"
)

// Transport is the carrier side of one call.
type Transport interface {
	Events() <-chan telephony.Event
	// SendMedia queues base64 μ-law 8kHz audio for the caller.
	SendMedia(payload string) error
	Clear() error
	Ping() error
	// LastSeen is when the carrier last sent a frame or answered a ping.
	LastSeen() time.Time
	Close() error
}

// ModelSession is one speech model stream.
type ModelSession interface {
	SendAudio(pcm []byte) error
	SendText(text string) error
	SendToolResult(id, name string, result map[string]any) error
	Close() error
}

// ModelDialer opens a model stream whose events are delivered to h.
type ModelDialer func(ctx context.Context, cfg model.Config, h model.Handler) (ModelSession, error)

// DialModel is the ModelDialer backed by the live model client.
func DialModel(ctx context.Context, cfg model.Config, h model.Handler) (ModelSession, error) {
	c, err := model.Dial(ctx, cfg, h)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Carrier controls calls through the carrier's REST API.
type Carrier interface {
	StartOutboundCall(ctx context.Context, call telephony.OutboundCall) (telephony.CallResource, error)
	EndCall(ctx context.Context, callSid string) error
}

// Observer receives session metrics.
type Observer interface {
	SessionOpened()
	SessionClosed()
	SessionEvent(event string)
	MediaFrame(direction string)
	ModelRecreated(ok bool)
	ObserveFirstAudioLatency(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()                         {}
func (nopObserver) SessionClosed()                         {}
func (nopObserver) SessionEvent(string)                    {}
func (nopObserver) MediaFrame(string)                      {}
func (nopObserver) ModelRecreated(bool)                    {}
func (nopObserver) ObserveFirstAudioLatency(time.Duration) {}

const (
	GreetingInstruction = "Please greet the caller now. Start the conversation with a warm, professional greeting."
	ApologyText         = "I apologize, but I am experiencing technical difficulties. Please try your call again later."

	DefaultProbeInterval  = 30 * time.Second
	DefaultMaxRecreates   = 3
	DefaultRecreateWindow = time.Minute
	DefaultApologyGrace   = 5 * time.Second
	DefaultBackoffBase    = 250 * time.Millisecond
	DefaultBackoffCap     = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultRecordTimeout  = 5 * time.Second
)

// Config tunes session behavior.
type Config struct {
	// Model is the base model configuration. Voice, language, prompt and
	// tools are replaced per agent.
	Model model.Config

	ProbeInterval  time.Duration
	MaxRecreates   int
	RecreateWindow time.Duration
	ApologyGrace   time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DialTimeout    time.Duration
	// RecordTimeout bounds each call-log and audit write.
	RecordTimeout time.Duration

	// StreamURL and StatusCallbackURL are used for outbound calls.
	StreamURL         string
	StatusCallbackURL string
	FromNumber        string
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.MaxRecreates <= 0 {
		c.MaxRecreates = DefaultMaxRecreates
	}
	if c.RecreateWindow <= 0 {
		c.RecreateWindow = DefaultRecreateWindow
	}
	if c.ApologyGrace <= 0 {
		c.ApologyGrace = DefaultApologyGrace
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = DefaultRecordTimeout
	}
	return c
}

// Deps are the collaborators a Manager drives. Engine, Assignments, Tools
// and Bridge are required; the rest are optional.
type Deps struct {
	Engine      *routing.Engine
	Assignments *routing.Assignments
	Tools       *tools.Registry
	Bridge      *tools.Bridge

	CallLog  CallLog
	Audit    *audit.Service
	Capacity Capacity
	Carrier  Carrier
	Metrics  Observer
	Dial     ModelDialer
	Log      *slog.Logger
}

// Manager owns every live call session on this instance.
type Manager struct {
	cfg Config
	Deps

	Now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	pending sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	if deps.Metrics == nil {
		deps.Metrics = nopObserver{}
	}
	if deps.Dial == nil {
		deps.Dial = DialModel
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		Deps:     deps,
		Now:      time.Now,
		sessions: make(map[string]*session),
	}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

// Serve runs one call session over t and returns when it is closed. It closes t.
func (m *Manager) Serve(ctx context.Context, t Transport) {
	s := newSession(m, uuid.NewString(), t)
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	m.Metrics.SessionOpened()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, s.id)
		m.mu.Unlock()
		m.Metrics.SessionClosed()
	}()

	s.run(ctx)
}

// goRecord runs a best-effort write off the session loop. It outlives the
// call's context but not RecordTimeout.
func (m *Manager) goRecord(ctx context.Context, write func(context.Context)) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RecordTimeout)
		defer cancel()
		write(ctx)
	}()
}

// Wait blocks until background writes have finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// Snapshot is a point-in-time view of one session.
type Snapshot struct {
	ID        string            `json:"id"`
	CallSid   string            `json:"call_sid,omitempty"`
	StreamSid string            `json:"stream_sid,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	AgentName string            `json:"agent_name,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to,omitempty"`
	Direction routing.Direction `json:"direction,omitempty"`
	Reason    string            `json:"routing_reason,omitempty"`
	State     State             `json:"state"`
	Degraded  bool              `json:"degraded"`
	StartedAt time.Time         `json:"started_at"`
}

// Active returns the live sessions, oldest first.
func (m *Manager) Active() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Count is the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
