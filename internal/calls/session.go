package calls

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"callbridge/internal/audio"
	"callbridge/internal/model"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"
	"callbridge/internal/tools"
	"callbridge/pkg/logger"
)

type modelEventKind int

const (
	modelReady modelEventKind = iota
	modelFailed
)

type modelEvent struct {
	kind modelEventKind
	gen  uint64
	err  error
}

// session is one call. run owns every unguarded field; mu guards what
// Snapshot and the model callbacks read.
type session struct {
	m   *Manager
	id  string
	t   Transport
	log *slog.Logger

	mu        sync.Mutex
	state     State
	degraded  bool
	callSid   string
	streamSid string
	decision  routing.Decision
	direction routing.Direction
	userID    string
	from      string
	to        string
	startedAt time.Time
	model     ModelSession
	tools     *tools.Set

	gen         atomic.Uint64
	firstAudio  atomic.Bool
	modelEvents chan modelEvent
	done        chan struct{}

	ready       bool
	started     bool
	greeted     bool
	failures    []time.Time
	recreate    <-chan time.Time
	apology     <-chan time.Time
	escalated   bool
	lastPing    time.Time
	capacityKey string
	endStatus   CallStatus
}

func newSession(m *Manager, id string, t Transport) *session {
	return &session{
		m:           m,
		id:          id,
		t:           t,
		log:         m.Log.With("session_id", id),
		state:       StateConnecting,
		direction:   routing.DirectionInbound,
		startedAt:   m.now(),
		modelEvents: make(chan modelEvent, 16),
		done:        make(chan struct{}),
		endStatus:   CallStatusCompleted,
	}
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		CallSid:   s.callSid,
		StreamSid: s.streamSid,
		AgentID:   s.decision.Profile.ID,
		AgentName: s.decision.Profile.Name,
		UserID:    s.userID,
		From:      s.from,
		To:        s.to,
		Direction: s.direction,
		Reason:    s.decision.Reason,
		State:     s.state,
		Degraded:  s.degraded,
		StartedAt: s.startedAt,
	}
}

func (s *session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		s.log.Warn("invalid session transition", "from", string(s.state), "to", string(next))
		return false
	}
	s.log.Debug("session transition", "from", string(s.state), "to", string(next))
	s.state = next
	return true
}

func (s *session) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

func (s *session) currentModel() ModelSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *session) currentTools() *tools.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools
}

func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(logger.With(parent, s.log))
	defer cancel()

	// The model is opened before anything is known about the call so audio
	// can flow as soon as the agent is configured.
	if err := s.openModel(ctx, s.m.cfg.Model); err != nil {
		s.log.Warn("initial model dial failed", "err", err)
	}

	probe := time.NewTicker(s.m.cfg.ProbeInterval)
	defer probe.Stop()

	events := s.t.Events()
	for {
		select {
		case <-ctx.Done():
			s.close(ctx, "context canceled")
			return

		case ev, ok := <-events:
			if !ok || ev.Kind == telephony.EventClosed {
				if ev.Err != nil {
					s.log.Warn("media stream failed", "err", ev.Err)
					s.endStatus = CallStatusFailed
				}
				s.close(ctx, "transport closed")
				return
			}
			if ev.Kind == telephony.EventStop {
				s.close(ctx, "stream stopped")
				return
			}
			s.handleTransport(ctx, ev)

		case me := <-s.modelEvents:
			if me.gen != s.gen.Load() {
				continue
			}
			switch me.kind {
			case modelReady:
				s.onModelReady()
			case modelFailed:
				s.onModelFailure(me.err)
			}

		case <-s.recreate:
			s.recreate = nil
			s.recreateModel(ctx)

		case <-s.apology:
			s.apology = nil
			s.endCall(ctx)
			s.close(ctx, "model unavailable")
			return

		case <-probe.C:
			if !s.probe() {
				s.endStatus = CallStatusFailed
				s.close(ctx, "liveness probe failed")
				return
			}
		}
	}
}

func (s *session) handleTransport(ctx context.Context, ev telephony.Event) {
	switch ev.Kind {
	case telephony.EventConnected:
		s.log.Debug("media stream connected")
	case telephony.EventStart:
		if s.started {
			return
		}
		s.handleStart(ctx, ev)
	case telephony.EventMedia:
		s.handleMedia(ev)
	case telephony.EventDTMF:
		s.log.Info("dtmf received", "digit", ev.Digit)
		s.m.Metrics.SessionEvent("dtmf")
	case telephony.EventMark:
		s.log.Debug("mark played", "mark", ev.Mark)
	}
}

func (s *session) handleStart(ctx context.Context, ev telephony.Event) {
	start := ev.Start
	params := start.CustomParameters
	s.started = true

	s.mu.Lock()
	s.callSid = start.CallSid
	s.streamSid = ev.StreamSid
	s.from = params[telephony.ParamFrom]
	s.to = params[telephony.ParamTo]
	if params[telephony.ParamDirection] == string(routing.DirectionOutbound) {
		s.direction = routing.DirectionOutbound
	}
	s.log = s.log.With("call_sid", start.CallSid, "stream_sid", ev.StreamSid)
	s.mu.Unlock()
	d := s.resolveAgent(ctx, params)

	userID := params[telephony.ParamUserID]
	if userID == "" {
		userID = d.Profile.UserID
	}
	s.mu.Lock()
	s.decision = d
	s.userID = userID
	s.log = s.log.With("agent_id", d.Profile.ID)
	s.mu.Unlock()
	s.log.Info("media stream started", "direction", string(s.direction), "reason", d.Reason)

	s.acquireCapacity(ctx, d.Profile)

	set, err := s.m.Tools.ForAgent(ctx, d.Profile.ID)
	if err != nil {
		s.log.Warn("webhook tools unavailable; continuing with built-ins", "err", err)
	}
	s.mu.Lock()
	s.tools = set
	s.mu.Unlock()

	if err := s.openModel(ctx, s.agentConfig()); err != nil {
		s.log.Error("agent model dial failed", "err", err)
		s.onModelFailure(err)
	}

	s.writeCallStarted(ctx)
	s.transition(StateAwaitingFirstMedia)
	s.m.Metrics.SessionEvent("started")
}

// resolveAgent picks the agent for the call: an explicit stream parameter,
// then the decision stored by the call-setup webhook, then the routing engine.
func (s *session) resolveAgent(ctx context.Context, params map[string]string) routing.Decision {
	agentID := params[telephony.ParamAgentID]
	engine := s.m.Engine

	if s.direction == routing.DirectionOutbound {
		d := engine.RouteOutbound(ctx, agentID)
		if stored, ok := s.m.Assignments.Get(s.callSid); ok && stored.Profile.ID == d.Profile.ID {
			return stored
		}
		engine.Record(ctx, s.callSid, d)
		return d
	}

	stored, haveStored := s.m.Assignments.Get(s.callSid)
	if agentID != "" {
		if haveStored && stored.Profile.ID == agentID {
			return stored
		}
		p, err := engine.Agent(ctx, agentID)
		if err == nil {
			d := routing.Decision{Profile: p, Action: routing.Action{Kind: routing.ActionDirect}, Reason: routing.ReasonStreamParameter}
			engine.Record(ctx, s.callSid, d)
			return d
		}
		s.log.Warn("stream agent lookup failed", "agent_id", agentID, "err", err)
	}
	if haveStored {
		return stored
	}
	return engine.RouteInbound(ctx, routing.InboundCall{CallSid: s.callSid, From: s.from, To: s.to})
}

func (s *session) agentConfig() model.Config {
	cfg := s.m.cfg.Model
	s.mu.Lock()
	p := s.decision.Profile
	set := s.tools
	s.mu.Unlock()
	cfg.Voice = p.Voice
	cfg.Language = p.Language
	cfg.SystemPrompt = p.SystemPrompt
	if set != nil {
		cfg.Tools = set.Declarations()
	}
	return cfg
}

func (s *session) handleMedia(ev telephony.Event) {
	switch s.State() {
	case StateAwaitingFirstMedia:
		s.transition(StateActive)
		s.m.Metrics.SessionEvent("active")
	case StateActive:
	default:
		return
	}
	s.m.Metrics.MediaFrame("inbound")

	if !s.ready {
		return
	}
	mdl := s.currentModel()
	if mdl == nil {
		return
	}
	if err := mdl.SendAudio(audio.MediaPayloadToPCM(ev.Payload, audio.ModelInputRate)); err != nil {
		s.log.Debug("model audio dropped", "err", err)
	}
}

// openModel replaces the current model stream. Events from earlier streams
// are ignored from here on.
func (s *session) openModel(ctx context.Context, cfg model.Config) error {
	gen := s.gen.Add(1)
	s.ready = false
	s.closeModel()

	dialCtx, cancel := context.WithTimeout(ctx, s.m.cfg.DialTimeout)
	defer cancel()
	mdl, err := s.m.Dial(dialCtx, cfg, s.modelHandler(ctx, gen))
	if err != nil {
		return err
	}
	if s.gen.Load() != gen {
		_ = mdl.Close()
		return nil
	}
	s.mu.Lock()
	s.model = mdl
	s.mu.Unlock()
	return nil
}

func (s *session) closeModel() {
	s.mu.Lock()
	mdl := s.model
	s.model = nil
	s.mu.Unlock()
	if mdl != nil {
		_ = mdl.Close()
	}
}

func (s *session) emit(ev modelEvent) {
	select {
	case s.modelEvents <- ev:
	case <-s.done:
	}
}

func (s *session) modelHandler(ctx context.Context, gen uint64) model.Handler {
	current := func() bool { return s.gen.Load() == gen }
	return model.Handler{
		OnReady: func() { s.emit(modelEvent{kind: modelReady, gen: gen}) },
		OnError: func(err error) { s.emit(modelEvent{kind: modelFailed, gen: gen, err: err}) },
		OnAudio: func(pcm []byte, mime string) {
			if !current() {
				return
			}
			rate := model.RateFromMIME(mime, audio.ModelOutputRate)
			payload := audio.PCMToMediaPayload(pcm, rate)
			if err := s.t.SendMedia(payload); err != nil {
				return
			}
			s.m.Metrics.MediaFrame("outbound")
			if s.firstAudio.CompareAndSwap(false, true) {
				s.m.Metrics.ObserveFirstAudioLatency(s.m.now().Sub(s.startedAt))
			}
		},
		OnInterrupted: func() {
			if current() {
				_ = s.t.Clear()
			}
		},
		OnToolCall: func(call model.ToolCall) {
			if current() {
				s.dispatchTool(ctx, call)
			}
		},
	}
}

func (s *session) dispatchTool(ctx context.Context, tc model.ToolCall) {
	s.mu.Lock()
	call := tools.Call{
		ID:      tc.ID,
		Name:    tc.Name,
		Args:    tc.Args,
		CallSid: s.callSid,
		AgentID: s.decision.Profile.ID,
		UserID:  s.userID,
	}
	set := s.tools
	s.mu.Unlock()

	s.mu.Lock()
	log := s.log
	s.mu.Unlock()

	s.m.Bridge.Dispatch(ctx, set, call, func(res tools.Result) {
		mdl := s.currentModel()
		if mdl == nil {
			log.Warn("tool result dropped; no model stream", "tool", res.Name, "call_id", res.CallID)
			return
		}
		if err := mdl.SendToolResult(res.CallID, res.Name, res.Response()); err != nil {
			log.Warn("tool result not delivered", "tool", res.Name, "call_id", res.CallID, "err", err)
		}
	})
}

func (s *session) onModelReady() {
	s.ready = true
	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = false
	s.mu.Unlock()
	if wasDegraded {
		s.log.Info("model stream recovered")
		s.m.Metrics.ModelRecreated(true)
	}
	if s.started && !s.greeted {
		if mdl := s.currentModel(); mdl != nil {
			if err := mdl.SendText(GreetingInstruction); err != nil {
				s.log.Warn("greeting instruction failed", "err", err)
				return
			}
			s.greeted = true
		}
	}
}

// onModelFailure schedules a recreate with backoff, or escalates once more
// than MaxRecreates failures fall inside RecreateWindow.
func (s *session) onModelFailure(err error) {
	if s.escalated {
		return
	}
	now := s.m.now()
	s.ready = false
	s.failures = pruneBefore(append(s.failures, now), now.Add(-s.m.cfg.RecreateWindow))
	s.log.Warn("model stream failed", "err", err, "recent_failures", len(s.failures))

	if len(s.failures) > s.m.cfg.MaxRecreates {
		s.escalate()
		return
	}
	s.setDegraded(true)
	s.m.Metrics.SessionEvent("degraded")
	delay := backoff(len(s.failures)-1, s.m.cfg.BackoffBase, s.m.cfg.BackoffCap)
	s.recreate = time.After(delay)
}

func (s *session) recreateModel(ctx context.Context) {
	cfg := s.m.cfg.Model
	if s.started {
		cfg = s.agentConfig()
	}
	attempt := len(s.failures)
	if err := s.openModel(ctx, cfg); err != nil {
		s.onModelFailure(err)
		return
	}
	s.log.Info("model stream recreated", "attempt", attempt)
	if s.m.Audit != nil && s.callSid != "" {
		s.mu.Lock()
		agentID := s.decision.Profile.ID
		s.mu.Unlock()
		callSid, log := s.callSid, s.log
		s.m.goRecord(ctx, func(ctx context.Context) {
			if err := s.m.Audit.LogModelRecreated(ctx, callSid, agentID, attempt, "stream_error"); err != nil {
				log.Warn("audit model recreate failed", "err", err)
			}
		})
	}
}

// escalate speaks the apology through whatever stream is left and ends the
// call after the grace period.
func (s *session) escalate() {
	s.escalated = true
	s.endStatus = CallStatusFailed
	s.recreate = nil
	s.m.Metrics.ModelRecreated(false)
	s.log.Error("model stream unrecoverable; ending call")
	if mdl := s.currentModel(); mdl != nil {
		if err := mdl.SendText(ApologyText); err != nil {
			s.log.Warn("apology not delivered", "err", err)
		}
	}
	s.apology = time.After(s.m.cfg.ApologyGrace)
}

func (s *session) endCall(ctx context.Context) {
	if s.m.Carrier == nil || s.callSid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.m.Carrier.EndCall(ctx, s.callSid); err != nil {
		s.log.Error("end call failed", "err", err)
	}
}

// probe reports false when the previous ping went unanswered for a full
// interval.
func (s *session) probe() bool {
	if !s.lastPing.IsZero() && s.t.LastSeen().Before(s.lastPing) {
		s.log.Warn("media stream missed liveness probe", "last_seen", s.t.LastSeen())
		return false
	}
	if err := s.t.Ping(); err != nil {
		s.log.Warn("liveness ping failed", "err", err)
		return false
	}
	s.lastPing = time.Now()
	return true
}

func (s *session) acquireCapacity(ctx context.Context, p routing.AgentProfile) {
	if s.m.Capacity == nil || p.ID == "" {
		return
	}
	ok, err := s.m.Capacity.Acquire(ctx, p.ID, p.MaxConcurrentCalls)
	switch {
	case err != nil:
		s.log.Warn("capacity check unavailable; allowing call", "err", err)
	case !ok:
		s.log.Warn("agent at capacity; allowing call", "max_concurrent_calls", p.MaxConcurrentCalls)
		s.m.Metrics.SessionEvent("over_capacity")
	default:
		s.capacityKey = p.ID
	}
}

func (s *session) writeCallStarted(ctx context.Context) {
	snap := s.snapshot()
	if s.m.CallLog != nil && snap.CallSid != "" {
		var err error
		if snap.Direction == routing.DirectionOutbound {
			err = s.m.CallLog.UpdateCallRecord(ctx, CallUpdate{
				CallSid:   snap.CallSid,
				StreamSid: snap.StreamSid,
				AgentID:   snap.AgentID,
				Status:    CallStatusInProgress,
			})
		} else {
			err = s.m.CallLog.CreateCallRecord(ctx, CallRecord{
				CallSid:       snap.CallSid,
				StreamSid:     snap.StreamSid,
				AgentID:       snap.AgentID,
				UserID:        snap.UserID,
				From:          snap.From,
				To:            snap.To,
				Direction:     string(snap.Direction),
				Status:        CallStatusInProgress,
				RoutingReason: snap.Reason,
				CreatedAt:     snap.StartedAt,
			})
		}
		if err != nil {
			s.log.Warn("call log write failed", "err", err)
		}
	}
	if s.m.Audit != nil && snap.CallSid != "" {
		log := s.log
		s.m.goRecord(ctx, func(ctx context.Context) {
			if err := s.m.Audit.LogCallStarted(ctx, snap.CallSid, snap.StreamSid, snap.AgentID, snap.UserID, string(snap.Direction)); err != nil {
				log.Warn("audit call started failed", "err", err)
			}
		})
	}
}

// close tears the session down. Every step runs regardless of which error
// ended the call.
func (s *session) close(ctx context.Context, reason string) {
	if !s.transition(StateClosing) {
		return
	}
	close(s.done)
	s.gen.Add(1)
	s.log.Info("closing session", "reason", reason)

	cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.m.cfg.RecordTimeout)
	defer cancel()
	s.closeModel()
	if set := s.currentTools(); set != nil {
		set.Close()
	}
	_ = s.t.Close()

	snap := s.snapshot()
	if snap.CallSid != "" {
		s.m.Assignments.Remove(snap.CallSid)
	}
	if s.capacityKey != "" {
		if err := s.m.Capacity.Release(cleanup, s.capacityKey); err != nil {
			s.log.Warn("capacity release failed", "err", err)
		}
	}

	duration := s.m.now().Sub(snap.StartedAt)
	if snap.CallSid != "" {
		if s.m.CallLog != nil {
			err := s.m.CallLog.UpdateCallRecord(cleanup, CallUpdate{
				CallSid:         snap.CallSid,
				Status:          s.endStatus,
				DurationSeconds: int(duration.Seconds()),
			})
			if err != nil {
				s.log.Warn("call log update failed", "err", err)
			}
		}
		if s.m.Audit != nil {
			status, log := string(s.endStatus), s.log
			s.m.goRecord(ctx, func(ctx context.Context) {
				if err := s.m.Audit.LogCallEnded(ctx, snap.CallSid, snap.StreamSid, snap.AgentID, status, duration); err != nil {
					log.Warn("audit call ended failed", "err", err)
				}
			})
		}
	}

	s.transition(StateClosed)
	s.log.Info("session closed", "status", string(s.endStatus), "duration_ms", duration.Milliseconds())
}
