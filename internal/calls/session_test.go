package calls

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/model"
	"callbridge/internal/routing"
	"callbridge/internal/telephony"
	"callbridge/internal/tools"
)

type fakeTransport struct {
	events chan telephony.Event

	mu     sync.Mutex
	media  []string
	clears int
	pings  int
	closed bool
	stale  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan telephony.Event, 64)}
}

func (f *fakeTransport) Events() <-chan telephony.Event { return f.events }

func (f *fakeTransport) SendMedia(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return telephony.ErrTransportClosed
	}
	f.media = append(f.media, payload)
	return nil
}

func (f *fakeTransport) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return telephony.ErrTransportClosed
	}
	f.pings++
	return nil
}

func (f *fakeTransport) LastSeen() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stale {
		return time.Time{}
	}
	return time.Now()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) mediaCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.media)
}

type fakeModel struct {
	h   model.Handler
	cfg model.Config

	mu        sync.Mutex
	audio     int
	lastAudio []byte
	texts     []string
	results   []map[string]any
	closed    bool
}

func (m *fakeModel) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio++
	m.lastAudio = append([]byte(nil), pcm...)
	return nil
}

func (m *fakeModel) lastFrame() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAudio
}

func (m *fakeModel) SendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *fakeModel) SendToolResult(id, name string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeModel) snapshot() (audio int, texts []string, results int, closed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio, append([]string(nil), m.texts...), len(m.results), m.closed
}

type fakeDialer struct {
	mu     sync.Mutex
	models []*fakeModel
}

func (d *fakeDialer) dial(_ context.Context, cfg model.Config, h model.Handler) (ModelSession, error) {
	m := &fakeModel{h: h, cfg: cfg}
	d.mu.Lock()
	d.models = append(d.models, m)
	d.mu.Unlock()
	go h.OnReady()
	return m, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.models)
}

func (d *fakeDialer) model(i int) *fakeModel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.models) {
		return nil
	}
	return d.models[i]
}

type fakeCallLog struct {
	mu      sync.Mutex
	created []CallRecord
	updates []CallUpdate
}

func (f *fakeCallLog) CreateCallRecord(_ context.Context, r CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, r)
	return nil
}

func (f *fakeCallLog) UpdateCallRecord(_ context.Context, u CallUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeCallLog) lastUpdate() CallUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) == 0 {
		return CallUpdate{}
	}
	return f.updates[len(f.updates)-1]
}

type fakeCapacity struct {
	mu       sync.Mutex
	acquired []string
	released []string
}

func (f *fakeCapacity) Acquire(_ context.Context, agentID string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, agentID)
	return true, nil
}

func (f *fakeCapacity) Release(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, agentID)
	return nil
}

type fakeCarrier struct {
	mu     sync.Mutex
	ended  []string
	placed []telephony.OutboundCall
}

func (f *fakeCarrier) StartOutboundCall(_ context.Context, call telephony.OutboundCall) (telephony.CallResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, call)
	return telephony.CallResource{SID: "CA9", To: call.To, From: call.From, Status: "queued"}, nil
}

func (f *fakeCarrier) EndCall(_ context.Context, callSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, callSid)
	return nil
}

func (f *fakeCarrier) endedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ended...)
}

type countingObserver struct {
	mu        sync.Mutex
	events    map[string]int
	recreated map[bool]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{events: map[string]int{}, recreated: map[bool]int{}}
}

func (o *countingObserver) SessionOpened()                         {}
func (o *countingObserver) SessionClosed()                         {}
func (o *countingObserver) MediaFrame(string)                      {}
func (o *countingObserver) ObserveFirstAudioLatency(time.Duration) {}

func (o *countingObserver) SessionEvent(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[e]++
}

func (o *countingObserver) ModelRecreated(ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recreated[ok]++
}

func (o *countingObserver) recreates(ok bool) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recreated[ok]
}

type harness struct {
	m        *Manager
	dialer   *fakeDialer
	log      *fakeCallLog
	capacity *fakeCapacity
	carrier  *fakeCarrier
	obs      *countingObserver
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg, err := tools.NewRegistry(nil, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{
		dialer:   &fakeDialer{},
		log:      &fakeCallLog{},
		capacity: &fakeCapacity{},
		carrier:  &fakeCarrier{},
		obs:      newCountingObserver(),
	}
	h.m = NewManager(cfg, Deps{
		Engine:      routing.NewEngine(nil, nil),
		Assignments: routing.NewAssignments(0),
		Tools:       reg,
		Bridge:      tools.NewBridge(time.Second, nil, nil),
		CallLog:     h.log,
		Capacity:    h.capacity,
		Carrier:     h.carrier,
		Metrics:     h.obs,
		Dial:        h.dialer.dial,
	})
	return h
}

func (h *harness) serve(t *testing.T, tr Transport) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.m.Serve(context.Background(), tr)
		close(done)
	}()
	return done
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close")
	}
}

func startEvent(callSid string, params map[string]string) telephony.Event {
	return telephony.Event{
		Kind:      telephony.EventStart,
		StreamSid: "MZ-" + callSid,
		Start: &telephony.StartInfo{
			StreamSid:        "MZ-" + callSid,
			CallSid:          callSid,
			CustomParameters: params,
		},
	}
}

func mediaEvent() telephony.Event {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0xFF
	}
	return telephony.Event{Kind: telephony.EventMedia, Payload: base64.StdEncoding.EncodeToString(frame)}
}

// startCall drives a session to Active with the agent model greeted.
func startCall(t *testing.T, h *harness, tr *fakeTransport, callSid string) *fakeModel {
	t.Helper()
	tr.events <- telephony.Event{Kind: telephony.EventConnected}
	tr.events <- startEvent(callSid, map[string]string{
		telephony.ParamAgentID: routing.DefaultAgentID,
		telephony.ParamFrom:    "+15551230000",
		telephony.ParamTo:      "+15559870000",
	})
	waitFor(t, "greeting", func() bool {
		m := h.dialer.model(1)
		if m == nil {
			return false
		}
		_, texts, _, _ := m.snapshot()
		return len(texts) == 1
	})
	tr.events <- mediaEvent()
	waitFor(t, "active state", func() bool {
		a := h.m.Active()
		return len(a) == 1 && a[0].State == StateActive
	})
	return h.dialer.model(1)
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, Config{})
	tr := newFakeTransport()
	done := h.serve(t, tr)

	agentModel := startCall(t, h, tr, "CA1")
	if _, texts, _, _ := agentModel.snapshot(); texts[0] != GreetingInstruction {
		t.Fatalf("expected greeting instruction, got %q", texts[0])
	}
	if agentModel.cfg.Voice != routing.DefaultVoice || agentModel.cfg.SystemPrompt == "" {
		t.Fatalf("agent model not configured from profile: %+v", agentModel.cfg)
	}
	if _, _, _, closed := h.dialer.model(0).snapshot(); !closed {
		t.Fatalf("initial model should be replaced on start")
	}

	tr.events <- mediaEvent()
	waitFor(t, "inbound audio", func() bool { n, _, _, _ := agentModel.snapshot(); return n >= 1 })

	// 480 samples at 24kHz become 160 μ-law bytes.
	agentModel.h.OnAudio(make([]byte, 960), "audio/pcm;rate=24000")
	waitFor(t, "outbound audio", func() bool { return tr.mediaCount() == 1 })
	raw, _ := base64.StdEncoding.DecodeString(tr.media[0])
	if len(raw) != 160 {
		t.Fatalf("expected 160 μ-law bytes, got %d", len(raw))
	}

	snap := h.m.Active()[0]
	if snap.CallSid != "CA1" || snap.AgentID != routing.DefaultAgentID || snap.Reason != routing.ReasonStreamParameter {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	tr.events <- telephony.Event{Kind: telephony.EventStop}
	waitClosed(t, done)

	if !tr.isClosed() {
		t.Fatalf("transport should be closed")
	}
	if _, _, _, closed := agentModel.snapshot(); !closed {
		t.Fatalf("model should be closed")
	}
	if h.m.Count() != 0 {
		t.Fatalf("session should be deregistered")
	}
	if len(h.log.created) != 1 || h.log.created[0].Status != CallStatusInProgress || h.log.created[0].From != "+15551230000" {
		t.Fatalf("unexpected call records %+v", h.log.created)
	}
	if u := h.log.lastUpdate(); u.CallSid != "CA1" || u.Status != CallStatusCompleted {
		t.Fatalf("unexpected final update %+v", u)
	}
	if len(h.capacity.acquired) != 1 || len(h.capacity.released) != 1 {
		t.Fatalf("capacity not balanced: %+v", h.capacity)
	}
}

func TestSessionPassesUndecodableMediaThrough(t *testing.T) {
	h := newHarness(t, Config{})
	tr := newFakeTransport()
	done := h.serve(t, tr)

	agentModel := startCall(t, h, tr, "CA21")
	waitFor(t, "first frame", func() bool { n, _, _, _ := agentModel.snapshot(); return n >= 1 })
	before, _, _, _ := agentModel.snapshot()

	const garbled = "%%%not-base64%%%"
	tr.events <- telephony.Event{Kind: telephony.EventMedia, Payload: garbled}
	waitFor(t, "garbled frame forwarded", func() bool { n, _, _, _ := agentModel.snapshot(); return n == before+1 })
	if got := string(agentModel.lastFrame()); got != garbled {
		t.Fatalf("expected original bytes, got %q", got)
	}

	tr.events <- telephony.Event{Kind: telephony.EventStop}
	waitClosed(t, done)
}

func TestSessionRecreatesModelWithoutClosingTransport(t *testing.T) {
	h := newHarness(t, Config{BackoffBase: 5 * time.Millisecond, BackoffCap: 20 * time.Millisecond})
	tr := newFakeTransport()
	done := h.serve(t, tr)

	agentModel := startCall(t, h, tr, "CA2")
	agentModel.h.OnError(errors.New("stream reset"))

	waitFor(t, "recovered model", func() bool { return h.obs.recreates(true) == 1 })
	if h.dialer.count() != 3 {
		t.Fatalf("expected one replacement model, dialed %d", h.dialer.count())
	}
	snap := h.m.Active()[0]
	if snap.State != StateActive || snap.Degraded {
		t.Fatalf("expected active and healthy session, got %+v", snap)
	}
	if tr.isClosed() {
		t.Fatalf("transport closed during model recreate")
	}
	replacement := h.dialer.model(2)
	if _, texts, _, _ := replacement.snapshot(); len(texts) != 0 {
		t.Fatalf("greeting must not repeat after recreate, got %v", texts)
	}
	if len(replacement.cfg.Tools) != len(agentModel.cfg.Tools) || replacement.cfg.Voice != agentModel.cfg.Voice {
		t.Fatalf("replacement model lost agent configuration")
	}

	// Events from the discarded stream are ignored.
	agentModel.h.OnError(errors.New("late error"))
	tr.events <- mediaEvent()
	waitFor(t, "audio on replacement", func() bool { n, _, _, _ := replacement.snapshot(); return n >= 1 })
	if h.dialer.count() != 3 {
		t.Fatalf("stale error triggered a recreate")
	}

	tr.events <- telephony.Event{Kind: telephony.EventStop}
	waitClosed(t, done)
}

// blockedAuditRepo holds every append until release is closed.
type blockedAuditRepo struct {
	release chan struct{}

	mu          sync.Mutex
	events      []audit.Event
	noDeadlines int
}

func (r *blockedAuditRepo) Append(ctx context.Context, e audit.Event) error {
	_, hasDeadline := ctx.Deadline()
	select {
	case <-r.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !hasDeadline {
		r.noDeadlines++
	}
	r.events = append(r.events, e)
	return nil
}

func (r *blockedAuditRepo) types() (out []audit.EventType, noDeadlines int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out, r.noDeadlines
}

func TestSessionSlowAuditDoesNotBlockCall(t *testing.T) {
	h := newHarness(t, Config{BackoffBase: 5 * time.Millisecond, BackoffCap: 20 * time.Millisecond})
	repo := &blockedAuditRepo{release: make(chan struct{})}
	h.m.Audit = audit.NewService(repo)
	tr := newFakeTransport()
	done := h.serve(t, tr)

	agentModel := startCall(t, h, tr, "CA20")
	agentModel.h.OnError(errors.New("stream reset"))
	waitFor(t, "recovered model", func() bool { return h.obs.recreates(true) == 1 })

	replacement := h.dialer.model(2)
	tr.events <- mediaEvent()
	waitFor(t, "audio while audit is blocked", func() bool { n, _, _, _ := replacement.snapshot(); return n >= 1 })

	tr.events <- telephony.Event{Kind: telephony.EventStop}
	waitClosed(t, done)

	close(repo.release)
	h.m.Wait()
	types, noDeadlines := repo.types()
	want := map[audit.EventType]bool{audit.EventTypeCallStarted: false, audit.EventTypeModelRecreated: false, audit.EventTypeCallEnded: false}
	for _, typ := range types {
		if _, ok := want[typ]; ok {
			want[typ] = true
		}
	}
	for typ, seen := range want {
		if !seen {
			t.Fatalf("missing audit event %s in %v", typ, types)
		}
	}
	if noDeadlines != 0 {
		t.Fatalf("%d audit writes ran without a deadline", noDeadlines)
	}
}

func TestSessionEscalatesAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, Config{
		MaxRecreates: 1,
		BackoffBase:  time.Millisecond,
		ApologyGrace: 10 * time.Millisecond,
	})
	tr := newFakeTransport()
	done := h.serve(t, tr)

	startCall(t, h, tr, "CA3").h.OnError(errors.New("first"))
	waitFor(t, "replacement model", func() bool { return h.obs.recreates(true) == 1 })
	h.dialer.model(2).h.OnError(errors.New("second"))

	waitClosed(t, done)
	if ended := h.carrier.endedCalls(); len(ended) != 1 || ended[0] != "CA3" {
		t.Fatalf("expected carrier hang-up for CA3, got %v", ended)
	}
	if _, texts, _, _ := h.dialer.model(2).snapshot(); len(texts) == 0 || texts[len(texts)-1] != ApologyText {
		t.Fatalf("expected apology on the dying stream, got %v", texts)
	}
	if u := h.log.lastUpdate(); u.Status != CallStatusFailed {
		t.Fatalf("expected failed status, got %+v", u)
	}
	if h.obs.recreates(false) != 1 {
		t.Fatalf("expected one failed recreate metric")
	}
}

func TestSessionClosesOnMissedProbe(t *testing.T) {
	h := newHarness(t, Config{ProbeInterval: 20 * time.Millisecond})
	tr := newFakeTransport()
	tr.stale = true
	done := h.serve(t, tr)

	waitClosed(t, done)
	if !tr.isClosed() {
		t.Fatalf("transport should be closed after missed probe")
	}
	if tr.pings < 1 {
		t.Fatalf("expected at least one ping")
	}
}

func TestSessionToolCallResultReturned(t *testing.T) {
	h := newHarness(t, Config{})
	tr := newFakeTransport()
	done := h.serve(t, tr)

	agentModel := startCall(t, h, tr, "CA4")
	agentModel.h.OnToolCall(model.ToolCall{ID: "fc-1", Name: "does_not_exist"})
	waitFor(t, "tool result", func() bool { _, _, n, _ := agentModel.snapshot(); return n == 1 })

	agentModel.mu.Lock()
	res := agentModel.results[0]
	agentModel.mu.Unlock()
	if msg, _ := res["error"].(string); !strings.Contains(msg, "not found") {
		t.Fatalf("expected not found error result, got %v", res)
	}

	tr.events <- telephony.Event{Kind: telephony.EventStop}
	waitClosed(t, done)
}

func TestSessionUsesStoredAssignment(t *testing.T) {
	h := newHarness(t, Config{})
	stored := routing.Decision{
		Profile: routing.DefaultProfile(),
		Action:  routing.Action{Kind: routing.ActionDirect},
		Reason:  routing.ReasonMenuSelection,
	}
	h.m.Assignments.Put("CA5", stored)

	tr := newFakeTransport()
	done := h.serve(t, tr)
	tr.events <- startEvent("CA5", nil)
	waitFor(t, "started", func() bool {
		a := h.m.Active()
		return len(a) == 1 && a[0].State == StateAwaitingFirstMedia
	})
	if r := h.m.Active()[0].Reason; r != routing.ReasonMenuSelection {
		t.Fatalf("expected stored decision, got reason %q", r)
	}

	tr.events <- telephony.Event{Kind: telephony.EventStop}
	waitClosed(t, done)
	if _, ok := h.m.Assignments.Get("CA5"); ok {
		t.Fatalf("assignment should be removed on close")
	}
}
