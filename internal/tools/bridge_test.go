package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callbridge/internal/audit"
)

type stubSource struct {
	byAgent map[string][]WebhookTool
	err     error
}

func (s stubSource) ListWebhookToolsForAgent(ctx context.Context, agentID string) ([]WebhookTool, error) {
	_ = ctx
	if s.err != nil {
		return nil, s.err
	}
	return s.byAgent[agentID], nil
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveToolCall(name string, success bool, d time.Duration) {
	_ = d
	o.mu.Lock()
	defer o.mu.Unlock()
	status := "ok"
	if !success {
		status = "err"
	}
	o.calls = append(o.calls, name+":"+status)
}

func echoTool(name string, requiresAuth bool) Definition {
	return Definition{
		Kind:         KindBuiltin,
		Name:         name,
		Description:  "echo",
		RequiresAuth: requiresAuth,
		Parameters:   json.RawMessage(`{"type":"object","properties":{"msg":{"type":"string"}},"required":["msg"]}`),
		Handler: func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return map[string]any{"echo": inv.Args["msg"]}, nil
		},
	}
}

func newTestSet(t *testing.T, source WebhookSource, agentID string, defs ...Definition) *Set {
	t.Helper()
	reg, err := NewRegistry(source, nil, defs...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	set, err := reg.ForAgent(context.Background(), agentID)
	if err != nil {
		t.Fatalf("for agent: %v", err)
	}
	return set
}

func TestInvoke_UnknownToolReturnsNotFound(t *testing.T) {
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, nil, "", echoTool("echo", false))

	res := b.Invoke(context.Background(), set, Call{ID: "c1", Name: "nope"})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if res.Error != "Function 'nope' not found" {
		t.Fatalf("unexpected error: %q", res.Error)
	}
	if res.CallID != "c1" || res.Name != "nope" {
		t.Fatalf("result not correlated: %+v", res)
	}
}

func TestInvoke_Success(t *testing.T) {
	obs := &recordingObserver{}
	b := NewBridge(time.Second, nil, nil)
	b.Observer = obs
	set := newTestSet(t, nil, "", echoTool("echo", false))

	res := b.Invoke(context.Background(), set, Call{ID: "c1", Name: "echo", Args: map[string]any{"msg": "hi"}})
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}
	if res.Data["echo"] != "hi" {
		t.Fatalf("unexpected data: %v", res.Data)
	}
	if len(obs.calls) != 1 || obs.calls[0] != "echo:ok" {
		t.Fatalf("unexpected observations: %v", obs.calls)
	}
}

func TestInvoke_InvalidArguments(t *testing.T) {
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, nil, "", echoTool("echo", false))

	res := b.Invoke(context.Background(), set, Call{ID: "c1", Name: "echo", Args: map[string]any{"msg": 5}})
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !strings.HasPrefix(res.Error, "invalid arguments") {
		t.Fatalf("unexpected error: %q", res.Error)
	}
}

func TestInvoke_RequiresAuth(t *testing.T) {
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, nil, "", echoTool("secure", true))

	res := b.Invoke(context.Background(), set, Call{ID: "c1", Name: "secure", Args: map[string]any{"msg": "x"}})
	if res.Success || res.Error != "Authentication required for this function" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = b.Invoke(context.Background(), set, Call{ID: "c2", Name: "secure", UserID: "u1", Args: map[string]any{"msg": "x"}})
	if !res.Success {
		t.Fatalf("expected success with user id, got %q", res.Error)
	}
}

func TestInvoke_TimeoutProducesErrorResult(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	slow := Definition{
		Kind: KindBuiltin,
		Name: "slow",
		Handler: func(ctx context.Context, inv Invocation) (map[string]any, error) {
			<-release
			return nil, nil
		},
	}
	b := NewBridge(50*time.Millisecond, nil, nil)
	set := newTestSet(t, nil, "", slow)

	start := time.Now()
	res := b.Invoke(context.Background(), set, Call{ID: "c1", Name: "slow"})
	if res.Success {
		t.Fatalf("expected timeout failure")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("unexpected error: %q", res.Error)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("invoke did not honor timeout")
	}
}

func TestInvoke_PanicBecomesErrorResult(t *testing.T) {
	boom := Definition{
		Kind: KindBuiltin,
		Name: "boom",
		Handler: func(ctx context.Context, inv Invocation) (map[string]any, error) {
			panic("kaboom")
		},
	}
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, nil, "", boom)

	res := b.Invoke(context.Background(), set, Call{ID: "c1", Name: "boom"})
	if res.Success || !strings.Contains(res.Error, "kaboom") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestInvoke_HandlerError(t *testing.T) {
	failing := Definition{
		Kind: KindBuiltin,
		Name: "fail",
		Handler: func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return nil, errors.New("backend down")
		},
	}
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, nil, "", failing)

	res := b.Invoke(context.Background(), set, Call{ID: "c1", Name: "fail"})
	if res.Success || res.Error != "backend down" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := res.Response()["error"]; got != "backend down" {
		t.Fatalf("unexpected response payload: %v", res.Response())
	}
}

func TestDispatch_DedupesInFlightCallID(t *testing.T) {
	release := make(chan struct{})
	var runs int32
	blocking := Definition{
		Kind: KindBuiltin,
		Name: "block",
		Handler: func(ctx context.Context, inv Invocation) (map[string]any, error) {
			atomic.AddInt32(&runs, 1)
			<-release
			return map[string]any{"ok": true}, nil
		},
	}
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, nil, "", blocking)

	results := make(chan Result, 2)
	deliver := func(r Result) { results <- r }

	if !b.Dispatch(context.Background(), set, Call{ID: "same", Name: "block"}, deliver) {
		t.Fatalf("first dispatch should run")
	}
	if b.Dispatch(context.Background(), set, Call{ID: "same", Name: "block"}, deliver) {
		t.Fatalf("second dispatch with same id should be ignored")
	}
	close(release)

	select {
	case r := <-results:
		if !r.Success || r.CallID != "same" {
			t.Fatalf("unexpected result: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered")
	}
	select {
	case r := <-results:
		t.Fatalf("unexpected second result: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("expected exactly one run, got %d", runs)
	}
}

func TestDispatch_AssignsIDWhenMissing(t *testing.T) {
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, nil, "", echoTool("echo", false))

	done := make(chan Result, 1)
	b.Dispatch(context.Background(), set, Call{Name: "echo", Args: map[string]any{"msg": "x"}}, func(r Result) { done <- r })
	select {
	case r := <-done:
		if !strings.HasPrefix(r.CallID, "call-") {
			t.Fatalf("expected generated call id, got %q", r.CallID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered")
	}
}

func TestWebhookTool_SuccessAndFailure(t *testing.T) {
	var got map[string]any
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"booked":true}`))
	}))
	defer ok.Close()

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	}))
	defer plain.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer broken.Close()

	source := stubSource{byAgent: map[string][]WebhookTool{
		"agent-a": {
			{ID: "w1", AgentID: "agent-a", Name: "book", URL: ok.URL},
			{ID: "w2", AgentID: "agent-a", Name: "plain", URL: plain.URL},
			{ID: "w3", AgentID: "agent-a", Name: "broken", URL: broken.URL},
		},
	}}
	b := NewBridge(time.Second, nil, nil)
	set := newTestSet(t, source, "agent-a")

	res := b.Invoke(context.Background(), set, Call{ID: "1", Name: "book", Args: map[string]any{"slot": "09:00"}})
	if !res.Success || res.Data["booked"] != true {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got["slot"] != "09:00" {
		t.Fatalf("webhook did not receive args: %v", got)
	}

	res = b.Invoke(context.Background(), set, Call{ID: "2", Name: "plain"})
	if !res.Success || res.Data["response"] != "done" {
		t.Fatalf("unexpected result: %+v", res)
	}

	res = b.Invoke(context.Background(), set, Call{ID: "3", Name: "broken"})
	if res.Success || !strings.Contains(res.Error, "502") {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAuditRecorder_RecordsToolCall(t *testing.T) {
	repo := audit.NewMemoryRepo()
	bridge := NewBridge(time.Second, nil, nil)
	bridge.Recorder = AuditRecorder{Audit: audit.NewService(repo)}
	set := newTestSet(t, nil, "", echoTool("echo", false))

	bridge.Invoke(context.Background(), set, Call{ID: "1", Name: "echo", CallSid: "CA1", AgentID: "agent-a", Args: map[string]any{"msg": "hi"}})
	bridge.Invoke(context.Background(), set, Call{ID: "2", Name: "echo", Args: map[string]any{"msg": "no call"}})
	bridge.Wait()

	events := repo.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].Type != audit.EventTypeToolInvoked || events[0].Reason != "echo" || events[0].AgentID != "agent-a" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

type blockingRecorder struct {
	release     chan struct{}
	recorded    atomic.Int32
	hasDeadline atomic.Bool
}

func (r *blockingRecorder) RecordToolCall(ctx context.Context, call Call, res Result) {
	_, ok := ctx.Deadline()
	r.hasDeadline.Store(ok)
	<-r.release
	r.recorded.Add(1)
}

func TestDispatch_SlowRecorderDoesNotDelayResult(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{})}
	b := NewBridge(50*time.Millisecond, nil, nil)
	b.Recorder = rec
	set := newTestSet(t, nil, "", echoTool("echo", false))

	got := make(chan Result, 1)
	if !b.Dispatch(context.Background(), set, Call{ID: "c1", Name: "nope", CallSid: "CA1"}, func(r Result) { got <- r }) {
		t.Fatalf("dispatch refused")
	}
	select {
	case res := <-got:
		if res.Success || res.CallID != "c1" {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatalf("result held back by recorder")
	}
	if n := rec.recorded.Load(); n != 0 {
		t.Fatalf("recorder finished early: %d", n)
	}

	close(rec.release)
	b.Wait()
	if rec.recorded.Load() != 1 {
		t.Fatalf("expected one record, got %d", rec.recorded.Load())
	}
	if !rec.hasDeadline.Load() {
		t.Fatalf("record context has no deadline")
	}
}
