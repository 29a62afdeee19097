package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultRecordTimeout = 5 * time.Second
)

// Recorder persists tool executions (best-effort).
type Recorder interface {
	RecordToolCall(ctx context.Context, call Call, res Result)
}

// Observer receives per-invocation metrics.
type Observer interface {
	ObserveToolCall(name string, success bool, d time.Duration)
}

// Bridge executes model-requested tool calls against a call's tool Set.
//
// Every invocation produces exactly one Result within Timeout: unknown
// tools, invalid arguments, handler errors, panics and timeouts all become
// error results. Recording runs in the background and never delays a result.
type Bridge struct {
	Timeout       time.Duration
	Webhooks      *WebhookClient
	Recorder      Recorder
	Observer      Observer
	RecordTimeout time.Duration

	log     *slog.Logger
	pending sync.WaitGroup
}

func NewBridge(timeout time.Duration, webhooks *WebhookClient, log *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if webhooks == nil {
		webhooks = NewWebhookClient(timeout)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{Timeout: timeout, Webhooks: webhooks, log: log}
}

// Dispatch runs the call on its own goroutine and hands the result to
// deliver. It returns false without running anything when a call with the
// same id is already in flight on this set.
func (b *Bridge) Dispatch(ctx context.Context, set *Set, call Call, deliver func(Result)) bool {
	if call.ID == "" {
		call.ID = "call-" + uuid.NewString()
	}
	if set != nil && !set.begin(call.ID) {
		b.log.Warn("duplicate tool call ignored", "call_id", call.ID, "tool", call.Name)
		return false
	}
	go func() {
		if set != nil {
			defer set.end(call.ID)
		}
		res := b.Invoke(ctx, set, call)
		if deliver != nil {
			deliver(res)
		}
	}()
	return true
}

// Invoke executes one call synchronously.
func (b *Bridge) Invoke(ctx context.Context, set *Set, call Call) Result {
	start := time.Now()
	res := b.invoke(ctx, set, call)
	res.CallID = call.ID
	res.Name = call.Name
	res.ExecutionTime = time.Since(start)

	if b.Observer != nil {
		b.Observer.ObserveToolCall(call.Name, res.Success, res.ExecutionTime)
	}
	b.record(ctx, call, res)
	if res.Success {
		b.log.Debug("tool call completed", "tool", call.Name, "call_id", call.ID, "duration_ms", res.ExecutionTime.Milliseconds())
	} else {
		b.log.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "err", res.Error)
	}
	return res
}

// record hands res to the Recorder on its own goroutine. The record outlives
// the call's context but not RecordTimeout.
func (b *Bridge) record(ctx context.Context, call Call, res Result) {
	if b.Recorder == nil {
		return
	}
	timeout := b.RecordTimeout
	if timeout <= 0 {
		timeout = DefaultRecordTimeout
	}
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		b.Recorder.RecordToolCall(rctx, call, res)
	}()
}

// Wait blocks until every background record has finished.
func (b *Bridge) Wait() {
	b.pending.Wait()
}

func (b *Bridge) invoke(ctx context.Context, set *Set, call Call) Result {
	if set == nil {
		return failure(fmt.Sprintf("Function '%s' not found", call.Name))
	}
	def, ok := set.Lookup(call.Name)
	if !ok {
		return failure(fmt.Sprintf("Function '%s' not found", call.Name))
	}
	if def.RequiresAuth && call.UserID == "" {
		return failure("Authentication required for this function")
	}
	if err := validateArgs(def, call.Args); err != nil {
		return failure(err.Error())
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		data map[string]any
		err  error
	}
	done := make(chan outcome, 1)
	inv := Invocation{
		CallID:  call.ID,
		CallSid: call.CallSid,
		AgentID: call.AgentID,
		UserID:  call.UserID,
		Name:    call.Name,
		Args:    call.Args,
	}
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, p)}
			}
		}()
		data, err := b.execute(ctx, def, inv)
		done <- outcome{data: data, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return failure(o.err.Error())
		}
		return Result{Success: true, Data: o.data}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure(fmt.Sprintf("Function '%s' timed out after %s", call.Name, timeout))
		}
		return failure(fmt.Sprintf("Function '%s' canceled", call.Name))
	}
}

func (b *Bridge) execute(ctx context.Context, def Definition, inv Invocation) (map[string]any, error) {
	switch def.Kind {
	case KindBuiltin:
		return def.Handler(ctx, inv)
	case KindWebhook:
		if b.Webhooks == nil {
			return nil, errors.New("webhook client not configured")
		}
		return b.Webhooks.Post(ctx, def.Webhook.URL, inv.Args)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidTool, def.Kind)
	}
}

func failure(msg string) Result {
	return Result{Success: false, Error: msg}
}
