package tools

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kind tags how a tool is executed.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindWebhook Kind = "webhook"
)

// Handler executes a built-in tool.
type Handler func(ctx context.Context, inv Invocation) (map[string]any, error)

// Definition is one callable tool. Exactly one of Handler (KindBuiltin) or
// Webhook (KindWebhook) is set.
type Definition struct {
	Kind        Kind
	Name        string
	Description string

	// Parameters is a JSON schema object describing the arguments.
	Parameters json.RawMessage

	// RequiresAuth tools refuse to run without a tenant user id on the call.
	RequiresAuth bool

	Handler Handler
	Webhook *WebhookTarget
}

// WebhookTarget is where a webhook-backed tool posts its arguments.
type WebhookTarget struct {
	ID      string
	AgentID string
	URL     string
}

// Invocation is the execution context handed to a built-in handler.
type Invocation struct {
	CallID  string
	CallSid string
	AgentID string
	UserID  string
	Name    string
	Args    map[string]any
}

// Call is a tool call requested by the model.
type Call struct {
	ID   string
	Name string
	Args map[string]any

	CallSid string
	AgentID string
	UserID  string
}

// Result is the structured outcome returned to the model. Failures are
// results, never Go errors.
type Result struct {
	CallID        string
	Name          string
	Success       bool
	Data          map[string]any
	Error         string
	ExecutionTime time.Duration
}

// Response is the payload sent back to the model for this result.
func (r Result) Response() map[string]any {
	if !r.Success {
		return map[string]any{"error": r.Error}
	}
	if r.Data == nil {
		return map[string]any{"success": true}
	}
	return r.Data
}

var (
	ErrNotFound      = errors.New("tools: not found")
	ErrInvalidTool   = errors.New("tools: invalid definition")
	ErrDuplicateTool = errors.New("tools: duplicate tool name")
)

func (d Definition) validate() error {
	if d.Name == "" {
		return ErrInvalidTool
	}
	switch d.Kind {
	case KindBuiltin:
		if d.Handler == nil {
			return ErrInvalidTool
		}
	case KindWebhook:
		if d.Webhook == nil || d.Webhook.URL == "" {
			return ErrInvalidTool
		}
	default:
		return ErrInvalidTool
	}
	return nil
}
