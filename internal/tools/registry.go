package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"google.golang.org/genai"
)

// WebhookTool is a per-agent webhook-backed tool as stored by the management surface.
type WebhookTool struct {
	ID              string
	AgentID         string
	Name            string
	Description     string
	URL             string
	ParameterSchema json.RawMessage
}

// WebhookSource lists the webhook-backed tools owned by an agent.
type WebhookSource interface {
	ListWebhookToolsForAgent(ctx context.Context, agentID string) ([]WebhookTool, error)
}

// Registry holds the process-wide built-in tools and loads per-agent
// webhook tools into independent per-call sets.
type Registry struct {
	builtins []Definition
	source   WebhookSource
	log      *slog.Logger
}

func NewRegistry(source WebhookSource, log *slog.Logger, builtins ...Definition) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	seen := make(map[string]struct{}, len(builtins))
	for _, d := range builtins {
		if d.Kind != KindBuiltin {
			return nil, fmt.Errorf("%w: %s is not a built-in", ErrInvalidTool, d.Name)
		}
		if err := d.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", err, d.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
		}
		if _, err := compileSchema(d.Name, d.Parameters); err != nil {
			return nil, fmt.Errorf("tools: schema for %s: %w", d.Name, err)
		}
		seen[d.Name] = struct{}{}
	}
	return &Registry{builtins: builtins, source: source, log: log}, nil
}

// ForAgent builds the tool set for one call: every built-in plus the
// agent's webhook tools. A failing source still yields the built-ins; the
// error is returned alongside the usable set.
func (r *Registry) ForAgent(ctx context.Context, agentID string) (*Set, error) {
	s := newSet(agentID)
	for _, d := range r.builtins {
		s.defs[d.Name] = d
	}
	if r.source == nil || agentID == "" {
		return s, nil
	}

	hooks, err := r.source.ListWebhookToolsForAgent(ctx, agentID)
	if err != nil {
		return s, fmt.Errorf("tools: load webhook tools for agent %s: %w", agentID, err)
	}
	for _, h := range hooks {
		if h.AgentID != "" && h.AgentID != agentID {
			continue
		}
		if _, taken := s.defs[h.Name]; taken {
			r.log.Warn("webhook tool shadows existing tool; skipped", "agent_id", agentID, "tool", h.Name)
			continue
		}
		def := Definition{
			Kind:        KindWebhook,
			Name:        h.Name,
			Description: h.Description,
			Parameters:  h.ParameterSchema,
			Webhook:     &WebhookTarget{ID: h.ID, AgentID: agentID, URL: h.URL},
		}
		if err := def.validate(); err != nil {
			r.log.Warn("invalid webhook tool skipped", "agent_id", agentID, "tool", h.Name, "err", err)
			continue
		}
		if _, err := compileSchema(def.Name, def.Parameters); err != nil {
			r.log.Warn("webhook tool schema invalid; skipped", "agent_id", agentID, "tool", h.Name, "err", err)
			continue
		}
		s.defs[def.Name] = def
	}
	return s, nil
}

// Set is the tool table of a single call. Sets are never shared between calls.
type Set struct {
	mu       sync.RWMutex
	agentID  string
	defs     map[string]Definition
	inflight map[string]struct{}
}

func newSet(agentID string) *Set {
	return &Set{
		agentID:  agentID,
		defs:     make(map[string]Definition),
		inflight: make(map[string]struct{}),
	}
}

func (s *Set) AgentID() string { return s.agentID }

func (s *Set) Lookup(name string) (Definition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.defs[name]
	return d, ok
}

// Definitions returns the set's tools sorted by name.
func (s *Set) Definitions() []Definition {
	s.mu.RLock()
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Declarations is the model-facing form of Definitions.
func (s *Set) Declarations() []*genai.Tool {
	return Declarations(s.Definitions())
}

// Close unloads the webhook-backed tools. Built-ins stay usable so a late
// tool call on a closing session still gets a result.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, d := range s.defs {
		if d.Kind == KindWebhook {
			delete(s.defs, name)
		}
	}
}

func (s *Set) begin(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[callID]; busy {
		return false
	}
	s.inflight[callID] = struct{}{}
	return true
}

func (s *Set) end(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, callID)
}
