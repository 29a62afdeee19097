package routing

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Directory is the read-only agent and menu lookup the engine consults.
// Implementations may use Postgres; absence is reported as (zero, false, nil).
type Directory interface {
	AgentByPhoneNumber(ctx context.Context, number string) (AgentProfile, bool, error)
	// ActiveAgentsByDirection returns active agents that accept d, newest first.
	ActiveAgentsByDirection(ctx context.Context, d Direction) ([]AgentProfile, error)
	AgentByID(ctx context.Context, id string) (AgentProfile, bool, error)
	MenuByID(ctx context.Context, id string) (MenuDefinition, bool, error)
}

// DecisionRecorder receives every decision the engine publishes.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, callSid string, d Decision)
}

type InboundCall struct {
	CallSid string
	From    string
	To      string
}

// MenuPress is one keypress (or timeout when Digit is empty) on a menu.
type MenuPress struct {
	CallSid string
	Menu    MenuDefinition
	Digit   string
	// Attempt is 1-based.
	Attempt int
	// Fallback is the agent that owns the menu; it answers when input runs out.
	Fallback AgentProfile
}

var ErrNoMenu = errors.New("routing: agent has no menu")

// Engine resolves an agent and handling action for a call.
//
// Precedence for inbound calls:
//  1. agent assigned to the dialed number
//  2. newest inbound agent whose business hours contain now
//  3. after-hours agent
//  4. any active inbound agent
//  5. the default agent
//
// Lookup errors are logged and skipped. The engine never fails to decide.
type Engine struct {
	Directory Directory
	Recorders []DecisionRecorder
	Log       *slog.Logger
	Now       func() time.Time
}

func NewEngine(dir Directory, log *slog.Logger, recorders ...DecisionRecorder) *Engine {
	return &Engine{Directory: dir, Recorders: recorders, Log: log, Now: time.Now}
}

func (e *Engine) log() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// RouteInbound picks the agent and action for an inbound call and records
// the decision.
func (e *Engine) RouteInbound(ctx context.Context, call InboundCall) Decision {
	profile, reason := e.resolveInbound(ctx, call)
	d := Decision{Profile: profile, Action: e.DecideAction(ctx, profile), Reason: reason}
	e.Record(ctx, call.CallSid, d)
	return d
}

func (e *Engine) resolveInbound(ctx context.Context, call InboundCall) (AgentProfile, string) {
	l := e.log().With("call_sid", call.CallSid)
	if e.Directory == nil {
		return DefaultProfile(), ReasonDefault
	}

	if to := strings.TrimSpace(call.To); to != "" {
		p, ok, err := e.Directory.AgentByPhoneNumber(ctx, to)
		switch {
		case err != nil:
			l.Warn("routing: phone number lookup failed", "to", to, "err", err)
		case ok && p.Active:
			return p.WithDefaults(), ReasonPhoneNumber
		}
	}

	agents, err := e.Directory.ActiveAgentsByDirection(ctx, DirectionInbound)
	if err != nil {
		l.Warn("routing: agent list lookup failed", "err", err)
		return DefaultProfile(), ReasonDefault
	}
	agents = inboundCandidates(agents)

	now := e.now()
	for _, p := range agents {
		if p.Hours.Contains(now) {
			return p, ReasonBusinessHours
		}
	}
	for _, p := range agents {
		if p.Type == AgentTypeAfterHours {
			return p, ReasonAfterHours
		}
	}
	if len(agents) > 0 {
		return agents[0], ReasonAnyInbound
	}
	return DefaultProfile(), ReasonDefault
}

// inboundCandidates keeps active inbound-capable agents, newest first.
func inboundCandidates(in []AgentProfile) []AgentProfile {
	out := make([]AgentProfile, 0, len(in))
	for _, p := range in {
		p = p.WithDefaults()
		if !p.Active || !p.Direction.Accepts(DirectionInbound) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// DecideAction maps the agent's routing mode to an action. Anything that
// cannot be carried out falls through to direct.
func (e *Engine) DecideAction(ctx context.Context, p AgentProfile) Action {
	switch p.Mode {
	case ModeForward:
		if n := strings.TrimSpace(p.ForwardNumber); n != "" {
			return Action{Kind: ActionForward, Number: n}
		}
	case ModeMenu:
		if m, err := e.menuFor(ctx, p); err == nil {
			return Action{Kind: ActionMenu, Menu: &m}
		} else if !errors.Is(err, ErrNoMenu) {
			e.log().Warn("routing: menu lookup failed", "agent_id", p.ID, "menu_id", p.MenuID, "err", err)
		}
	}
	return Action{Kind: ActionDirect}
}

// MenuForAgent loads an agent and its menu for keypress handling.
func (e *Engine) MenuForAgent(ctx context.Context, agentID string) (AgentProfile, MenuDefinition, error) {
	p, err := e.Agent(ctx, agentID)
	if err != nil {
		return AgentProfile{}, MenuDefinition{}, err
	}
	m, err := e.menuFor(ctx, p)
	if err != nil {
		return AgentProfile{}, MenuDefinition{}, err
	}
	return p, m, nil
}

// Agent returns the stored agent with defaults applied. The default agent id
// always resolves.
func (e *Engine) Agent(ctx context.Context, agentID string) (AgentProfile, error) {
	if agentID == "" || agentID == DefaultAgentID {
		return DefaultProfile(), nil
	}
	if e.Directory == nil {
		return AgentProfile{}, errors.New("routing: directory not configured")
	}
	p, ok, err := e.Directory.AgentByID(ctx, agentID)
	if err != nil {
		return AgentProfile{}, err
	}
	if !ok {
		return AgentProfile{}, errors.New("routing: agent not found")
	}
	return p.WithDefaults(), nil
}

func (e *Engine) menuFor(ctx context.Context, p AgentProfile) (MenuDefinition, error) {
	if p.MenuID == "" || e.Directory == nil {
		return MenuDefinition{}, ErrNoMenu
	}
	m, ok, err := e.Directory.MenuByID(ctx, p.MenuID)
	if err != nil {
		return MenuDefinition{}, err
	}
	if !ok {
		return MenuDefinition{}, ErrNoMenu
	}
	if err := m.Validate(); err != nil {
		return MenuDefinition{}, err
	}
	return m.WithDefaults(), nil
}

// ResolveKeypress resolves one menu input. Unknown digits retry until the
// menu's attempts are used up. A timeout falls back immediately.
func (e *Engine) ResolveKeypress(ctx context.Context, press MenuPress) KeypressOutcome {
	menu := press.Menu.WithDefaults()
	fallback := press.Fallback.WithDefaults()
	if press.Fallback.ID == "" {
		fallback = DefaultProfile()
	}
	attempt := press.Attempt
	if attempt < 1 {
		attempt = 1
	}

	fallbackOutcome := func(prompt string) KeypressOutcome {
		d := Decision{Profile: fallback, Action: Action{Kind: ActionDirect}, Reason: ReasonMenuFallback}
		e.Record(ctx, press.CallSid, d)
		return KeypressOutcome{Kind: KeypressFallback, Decision: d, Prompt: prompt}
	}

	digit := strings.TrimSpace(press.Digit)
	if digit == "" {
		return fallbackOutcome(menu.TimeoutMessage)
	}

	action, ok := menu.Lookup(digit)
	if !ok {
		if attempt < menu.MaxAttempts {
			return KeypressOutcome{Kind: KeypressRetry, Prompt: menu.InvalidMessage, NextAttempt: attempt + 1}
		}
		return fallbackOutcome("")
	}

	l := e.log().With("call_sid", press.CallSid, "menu_id", menu.ID, "digit", digit)
	switch action.Kind {
	case MenuConnectAgent:
		p, err := e.Agent(ctx, action.AgentID)
		if err != nil || !p.Active {
			l.Warn("routing: menu target agent unavailable", "agent_id", action.AgentID, "err", err)
			return fallbackOutcome("")
		}
		d := Decision{Profile: p, Action: Action{Kind: ActionDirect}, Reason: ReasonMenuSelection}
		e.Record(ctx, press.CallSid, d)
		return KeypressOutcome{Kind: KeypressConnect, Decision: d}
	case MenuTransfer:
		if action.Number == "" {
			return fallbackOutcome("")
		}
		d := Decision{Profile: fallback, Action: Action{Kind: ActionForward, Number: action.Number}, Reason: ReasonMenuSelection}
		e.Record(ctx, press.CallSid, d)
		return KeypressOutcome{Kind: KeypressTransfer, Decision: d, Number: action.Number}
	case MenuVoicemail:
		return KeypressOutcome{Kind: KeypressVoicemail, Prompt: DefaultVoicemailText}
	}
	return fallbackOutcome("")
}

// RouteOutbound validates the requested agent for an outbound call. The
// caller records the decision once the carrier has assigned a call sid.
func (e *Engine) RouteOutbound(ctx context.Context, agentID string) Decision {
	direct := Action{Kind: ActionDirect}
	if e.Directory == nil {
		return Decision{Profile: DefaultProfile(), Action: direct, Reason: ReasonDefault}
	}
	l := e.log().With("agent_id", agentID)

	if agentID != "" && agentID != DefaultAgentID {
		p, ok, err := e.Directory.AgentByID(ctx, agentID)
		switch {
		case err != nil:
			l.Warn("routing: outbound agent lookup failed", "err", err)
		case ok:
			p = p.WithDefaults()
			if p.Active && p.Direction.Accepts(DirectionOutbound) {
				return Decision{Profile: p, Action: direct, Reason: ReasonOutbound}
			}
		}
	}

	agents, err := e.Directory.ActiveAgentsByDirection(ctx, DirectionOutbound)
	if err != nil {
		l.Warn("routing: outbound agent list lookup failed", "err", err)
		return Decision{Profile: DefaultProfile(), Action: direct, Reason: ReasonDefault}
	}
	sort.SliceStable(agents, func(i, j int) bool { return agents[i].CreatedAt.After(agents[j].CreatedAt) })
	for _, p := range agents {
		p = p.WithDefaults()
		if p.Active && p.Direction.Accepts(DirectionOutbound) {
			return Decision{Profile: p, Action: direct, Reason: ReasonOutbound}
		}
	}
	return Decision{Profile: DefaultProfile(), Action: direct, Reason: ReasonDefault}
}

// Record publishes d to every recorder. Recorders are best-effort.
func (e *Engine) Record(ctx context.Context, callSid string, d Decision) {
	e.log().Info("routing decision",
		"call_sid", callSid,
		"agent_id", d.Profile.ID,
		"agent_type", string(d.Profile.Type),
		"action", string(d.Action.Kind),
		"reason", d.Reason,
	)
	for _, r := range e.Recorders {
		if r != nil {
			r.RecordDecision(ctx, callSid, d)
		}
	}
}
