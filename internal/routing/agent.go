package routing

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

type AgentType string

const (
	AgentTypeGeneral    AgentType = "general"
	AgentTypeSales      AgentType = "sales"
	AgentTypeSupport    AgentType = "support"
	AgentTypeAfterHours AgentType = "after_hours"
)

// RoutingMode selects how a call is handled once an agent is resolved.
type RoutingMode string

const (
	ModeDirect  RoutingMode = "direct"
	ModeMenu    RoutingMode = "menu"
	ModeForward RoutingMode = "forward"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

// Accepts reports whether an agent configured with d may take a call in
// direction want.
func (d Direction) Accepts(want Direction) bool {
	return d == want || d == DirectionBoth
}

const (
	DefaultAgentID       = "default"
	DefaultAgentName     = "Default AI Agent"
	DefaultVoice         = "Puck"
	DefaultLanguage      = "en-US"
	DefaultTimezone      = "America/New_York"
	DefaultHoursStart    = "09:00"
	DefaultHoursEnd      = "17:00"
	DefaultMaxConcurrent = 10

	DefaultGreeting     = "Hello! Thank you for calling. How can I help you today?"
	DefaultSystemPrompt = `You are a professional AI assistant for customer service calls. IMPORTANT: You MUST speak first immediately when the call connects. Start with a warm greeting like "Hello! Thank you for calling. How can I help you today?" Be helpful, polite, and efficient. Always initiate the conversation and maintain a friendly, professional tone throughout the call.`
)

// BusinessHours is a weekly window evaluated in Timezone.
// Start and End are "HH:MM" and both ends are inclusive at minute granularity.
type BusinessHours struct {
	Days     []time.Weekday `json:"days"`
	Start    string         `json:"start"`
	End      string         `json:"end"`
	Timezone string         `json:"timezone"`
}

// Contains reports whether t falls inside the window. A window whose End is
// before its Start spans midnight. An unknown timezone never matches.
func (h BusinessHours) Contains(t time.Time) bool {
	loc, ok := loadLocation(h.Timezone)
	if !ok {
		return false
	}
	start, ok := parseClock(h.Start)
	if !ok {
		return false
	}
	end, ok := parseClock(h.End)
	if !ok {
		return false
	}

	local := t.In(loc)
	if !h.hasDay(local.Weekday()) {
		return false
	}
	now := local.Hour()*60 + local.Minute()
	if start <= end {
		return start <= now && now <= end
	}
	return now >= start || now <= end
}

func (h BusinessHours) hasDay(d time.Weekday) bool {
	for _, day := range h.Days {
		if day == d {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" into minutes after midnight.
func parseClock(s string) (int, bool) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	// Accept "HH:MM:SS" as stored by Postgres time columns.
	if i := strings.IndexByte(mm, ':'); i >= 0 {
		mm = mm[:i]
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

var locations sync.Map // name -> *time.Location

func loadLocation(name string) (*time.Location, bool) {
	if name == "" {
		name = DefaultTimezone
	}
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), true
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	locations.Store(name, loc)
	return loc, true
}

// AgentProfile describes how the model should sound and behave for a call.
type AgentProfile struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id,omitempty"`
	Name   string    `json:"name"`
	Type   AgentType `json:"agent_type"`

	Voice        string `json:"voice_name"`
	Language     string `json:"language_code"`
	SystemPrompt string `json:"system_instruction"`
	Greeting     string `json:"greeting"`

	Mode          RoutingMode `json:"routing_type"`
	ForwardNumber string      `json:"forward_number,omitempty"`
	MenuID        string      `json:"menu_id,omitempty"`

	Hours              BusinessHours `json:"business_hours"`
	MaxConcurrentCalls int           `json:"max_concurrent_calls"`
	Direction          Direction     `json:"call_direction"`
	Active             bool          `json:"is_active"`
	CreatedAt          time.Time     `json:"created_at"`
}

// DefaultProfile is the synthetic agent used when nothing else resolves.
func DefaultProfile() AgentProfile {
	return AgentProfile{
		ID:           DefaultAgentID,
		Name:         DefaultAgentName,
		Type:         AgentTypeGeneral,
		Voice:        DefaultVoice,
		Language:     DefaultLanguage,
		SystemPrompt: DefaultSystemPrompt,
		Greeting:     DefaultGreeting,
		Mode:         ModeDirect,
		Hours: BusinessHours{
			Days:     []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
			Start:    DefaultHoursStart,
			End:      DefaultHoursEnd,
			Timezone: DefaultTimezone,
		},
		MaxConcurrentCalls: DefaultMaxConcurrent,
		Direction:          DirectionInbound,
		Active:             true,
	}
}

// IsDefault reports whether p is the synthetic default agent.
func (p AgentProfile) IsDefault() bool { return p.ID == "" || p.ID == DefaultAgentID }

// WithDefaults fills every unset field from DefaultProfile. Identity fields
// (ID, UserID, Name, Active, CreatedAt) are left alone.
func (p AgentProfile) WithDefaults() AgentProfile {
	d := DefaultProfile()
	if p.Name == "" {
		p.Name = d.Name
	}
	if p.Type == "" {
		p.Type = d.Type
	}
	if strings.TrimSpace(p.Voice) == "" {
		p.Voice = d.Voice
	}
	if strings.TrimSpace(p.Language) == "" {
		p.Language = d.Language
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = d.SystemPrompt
	}
	if strings.TrimSpace(p.Greeting) == "" {
		p.Greeting = d.Greeting
	}
	switch p.Mode {
	case ModeDirect, ModeMenu, ModeForward:
	case "ivr":
		p.Mode = ModeMenu
	default:
		p.Mode = d.Mode
	}
	if len(p.Hours.Days) == 0 {
		p.Hours.Days = d.Hours.Days
	}
	if p.Hours.Start == "" {
		p.Hours.Start = d.Hours.Start
	}
	if p.Hours.End == "" {
		p.Hours.End = d.Hours.End
	}
	if p.Hours.Timezone == "" {
		p.Hours.Timezone = d.Hours.Timezone
	}
	if p.MaxConcurrentCalls <= 0 {
		p.MaxConcurrentCalls = d.MaxConcurrentCalls
	}
	if p.Direction == "" {
		p.Direction = d.Direction
	}
	return p
}
