package routing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type MenuActionKind string

const (
	MenuConnectAgent MenuActionKind = "connect_agent"
	MenuTransfer     MenuActionKind = "transfer"
	MenuVoicemail    MenuActionKind = "voicemail"
)

const (
	DefaultMenuAttempts = 3
	MaxMenuAttempts     = 5
	DefaultMenuTimeout  = 5 * time.Second

	DefaultMenuGreeting   = "Thank you for calling. Please listen to the following options."
	DefaultInvalidMessage = "Sorry, that's not a valid option. Let's try again."
	DefaultTimeoutMessage = "I didn't receive any input. Connecting you to our general assistant."
	DefaultVoicemailText  = "Please leave a message after the tone."
)

var ErrInvalidMenu = errors.New("routing: invalid menu")

type MenuAction struct {
	Kind        MenuActionKind `json:"action"`
	AgentID     string         `json:"agent_id,omitempty"`
	Number      string         `json:"number,omitempty"`
	Description string         `json:"description,omitempty"`
}

type MenuEntry struct {
	Digit  string     `json:"digit"`
	Action MenuAction `json:"action"`
}

// MenuDefinition is a keypress menu played before connecting a call.
type MenuDefinition struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Greeting       string        `json:"greeting"`
	InvalidMessage string        `json:"invalid_message"`
	TimeoutMessage string        `json:"timeout_message"`
	MaxAttempts    int           `json:"max_attempts"`
	Timeout        time.Duration `json:"timeout"`
	Entries        []MenuEntry   `json:"entries"`
}

// Validate rejects menus with malformed or duplicate digits.
func (m MenuDefinition) Validate() error {
	seen := make(map[string]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		if !validDigit(e.Digit) {
			return fmt.Errorf("%w: digit %q", ErrInvalidMenu, e.Digit)
		}
		if _, dup := seen[e.Digit]; dup {
			return fmt.Errorf("%w: duplicate digit %q", ErrInvalidMenu, e.Digit)
		}
		seen[e.Digit] = struct{}{}
		switch e.Action.Kind {
		case MenuConnectAgent:
			if e.Action.AgentID == "" {
				return fmt.Errorf("%w: digit %q has no agent", ErrInvalidMenu, e.Digit)
			}
		case MenuTransfer:
			if e.Action.Number == "" {
				return fmt.Errorf("%w: digit %q has no number", ErrInvalidMenu, e.Digit)
			}
		case MenuVoicemail:
		default:
			return fmt.Errorf("%w: digit %q has unknown action %q", ErrInvalidMenu, e.Digit, e.Action.Kind)
		}
	}
	return nil
}

func validDigit(d string) bool {
	return len(d) == 1 && strings.ContainsAny(d, "0123456789*#")
}

// WithDefaults fills prompts, clamps MaxAttempts to 1..5 and sets the input timeout.
func (m MenuDefinition) WithDefaults() MenuDefinition {
	if strings.TrimSpace(m.Greeting) == "" {
		m.Greeting = DefaultMenuGreeting
	}
	if strings.TrimSpace(m.InvalidMessage) == "" {
		m.InvalidMessage = DefaultInvalidMessage
	}
	if strings.TrimSpace(m.TimeoutMessage) == "" {
		m.TimeoutMessage = DefaultTimeoutMessage
	}
	switch {
	case m.MaxAttempts <= 0:
		m.MaxAttempts = DefaultMenuAttempts
	case m.MaxAttempts > MaxMenuAttempts:
		m.MaxAttempts = MaxMenuAttempts
	}
	if m.Timeout <= 0 {
		m.Timeout = DefaultMenuTimeout
	}
	return m
}

func (m MenuDefinition) Lookup(digit string) (MenuAction, bool) {
	for _, e := range m.Entries {
		if e.Digit == digit {
			return e.Action, true
		}
	}
	return MenuAction{}, false
}
