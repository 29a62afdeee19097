package routing

// Decision is the output of the routing engine: who answers and how.
//
// It carries no carrier-specific fields. The telephony layer turns it into
// TwiML.
type Decision struct {
	Profile AgentProfile `json:"agent"`
	Action  Action       `json:"action"`

	// Reason is for logs, metrics and the audit trail.
	Reason string `json:"reason,omitempty"`
}

type ActionKind string

const (
	ActionDirect  ActionKind = "direct"
	ActionMenu    ActionKind = "menu"
	ActionForward ActionKind = "forward"
)

type Action struct {
	Kind   ActionKind      `json:"type"`
	Menu   *MenuDefinition `json:"menu,omitempty"`
	Number string          `json:"target,omitempty"`
}

const (
	ReasonPhoneNumber   = "phone_number"
	ReasonBusinessHours = "business_hours"
	ReasonAfterHours    = "after_hours"
	ReasonAnyInbound    = "any_inbound"
	ReasonDefault       = "default"
	ReasonMenuSelection = "menu_selection"
	ReasonMenuFallback  = "menu_fallback"
	ReasonOutbound      = "outbound"
)

// ReasonStreamParameter is used when the media stream names its agent and no
// earlier decision for the call is known.
const ReasonStreamParameter = "stream_parameter"

// KeypressKind is the result of resolving one menu keypress.
type KeypressKind string

const (
	KeypressConnect   KeypressKind = "connect"
	KeypressTransfer  KeypressKind = "transfer"
	KeypressVoicemail KeypressKind = "voicemail"
	KeypressRetry     KeypressKind = "retry"
	KeypressFallback  KeypressKind = "fallback"
)

type KeypressOutcome struct {
	Kind KeypressKind

	// Decision is set for connect and fallback.
	Decision Decision
	// Number is set for transfer.
	Number string
	// Prompt is spoken before the outcome is carried out.
	Prompt string
	// NextAttempt is set for retry.
	NextAttempt int
}
