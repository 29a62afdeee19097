package telephony

import (
	"encoding/json"
	"time"
)

// EventKind is the "event" field of a media stream message.
type EventKind string

const (
	EventConnected EventKind = "connected"
	EventStart     EventKind = "start"
	EventMedia     EventKind = "media"
	EventStop      EventKind = "stop"
	EventDTMF      EventKind = "dtmf"
	EventMark      EventKind = "mark"

	// EventClosed is synthesized when the socket ends; it is always the last
	// event delivered.
	EventClosed EventKind = "closed"
)

// Custom parameters passed on <Stream> and echoed back in the start message.
const (
	ParamAgentID   = "agent_id"
	ParamDirection = "direction"
	ParamFrom      = "from"
	ParamTo        = "to"
	ParamUserID    = "user_id"
)

// StartInfo is the payload of the start event.
type StartInfo struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Event is one inbound message from the carrier, already decoded.
type Event struct {
	Kind      EventKind
	StreamSid string
	Start     *StartInfo
	// Payload is base64 μ-law 8kHz audio for media events.
	Payload string
	Track   string
	Digit   string
	Mark    string
	// Err is set on EventClosed when the socket failed.
	Err error

	ReceivedAt time.Time
}

type inboundMessage struct {
	Event          string          `json:"event"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	StreamSid      string          `json:"streamSid,omitempty"`
	Start          *StartInfo      `json:"start,omitempty"`
	Media          *mediaPayload   `json:"media,omitempty"`
	Mark           *markPayload    `json:"mark,omitempty"`
	DTMF           *dtmfPayload    `json:"dtmf,omitempty"`
	Stop           json.RawMessage `json:"stop,omitempty"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

type dtmfPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type outboundMark struct {
	Event     string      `json:"event"`
	StreamSid string      `json:"streamSid"`
	Mark      markPayload `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

func decodeEvent(data []byte, now time.Time) (Event, bool) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}
	ev := Event{Kind: EventKind(msg.Event), StreamSid: msg.StreamSid, ReceivedAt: now}
	switch ev.Kind {
	case EventConnected, EventStop:
	case EventStart:
		if msg.Start == nil {
			return Event{}, false
		}
		ev.Start = msg.Start
		if ev.StreamSid == "" {
			ev.StreamSid = msg.Start.StreamSid
		}
	case EventMedia:
		if msg.Media == nil || msg.Media.Payload == "" {
			return Event{}, false
		}
		ev.Payload = msg.Media.Payload
		ev.Track = msg.Media.Track
	case EventDTMF:
		if msg.DTMF == nil {
			return Event{}, false
		}
		ev.Digit = msg.DTMF.Digit
	case EventMark:
		if msg.Mark != nil {
			ev.Mark = msg.Mark.Name
		}
	default:
		return Event{}, false
	}
	return ev, true
}
