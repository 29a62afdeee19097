package telephony

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"callbridge/internal/routing"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	PathVoice         = "/webhook/voice"
	PathMenuSelection = "/webhook/menu-selection"
	PathMenuTimeout   = "/webhook/menu-timeout"
	PathStatus        = "/webhook/status"

	voicemailSeconds = 120
)

// StatusUpdate is a call progress callback from the carrier.
type StatusUpdate struct {
	CallSid      string
	Status       string
	Duration     int
	RecordingURL string
	From         string
	To           string
	Outbound     bool
}

// StatusSink consumes call progress callbacks.
type StatusSink interface {
	CallStatusChanged(ctx context.Context, u StatusUpdate) error
}

// StreamParams are passed to the media stream as <Parameter> values.
type StreamParams struct {
	AgentID   string
	UserID    string
	Direction string
	From      string
	To        string
}

func (p StreamParams) parameters() []Parameter {
	var out []Parameter
	add := func(name, value string) {
		if value != "" {
			out = append(out, Parameter{Name: name, Value: value})
		}
	}
	add(ParamAgentID, p.AgentID)
	add(ParamUserID, p.UserID)
	add(ParamDirection, p.Direction)
	add(ParamFrom, p.From)
	add(ParamTo, p.To)
	return out
}

// StreamResponse connects the call to the media stream at streamURL.
func StreamResponse(streamURL string, p StreamParams) *Response {
	return new(Response).ConnectStream(streamURL, p.parameters()...)
}

// Webhooks serves the TwiML call-setup endpoints. Routing decisions come from
// the engine; this type only translates them to TwiML.
type Webhooks struct {
	Engine      *routing.Engine
	Assignments *routing.Assignments
	Status      StatusSink
	StreamURL   string
}

func (h Webhooks) Register(rg gin.IRoutes) {
	rg.POST(PathVoice, h.Voice)
	rg.POST(PathMenuSelection, h.MenuSelection)
	rg.POST(PathMenuTimeout, h.MenuTimeout)
	rg.POST(PathStatus, h.CallStatus)
}

// Voice answers a new call. A menu retry redirects back here with agent_id
// and attempt set, in which case the menu is played again.
func (h Webhooks) Voice(c *gin.Context) {
	form, ok := h.parse(c)
	if !ok {
		return
	}
	log := logger.FromGin(c).With("call_sid", form.CallSid)
	ctx := routing.WithRemoteIP(c.Request.Context(), c.ClientIP())

	if agentID := c.Query("agent_id"); agentID != "" {
		p, m, err := h.Engine.MenuForAgent(ctx, agentID)
		if err != nil {
			log.Warn("menu replay failed", "agent_id", agentID, "err", err)
			h.render(c, h.lookupFallback(ctx, form))
			return
		}
		h.render(c, h.menuResponse(p, m, attemptParam(c)))
		return
	}

	d := h.Engine.RouteInbound(ctx, routing.InboundCall{CallSid: form.CallSid, From: form.From, To: form.To})
	h.Assignments.Put(form.CallSid, d)

	switch d.Action.Kind {
	case routing.ActionForward:
		h.render(c, new(Response).Dial(d.Action.Number))
	case routing.ActionMenu:
		h.render(c, h.menuResponse(d.Profile, *d.Action.Menu, 1))
	default:
		h.render(c, h.stream(d.Profile, form))
	}
}

func (h Webhooks) MenuSelection(c *gin.Context) {
	form, ok := h.parse(c)
	if !ok {
		return
	}
	agentID := c.Query("agent_id")
	log := logger.FromGin(c).With("call_sid", form.CallSid, "agent_id", agentID)
	ctx := routing.WithRemoteIP(c.Request.Context(), c.ClientIP())

	p, m, err := h.Engine.MenuForAgent(ctx, agentID)
	if err != nil {
		log.Warn("menu selection failed", "err", err)
		h.render(c, h.lookupFallback(ctx, form))
		return
	}

	out := h.Engine.ResolveKeypress(ctx, routing.MenuPress{
		CallSid:  form.CallSid,
		Menu:     m,
		Digit:    form.Digits,
		Attempt:  attemptParam(c),
		Fallback: p,
	})
	log.Info("menu keypress", "digit", form.Digits, "outcome", string(out.Kind))

	r := new(Response)
	switch out.Kind {
	case routing.KeypressConnect:
		h.Assignments.Put(form.CallSid, out.Decision)
		r = h.stream(out.Decision.Profile, form)
	case routing.KeypressTransfer:
		h.Assignments.Put(form.CallSid, out.Decision)
		r.Dial(out.Number)
	case routing.KeypressVoicemail:
		r.Say(out.Prompt, p.Language).Record(voicemailSeconds, PathStatus).Hangup()
	case routing.KeypressRetry:
		r.Say(out.Prompt, p.Language).Redirect(menuURL(PathVoice, p.ID, out.NextAttempt))
	default:
		h.Assignments.Put(form.CallSid, out.Decision)
		if out.Prompt != "" {
			r.Say(out.Prompt, out.Decision.Profile.Language)
		}
		r.Verbs = append(r.Verbs, h.stream(out.Decision.Profile, form).Verbs...)
	}
	h.render(c, r)
}

// MenuTimeout runs when the caller pressed nothing; the call goes to the
// menu's owning agent after a notice.
func (h Webhooks) MenuTimeout(c *gin.Context) {
	form, ok := h.parse(c)
	if !ok {
		return
	}
	agentID := c.Query("agent_id")
	log := logger.FromGin(c).With("call_sid", form.CallSid, "agent_id", agentID)
	ctx := routing.WithRemoteIP(c.Request.Context(), c.ClientIP())

	p, m, err := h.Engine.MenuForAgent(ctx, agentID)
	if err != nil {
		if p, err = h.Engine.Agent(ctx, agentID); err != nil {
			log.Warn("menu timeout agent lookup failed", "err", err)
			h.render(c, h.lookupFallback(ctx, form))
			return
		}
	}
	out := h.Engine.ResolveKeypress(ctx, routing.MenuPress{CallSid: form.CallSid, Menu: m, Fallback: p})
	h.Assignments.Put(form.CallSid, out.Decision)

	r := new(Response).Say(out.Prompt, out.Decision.Profile.Language)
	r.Verbs = append(r.Verbs, h.stream(out.Decision.Profile, form).Verbs...)
	h.render(c, r)
}

// CallStatus records carrier progress callbacks, including recording callbacks
// from voicemail.
func (h Webhooks) CallStatus(c *gin.Context) {
	form, ok := h.parse(c)
	if !ok {
		return
	}
	log := logger.FromGin(c).With("call_sid", form.CallSid)
	if h.Status != nil && form.CallSid != "" {
		err := h.Status.CallStatusChanged(c.Request.Context(), StatusUpdate{
			CallSid:      form.CallSid,
			Status:       form.CallStatus,
			Duration:     form.CallDuration,
			RecordingURL: form.RecordingURL,
			From:         form.From,
			To:           form.To,
			Outbound:     form.Outbound(),
		})
		if err != nil {
			log.Error("call status update failed", "status", form.CallStatus, "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}
	}
	log.Info("call status", "status", form.CallStatus, "duration", form.CallDuration)
	c.Status(http.StatusNoContent)
}

func (h Webhooks) parse(c *gin.Context) (VoiceForm, bool) {
	form, err := ParseVoiceForm(c.Request)
	if err != nil {
		logger.FromGin(c).Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return VoiceForm{}, false
	}
	return form, true
}

func (h Webhooks) stream(p routing.AgentProfile, form VoiceForm) *Response {
	dir := string(routing.DirectionInbound)
	if form.Outbound() {
		dir = string(routing.DirectionOutbound)
	}
	return StreamResponse(h.StreamURL, StreamParams{
		AgentID:   p.ID,
		UserID:    p.UserID,
		Direction: dir,
		From:      form.From,
		To:        form.To,
	})
}

func (h Webhooks) menuResponse(p routing.AgentProfile, m routing.MenuDefinition, attempt int) *Response {
	m = m.WithDefaults()
	prompts := []Say{{Voice: SayVoice, Language: p.Language, Text: m.Greeting}}
	for _, e := range m.Entries {
		if e.Action.Description != "" {
			prompts = append(prompts, Say{Voice: SayVoice, Language: p.Language, Text: e.Action.Description})
		}
	}
	return new(Response).
		Gather(Gather{
			NumDigits: 1,
			Action:    menuURL(PathMenuSelection, p.ID, attempt),
			Method:    http.MethodPost,
			Timeout:   int(m.Timeout / time.Second),
			Prompts:   prompts,
		}).
		Redirect(menuURL(PathMenuTimeout, p.ID, 0))
}

func (h Webhooks) render(c *gin.Context, r *Response) {
	body, err := r.Render()
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, body)
}

// lookupFallback connects a call whose menu or agent could not be loaded. It
// goes to the agent already assigned to the call, else the default agent.
func (h Webhooks) lookupFallback(ctx context.Context, form VoiceForm) *Response {
	d, ok := h.Assignments.Get(form.CallSid)
	if !ok {
		d.Profile = routing.DefaultProfile()
	}
	d.Action = routing.Action{Kind: routing.ActionDirect}
	d.Reason = routing.ReasonMenuFallback
	h.Engine.Record(ctx, form.CallSid, d)
	h.Assignments.Put(form.CallSid, d)
	return h.stream(d.Profile, form)
}

func attemptParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("attempt"))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func menuURL(path, agentID string, attempt int) string {
	q := url.Values{}
	q.Set("agent_id", agentID)
	if attempt > 0 {
		q.Set("attempt", strconv.Itoa(attempt))
	}
	return path + "?" + q.Encode()
}
