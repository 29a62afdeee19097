package telephony

import (
	"net/http"
	"strconv"
	"strings"
)

// VoiceForm is the subset of Twilio voice callback fields the webhooks use.
// Twilio posts application/x-www-form-urlencoded.
type VoiceForm struct {
	CallSid      string
	AccountSid   string
	From         string
	To           string
	Direction    string
	CallStatus   string
	Digits       string
	CallDuration int
	RecordingURL string
	CallerName   string
}

func ParseVoiceForm(r *http.Request) (VoiceForm, error) {
	if err := r.ParseForm(); err != nil {
		return VoiceForm{}, err
	}
	f := VoiceForm{
		CallSid:      strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   strings.TrimSpace(r.PostFormValue("CallStatus")),
		Digits:       strings.TrimSpace(r.PostFormValue("Digits")),
		RecordingURL: strings.TrimSpace(r.PostFormValue("RecordingUrl")),
		CallerName:   r.PostFormValue("CallerName"),
	}
	if d := strings.TrimSpace(r.PostFormValue("CallDuration")); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n >= 0 {
			f.CallDuration = n
		}
	}
	return f, nil
}

// Outbound reports whether Twilio placed the call through the REST API.
func (f VoiceForm) Outbound() bool {
	return strings.HasPrefix(f.Direction, "outbound")
}

func normalizePhone(s string) string {
	// Form decoding turns an unescaped '+' into a space.
	if strings.HasPrefix(s, " ") {
		if t := strings.TrimSpace(s); t != "" && t[0] >= '0' && t[0] <= '9' {
			return "+" + t
		}
	}
	return strings.TrimSpace(s)
}
