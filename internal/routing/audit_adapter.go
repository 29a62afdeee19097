package routing

import (
	"context"
	"log/slog"

	"callbridge/internal/audit"
)

type remoteIPKey struct{}

// WithRemoteIP attaches the address of the webhook caller so it lands on the
// audit record of any decision made under ctx.
func WithRemoteIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, remoteIPKey{}, ip)
}

func RemoteIPFromContext(ctx context.Context) string {
	s, _ := ctx.Value(remoteIPKey{}).(string)
	return s
}

// AuditRecorder writes routing decisions to the audit log.
type AuditRecorder struct {
	Audit *audit.Service
	Log   *slog.Logger
}

func (a AuditRecorder) RecordDecision(ctx context.Context, callSid string, d Decision) {
	if a.Audit == nil || callSid == "" {
		return
	}
	meta := map[string]any{
		"agent_name": d.Profile.Name,
		"agent_type": string(d.Profile.Type),
	}
	if d.Action.Number != "" {
		meta["target"] = d.Action.Number
	}
	if d.Action.Menu != nil {
		meta["menu_id"] = d.Action.Menu.ID
	}
	err := a.Audit.LogRoutingDecision(ctx, callSid, d.Profile.ID, d.Profile.UserID,
		RemoteIPFromContext(ctx), d.Reason, string(d.Action.Kind), meta)
	if err != nil && a.Log != nil {
		a.Log.Warn("routing: audit decision failed", "call_sid", callSid, "err", err)
	}
}
