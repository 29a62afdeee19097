package tools

import (
	"context"
	"log/slog"

	"callbridge/internal/audit"
)

// AuditRecorder writes every tool execution to the audit log. The Bridge
// calls it with a detached context bounded by its RecordTimeout.
type AuditRecorder struct {
	Audit *audit.Service
	Log   *slog.Logger
}

func (a AuditRecorder) RecordToolCall(ctx context.Context, call Call, res Result) {
	if a.Audit == nil || call.CallSid == "" {
		return
	}
	err := a.Audit.LogToolCall(ctx, call.CallSid, call.AgentID, call.UserID, call.Name, call.Args, res.Success, res.Error, res.ExecutionTime)
	if err != nil && a.Log != nil {
		a.Log.Warn("tools: audit tool call failed", "call_sid", call.CallSid, "tool", call.Name, "err", err)
	}
}
