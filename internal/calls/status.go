package calls

import (
	"context"
	"errors"
	"fmt"

	"callbridge/internal/telephony"
)

var ErrNoCallLog = errors.New("calls: call log not configured")

// CallStatusChanged applies a carrier status callback to the call log.
// Unknown statuses are ignored apart from any recording URL they carry.
func (m *Manager) CallStatusChanged(ctx context.Context, u telephony.StatusUpdate) error {
	if m.CallLog == nil {
		return ErrNoCallLog
	}
	upd := CallUpdate{
		CallSid:         u.CallSid,
		DurationSeconds: u.Duration,
		RecordingURL:    u.RecordingURL,
	}
	if st, ok := ParseCallStatus(u.Status); ok {
		upd.Status = st
	}
	if upd.Status == "" && upd.RecordingURL == "" && upd.DurationSeconds == 0 {
		return nil
	}
	if err := m.CallLog.UpdateCallRecord(ctx, upd); err != nil {
		return fmt.Errorf("calls: status %s for %s: %w", u.Status, u.CallSid, err)
	}
	m.Log.Info("call status applied", "call_sid", u.CallSid, "status", string(upd.Status))
	return nil
}
