package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"

	"classattend/internal/apperr"
)

// EventType names an audit event.
type EventType string

const (
	EventSessionStarted     EventType = "session.started"
	EventQRRefreshed        EventType = "session.qr_refreshed"
	EventSessionEnded       EventType = "session.ended"
	EventAttendanceMarked   EventType = "attendance.marked"
	EventAttendanceRejected EventType = "attendance.rejected"
)

// AuditEvent describes one engine mutation or rejected check-in.
type AuditEvent struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	ClassID   string      `json:"classId"`
	StudentID string      `json:"studentId,omitempty"`
	ActorID   string      `json:"actorId"`
	Code      apperr.Code `json:"code,omitempty"`
	Status    Status      `json:"status,omitempty"`
	Flags     []FraudFlag `json:"flags,omitempty"`
	At        time.Time   `json:"at"`
}

// AuditSink receives audit events. Implementations must not block the caller for long
// and must not fail the operation that produced the event.
type AuditSink interface {
	Record(ctx context.Context, evt AuditEvent)
}

// MultiSink fans events out to every sink in order.
type MultiSink []AuditSink

// Record implements AuditSink.
func (m MultiSink) Record(ctx context.Context, evt AuditEvent) {
	for _, s := range m {
		s.Record(ctx, evt)
	}
}

// NopSink discards events.
type NopSink struct{}

// Record implements AuditSink.
func (NopSink) Record(context.Context, AuditEvent) {}

func newEvent(t EventType, s *Session, actorID string, at time.Time) AuditEvent {
	return AuditEvent{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: s.ID,
		ClassID:   s.ClassID,
		ActorID:   actorID,
		At:        at,
	}
}
