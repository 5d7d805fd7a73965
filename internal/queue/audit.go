package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"classattend/internal/attendance"
)

// AuditPublisher forwards engine audit events onto a queue for the worker to persist.
type AuditPublisher struct {
	q       Queue
	log     zerolog.Logger
	timeout time.Duration
}

// NewAuditPublisher builds a sink publishing to q.
func NewAuditPublisher(q Queue, log zerolog.Logger) *AuditPublisher {
	return &AuditPublisher{q: q, log: log, timeout: 2 * time.Second}
}

// Record implements attendance.AuditSink. Publish failures are logged, never returned.
func (p *AuditPublisher) Record(ctx context.Context, evt attendance.AuditEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.log.Error().Err(err).Str("event", string(evt.Type)).Msg("encode audit event")
		return
	}
	// the request may already be cancelled once the mutation committed
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.q.Publish(pubCtx, Message{Type: string(evt.Type), Body: body}); err != nil {
		p.log.Warn().Err(err).
			Str("event", string(evt.Type)).
			Str("session_id", evt.SessionID).
			Msg("publish audit event")
	}
}

// DecodeAudit extracts the audit event carried by msg.
func DecodeAudit(msg Message) (attendance.AuditEvent, error) {
	var evt attendance.AuditEvent
	err := json.Unmarshal(msg.Body, &evt)
	return evt, err
}
