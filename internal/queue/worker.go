package queue

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"classattend/internal/attendance"
)

// AuditWriter persists audit events.
type AuditWriter interface {
	InsertAuditEvent(ctx context.Context, evt attendance.AuditEvent) error
}

// AuditWorker drains audit messages from a queue into an AuditWriter.
type AuditWorker struct {
	q   Queue
	w   AuditWriter
	log zerolog.Logger

	// MaxTries bounds write attempts per event before it is dropped.
	MaxTries uint
	// NewBackOff returns the retry schedule used for each event.
	NewBackOff func() backoff.BackOff
	// WriteTimeout bounds a single write attempt.
	WriteTimeout time.Duration
}

// NewAuditWorker builds a worker with exponential retry.
func NewAuditWorker(q Queue, w AuditWriter, log zerolog.Logger) *AuditWorker {
	return &AuditWorker{
		q:            q,
		w:            w,
		log:          log,
		MaxTries:     5,
		NewBackOff:   func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		WriteTimeout: 3 * time.Second,
	}
}

// Run consumes until ctx is cancelled or the queue closes. It returns the number of events persisted.
func (w *AuditWorker) Run(ctx context.Context) (int, error) {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return 0, err
	}
	stored := 0
	for msg := range messages {
		evt, err := DecodeAudit(msg)
		if err != nil || evt.ID == "" {
			w.log.Warn().Err(err).Str("type", msg.Type).Msg("drop undecodable audit message")
			continue
		}
		if err := w.persist(ctx, evt); err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error().Err(err).
				Str("event_id", evt.ID).
				Str("event", string(evt.Type)).
				Msg("audit event dropped after retries")
			continue
		}
		stored++
		w.log.Debug().Str("event_id", evt.ID).Str("event", string(evt.Type)).Msg("audit event stored")
	}
	return stored, ctx.Err()
}

func (w *AuditWorker) persist(ctx context.Context, evt attendance.AuditEvent) error {
	op := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, w.WriteTimeout)
		defer cancel()
		err := w.w.InsertAuditEvent(attemptCtx, evt)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(w.NewBackOff()),
		backoff.WithMaxTries(w.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Warn().Err(err).Str("event_id", evt.ID).Dur("retry_in", next).Msg("retry audit write")
		}),
	)
	return err
}
