package queue

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"classattend/internal/attendance"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	require.NoError(t, q.Publish(ctx, Message{Type: "a", Body: []byte(`{"n":1}`)}))
	require.NoError(t, q.Publish(ctx, Message{Type: "b", Body: []byte(`{"n":2}`)}))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	first := <-ch
	second := <-ch
	require.Equal(t, "a", first.Type)
	require.Equal(t, "b", second.Type)
	require.JSONEq(t, `{"n":2}`, string(second.Body))

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: "fill"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, Message{Type: "blocked"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEncodeDecode(t *testing.T) {
	raw, err := Encode(Message{Type: "session.started", Body: []byte(`{"id":"x"}`)})
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, "session.started", msg.Type)
	require.JSONEq(t, `{"id":"x"}`, string(msg.Body))

	_, err = Decode([]byte(`{"body":{}}`))
	require.Error(t, err)
	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestAuditPublisherRoundTrip(t *testing.T) {
	q := NewInMemory(1)
	pub := NewAuditPublisher(q, zerolog.Nop())

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // publishing must survive a finished request
	pub.Record(ctx, attendance.AuditEvent{
		ID:        "evt-1",
		Type:      attendance.EventAttendanceMarked,
		SessionID: "s1",
		StudentID: "stu",
		Status:    attendance.StatusLate,
		At:        at,
	})

	consumeCtx, stop := context.WithCancel(context.Background())
	defer stop()
	ch, err := q.Consume(consumeCtx)
	require.NoError(t, err)
	msg := <-ch
	require.Equal(t, string(attendance.EventAttendanceMarked), msg.Type)

	evt, err := DecodeAudit(msg)
	require.NoError(t, err)
	require.Equal(t, "evt-1", evt.ID)
	require.Equal(t, attendance.StatusLate, evt.Status)
	require.True(t, at.Equal(evt.At))
}
