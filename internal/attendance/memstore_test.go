package attendance

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreContracts(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.AddClass(Class{ID: "c1", TeacherID: "t1"}, "a", "b")

	s := &Session{ClassID: "c1", State: StateActive, Method: MethodQR, StartedAt: t0}
	require.NoError(t, m.CreateSession(ctx, s))
	require.NotEmpty(t, s.ID)

	err := m.CreateSession(ctx, &Session{ClassID: "c1", State: StateActive})
	var conflict *ActiveSessionExistsError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, s.ID, conflict.SessionID)
	require.ErrorIs(t, err, ErrActiveSessionExists)

	require.NoError(t, m.RotateQR(ctx, s.ID, "NEW", t0))
	require.ErrorIs(t, m.InsertRecord(ctx, &Record{SessionID: s.ID, StudentID: "a"}, "OLD"), ErrQRRotated)
	require.NoError(t, m.InsertRecord(ctx, &Record{SessionID: s.ID, StudentID: "a", Status: StatusPresent, MarkedAt: t0}, "NEW"))
	require.ErrorIs(t, m.InsertRecord(ctx, &Record{SessionID: s.ID, StudentID: "a"}, ""), ErrRecordExists)
	require.ErrorIs(t, m.AddRecordFlag(ctx, s.ID, "b", FlagDuplicateAttempt), ErrRecordNotFound)
	require.NoError(t, m.AddRecordFlag(ctx, s.ID, "a", FlagDuplicateAttempt))
	require.NoError(t, m.AddRecordFlag(ctx, s.ID, "a", FlagDuplicateAttempt))

	created, err := m.EndSession(ctx, s.ID, t0.Add(time.Hour), []*Record{
		{SessionID: s.ID, StudentID: "a", Status: StatusAbsent, MarkedAt: t0.Add(time.Hour)},
		{SessionID: s.ID, StudentID: "b", Status: StatusAbsent, MarkedAt: t0.Add(time.Hour)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, created)

	_, err = m.EndSession(ctx, s.ID, t0.Add(2*time.Hour), nil)
	require.ErrorIs(t, err, ErrSessionNotActive)
	require.ErrorIs(t, m.RotateQR(ctx, s.ID, "X", t0), ErrSessionNotActive)
	require.ErrorIs(t, m.InsertRecord(ctx, &Record{SessionID: s.ID, StudentID: "b"}, ""), ErrSessionNotActive)
	_, err = m.EndSession(ctx, "missing", t0, nil)
	require.ErrorIs(t, err, ErrSessionNotFound)

	records, err := m.ListRecords(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "a", records[0].StudentID)
	require.Equal(t, StatusPresent, records[0].Status)
	require.Equal(t, []FraudFlag{FlagDuplicateAttempt}, records[0].FraudFlags)

	flagged, err := m.ListFlaggedRecords(ctx, 10)
	require.NoError(t, err)
	require.Len(t, flagged, 1)

	counts, err := m.CountRecordsByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, map[Status]int{StatusPresent: 1, StatusAbsent: 1}, counts)

	// a new session may start once the previous one ended
	require.NoError(t, m.CreateSession(ctx, &Session{ClassID: "c1", State: StateActive, StartedAt: t0.Add(3 * time.Hour)}))
	active, err := m.ActiveSessionForClass(ctx, "c1")
	require.NoError(t, err)
	require.NotEqual(t, s.ID, active.ID)
}

func TestMemoryStoreClonesOnRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	m.AddClass(Class{ID: "c1", TeacherID: "t1"}, "a")
	s := &Session{ClassID: "c1", State: StateActive, StartedAt: t0}
	require.NoError(t, m.CreateSession(ctx, s))
	require.NoError(t, m.InsertRecord(ctx, &Record{SessionID: s.ID, StudentID: "a", FraudFlags: []FraudFlag{FlagStaleQR}}, ""))

	got, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	got.State = StateEnded
	again, err := m.GetSession(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, StateActive, again.State)

	records, err := m.ListRecords(ctx, s.ID)
	require.NoError(t, err)
	records[0].FraudFlags[0] = FlagDuplicateAttempt
	records, err = m.ListRecords(ctx, s.ID)
	require.NoError(t, err)
	require.Equal(t, FlagStaleQR, records[0].FraudFlags[0])

	students, err := m.EnrolledStudents(ctx, "c1")
	require.NoError(t, err)
	students[0] = "mallory"
	students, err = m.EnrolledStudents(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, students)

	_, err = m.EnrolledStudents(ctx, "nope")
	require.ErrorIs(t, err, ErrClassNotFound)
}

func TestSessionFilter(t *testing.T) {
	s := &Session{ClassID: "c1", State: StateEnded, StartedAt: t0}
	require.True(t, SessionFilter{}.Matches(s))
	require.True(t, SessionFilter{ClassID: "c1", From: t0, To: t0}.Matches(s))
	require.False(t, SessionFilter{ClassID: "c2"}.Matches(s))
	require.False(t, SessionFilter{State: StateActive}.Matches(s))
	require.False(t, SessionFilter{From: t0.Add(time.Second)}.Matches(s))
	require.False(t, SessionFilter{To: t0.Add(-time.Second)}.Matches(s))
}

func TestRandomQRGenerator(t *testing.T) {
	g := &RandomQRGenerator{Source: bytes.NewReader([]byte{0, 0, 1, 2, 3, 4, 5, 6}), Size: 4}
	first, err := g.NewCode()
	require.NoError(t, err)
	second, err := g.NewCode()
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, "115T", first)
	require.Equal(t, "5UK9w", second)

	_, err = g.NewCode()
	require.Error(t, err)

	gen := NewRandomQRGenerator(0)
	code, err := gen.NewCode()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(code), 16)
	require.Equal(t, defaultQRBytes, gen.Size)
}

func TestRecordAddFlag(t *testing.T) {
	r := &Record{}
	require.True(t, r.AddFlag(FlagStaleQR))
	require.True(t, r.AddFlag(FlagDuplicateAttempt))
	require.False(t, r.AddFlag(FlagStaleQR))
	require.Equal(t, []FraudFlag{FlagDuplicateAttempt, FlagStaleQR}, r.FraudFlags)
	require.True(t, r.HasFlags())
}
