package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"classattend/internal/apperr"
)

func rec(session, studentID string, status Status, at time.Time, flags ...FraudFlag) *Record {
	if flags == nil {
		flags = []FraudFlag{}
	}
	return &Record{SessionID: session, StudentID: studentID, Status: status, MarkedAt: at, FraudFlags: flags}
}

func TestComputeStats(t *testing.T) {
	s := &Session{ID: "s", ClassID: "c1", State: StateEnded}
	records := []*Record{
		rec("s", "b", StatusLate, t0.Add(2*time.Minute), FlagImpossibleVelocity),
		rec("s", "a", StatusPresent, t0.Add(time.Minute)),
		rec("s", "c", StatusFlagged, t0.Add(time.Minute), FlagStaleQR),
	}
	st := ComputeStats(s, []string{"a", "b", "c", "d"}, records)

	require.Equal(t, Counts{Present: 1, Late: 1, Flagged: 1}, st.Counts)
	require.Equal(t, 4, st.Enrolled)
	require.Equal(t, 1, st.Unmarked)
	require.InDelta(t, 0.5, st.AttendanceRate, 1e-9)
	require.False(t, st.Partial)
	require.Len(t, st.FraudAlerts, 2)
	require.Equal(t, "c", st.FraudAlerts[0].StudentID)
	require.Equal(t, "b", st.FraudAlerts[1].StudentID)

	// alerts are copies
	st.FraudAlerts[0].FraudFlags[0] = FlagDuplicateAttempt
	require.Equal(t, FlagStaleQR, records[2].FraudFlags[0])
}

func TestComputeStatsEmptyClass(t *testing.T) {
	st := ComputeStats(&Session{ID: "s", State: StateActive}, nil, nil)
	require.Zero(t, st.AttendanceRate)
	require.True(t, st.Partial)
	require.NotNil(t, st.FraudAlerts)
}

func TestComputeReportDeterministic(t *testing.T) {
	ended := &Session{ID: "s1", ClassID: "c1", State: StateEnded, StartedAt: t0}
	active := &Session{ID: "s2", ClassID: "c1", State: StateActive, StartedAt: t0.Add(24 * time.Hour)}
	records := map[string][]*Record{
		"s1": {
			rec("s1", "a", StatusPresent, t0),
			rec("s1", "b", StatusAbsent, t0.Add(time.Hour)),
			rec("s1", "c", StatusLate, t0.Add(time.Minute)),
		},
		"s2": {
			rec("s2", "a", StatusLate, t0.Add(25*time.Hour)),
		},
	}
	enrolled := []string{"c", "a", "b"}

	first := ComputeReport("c1", enrolled, []*Session{active, ended}, records)
	second := ComputeReport("c1", enrolled, []*Session{ended, active}, records)
	require.Equal(t, first, second)

	require.True(t, first.Partial)
	require.Len(t, first.Sessions, 2)
	require.Equal(t, "s1", first.Sessions[0].SessionID)
	require.False(t, first.Sessions[0].Partial)
	require.True(t, first.Sessions[1].Partial)
	require.InDelta(t, 0.6667, first.Sessions[0].AttendanceRate, 1e-9)

	require.Equal(t, []string{"a", "b", "c"}, []string{first.Students[0].StudentID, first.Students[1].StudentID, first.Students[2].StudentID})
	a := first.Students[0]
	require.Equal(t, 2, a.Sessions)
	require.Equal(t, Counts{Present: 1, Late: 1}, a.Counts)
	require.InDelta(t, 100, a.Percentage, 1e-9)

	b := first.Students[1]
	require.Equal(t, 1, b.Unmarked)
	require.InDelta(t, 0, b.Percentage, 1e-9)

	c := first.Students[2]
	require.InDelta(t, 50, c.Percentage, 1e-9)
}

func TestComputeReportNoSessions(t *testing.T) {
	rep := ComputeReport("c1", []string{"a"}, nil, nil)
	require.Empty(t, rep.Sessions)
	require.Len(t, rep.Students, 1)
	require.Zero(t, rep.Students[0].Percentage)
	require.False(t, rep.Partial)
}

func TestEngineStatsAndReport(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	first := f.start(t, StartRequest{Method: MethodQR})
	_, err := f.engine.MarkAttendance(ctx, student("s1"), MarkRequest{SessionID: first.ID, QRCode: "ABC"})
	require.NoError(t, err)
	_, err = f.engine.End(ctx, teacher, first.ID)
	require.NoError(t, err)

	f.clock.Set(t0.Add(48 * time.Hour))
	second := f.start(t, StartRequest{Method: MethodManual})
	_, err = f.engine.MarkAttendance(ctx, teacher, MarkRequest{SessionID: second.ID, StudentID: "s2"})
	require.NoError(t, err)

	st1, err := f.engine.SessionStats(ctx, teacher, second.ID)
	require.NoError(t, err)
	st2, err := f.engine.SessionStats(ctx, teacher, second.ID)
	require.NoError(t, err)
	require.Equal(t, st1, st2)
	require.True(t, st1.Partial)
	require.Equal(t, 2, st1.Unmarked)

	rep, err := f.engine.ClassReport(ctx, teacher, "c1", DateRange{})
	require.NoError(t, err)
	require.True(t, rep.Partial)
	require.Len(t, rep.Sessions, 2)

	ranged, err := f.engine.ClassReport(ctx, teacher, "c1", DateRange{To: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, ranged.Sessions, 1)
	require.False(t, ranged.Partial)

	_, err = f.engine.ClassReport(ctx, stranger, "c1", DateRange{})
	requireCode(t, err, apperr.CodeNotClassOwner)
	_, err = f.engine.SessionStats(ctx, student("s1"), first.ID)
	requireCode(t, err, apperr.CodeNotClassOwner)

	mine, err := f.engine.MyRecords(ctx, student("s1"))
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, StatusPresent, mine[0].Status)

	s3, err := f.engine.MyRecords(ctx, student("s3"))
	require.NoError(t, err)
	require.Len(t, s3, 1)
	require.Equal(t, StatusAbsent, s3[0].Status)
}
