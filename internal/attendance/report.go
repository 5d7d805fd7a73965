package attendance

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"classattend/internal/auth"
)

// Counts tallies records by status.
type Counts struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Flagged int `json:"flagged"`
}

func (c *Counts) add(s Status) {
	switch s {
	case StatusPresent:
		c.Present++
	case StatusLate:
		c.Late++
	case StatusAbsent:
		c.Absent++
	case StatusFlagged:
		c.Flagged++
	}
}

// Attended counts marks that satisfy attendance.
func (c Counts) Attended() int { return c.Present + c.Late }

func countStatuses(records []*Record) Counts {
	var c Counts
	for _, r := range records {
		c.add(r.Status)
	}
	return c
}

// Stats summarizes one session. Partial is set while the session is still active.
type Stats struct {
	SessionID      string    `json:"sessionId"`
	ClassID        string    `json:"classId"`
	State          State     `json:"state"`
	Counts         Counts    `json:"counts"`
	Enrolled       int       `json:"enrolled"`
	Unmarked       int       `json:"unmarked"`
	AttendanceRate float64   `json:"attendanceRate"`
	FraudAlerts    []*Record `json:"fraudAlerts"`
	Partial        bool      `json:"partial"`
}

// ComputeStats reduces a session's records. Output depends only on its inputs.
func ComputeStats(s *Session, enrolled []string, records []*Record) Stats {
	st := Stats{
		SessionID:   s.ID,
		ClassID:     s.ClassID,
		State:       s.State,
		Counts:      countStatuses(records),
		Enrolled:    len(enrolled),
		FraudAlerts: fraudAlerts(records),
		Partial:     s.Active(),
	}

	marked := make(map[string]bool, len(records))
	for _, r := range records {
		marked[r.StudentID] = true
	}
	for _, id := range enrolled {
		if !marked[id] {
			st.Unmarked++
		}
	}
	st.AttendanceRate = rate(st.Counts.Attended(), st.Enrolled, 4)
	return st
}

func fraudAlerts(records []*Record) []*Record {
	alerts := []*Record{}
	for _, r := range records {
		if r.HasFlags() {
			clone := *r
			clone.FraudFlags = slices.Clone(r.FraudFlags)
			alerts = append(alerts, &clone)
		}
	}
	slices.SortFunc(alerts, func(a, b *Record) int {
		if c := a.MarkedAt.Compare(b.MarkedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.StudentID, b.StudentID)
	})
	return alerts
}

// rate returns num/den rounded to places decimals, or 0 when den is 0.
func rate(num, den, places int) float64 {
	if den == 0 {
		return 0
	}
	scale := math.Pow(10, float64(places))
	return math.Round(float64(num)/float64(den)*scale) / scale
}

// DateRange bounds a class report by session start time. Zero ends are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// SessionBreakdown is one row of a class report.
type SessionBreakdown struct {
	SessionID      string    `json:"sessionId"`
	StartedAt      time.Time `json:"startedAt"`
	State          State     `json:"state"`
	Counts         Counts    `json:"counts"`
	Enrolled       int       `json:"enrolled"`
	AttendanceRate float64   `json:"attendanceRate"`
	Partial        bool      `json:"partial"`
}

// StudentAggregate is one student's attendance across the reported sessions.
type StudentAggregate struct {
	StudentID  string  `json:"studentId"`
	Sessions   int     `json:"sessions"`
	Counts     Counts  `json:"counts"`
	Unmarked   int     `json:"unmarked"`
	Percentage float64 `json:"percentage"`
}

// Report aggregates a class's sessions.
type Report struct {
	ClassID  string             `json:"classId"`
	Sessions []SessionBreakdown `json:"sessions"`
	Students []StudentAggregate `json:"students"`
	Partial  bool               `json:"partial"`
}

// ComputeReport reduces sessions and their records (keyed by session id) into a class report.
// Active sessions are included and mark the report partial.
func ComputeReport(classID string, enrolled []string, sessions []*Session, records map[string][]*Record) Report {
	ordered := slices.Clone(sessions)
	sortSessions(ordered)

	students := map[string]*StudentAggregate{}
	for _, id := range enrolled {
		students[id] = &StudentAggregate{StudentID: id}
	}
	for _, s := range ordered {
		for _, r := range records[s.ID] {
			if _, ok := students[r.StudentID]; !ok {
				students[r.StudentID] = &StudentAggregate{StudentID: r.StudentID}
			}
		}
	}

	rep := Report{ClassID: classID, Sessions: []SessionBreakdown{}, Students: []StudentAggregate{}}
	for _, s := range ordered {
		recs := records[s.ID]
		st := ComputeStats(s, enrolled, recs)
		rep.Sessions = append(rep.Sessions, SessionBreakdown{
			SessionID:      s.ID,
			StartedAt:      s.StartedAt,
			State:          s.State,
			Counts:         st.Counts,
			Enrolled:       st.Enrolled,
			AttendanceRate: st.AttendanceRate,
			Partial:        st.Partial,
		})
		if st.Partial {
			rep.Partial = true
		}

		byStudent := make(map[string]Status, len(recs))
		for _, r := range recs {
			byStudent[r.StudentID] = r.Status
		}
		for id, agg := range students {
			agg.Sessions++
			if status, ok := byStudent[id]; ok {
				agg.Counts.add(status)
			} else {
				agg.Unmarked++
			}
		}
	}

	for _, agg := range students {
		agg.Percentage = rate(agg.Counts.Attended()*100, agg.Sessions, 2)
		rep.Students = append(rep.Students, *agg)
	}
	slices.SortFunc(rep.Students, func(a, b StudentAggregate) int {
		return cmp.Compare(a.StudentID, b.StudentID)
	})
	return rep
}

// SessionStats returns the statistics and fraud alerts of one session.
func (e *Engine) SessionStats(ctx context.Context, p auth.Principal, sessionID string) (*Stats, error) {
	s, err := e.authorizedSession(ctx, p, auth.ActionViewStats, sessionID)
	if err != nil {
		return nil, err
	}
	enrolled, err := e.enrolled(ctx, s.ClassID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListRecords(ctx, s.ID)
	if err != nil {
		return nil, e.storeErr(err)
	}
	st := ComputeStats(s, enrolled, records)
	return &st, nil
}

// ClassReport aggregates every session of a class started within rng.
func (e *Engine) ClassReport(ctx context.Context, p auth.Principal, classID string, rng DateRange) (*Report, error) {
	if err := auth.RequireCapability(p, auth.ActionClassReport); err != nil {
		return nil, err
	}
	class, err := e.class(ctx, classID)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(p, auth.ActionClassReport, auth.Resource{ClassTeacherID: class.TeacherID}); err != nil {
		return nil, err
	}

	sessions, err := e.store.ListSessions(ctx, SessionFilter{ClassID: classID, From: rng.From, To: rng.To})
	if err != nil {
		return nil, e.storeErr(err)
	}
	enrolled, err := e.enrolled(ctx, classID)
	if err != nil {
		return nil, err
	}
	records := make(map[string][]*Record, len(sessions))
	for _, s := range sessions {
		recs, err := e.store.ListRecords(ctx, s.ID)
		if err != nil {
			return nil, e.storeErr(err)
		}
		records[s.ID] = recs
	}

	rep := ComputeReport(classID, enrolled, sessions, records)
	return &rep, nil
}

// MyRecords returns the calling principal's own attendance records, newest first.
func (e *Engine) MyRecords(ctx context.Context, p auth.Principal) ([]*Record, error) {
	if err := auth.RequireCapability(p, auth.ActionViewOwnRecords); err != nil {
		return nil, err
	}
	records, err := e.store.ListStudentRecords(ctx, p.ID)
	if err != nil {
		return nil, e.storeErr(err)
	}
	slices.SortFunc(records, func(a, b *Record) int {
		return b.MarkedAt.Compare(a.MarkedAt)
	})
	return records, nil
}
