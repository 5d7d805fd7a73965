package attendance

import (
	"cmp"
	"context"
	"slices"

	"classattend/internal/auth"
)

const pendingFlaggedLimit = 100

// Overview is the system-wide summary shown to super-admins.
type Overview struct {
	Sessions                 int            `json:"sessions"`
	ActiveSessions           int            `json:"activeSessions"`
	EndedSessions            int            `json:"endedSessions"`
	ClassesWithActiveSession int            `json:"classesWithActiveSession"`
	Records                  map[Status]int `json:"records"`
}

// PendingActions lists what a super-admin should look at.
type PendingActions struct {
	// OverdueSessions are active sessions past their check-in window that nobody ended.
	OverdueSessions []*Session `json:"overdueSessions"`
	FlaggedRecords  []*Record  `json:"flaggedRecords"`
}

// Overview aggregates every class.
func (e *Engine) Overview(ctx context.Context, p auth.Principal) (*Overview, error) {
	if err := auth.RequireCapability(p, auth.ActionAdminOverview); err != nil {
		return nil, err
	}
	sessions, err := e.store.ListSessions(ctx, SessionFilter{})
	if err != nil {
		return nil, e.storeErr(err)
	}
	counts, err := e.store.CountRecordsByStatus(ctx)
	if err != nil {
		return nil, e.storeErr(err)
	}

	ov := &Overview{Sessions: len(sessions), Records: map[Status]int{}}
	for _, st := range []Status{StatusPresent, StatusLate, StatusAbsent, StatusFlagged} {
		ov.Records[st] = counts[st]
	}
	classes := map[string]bool{}
	for _, s := range sessions {
		if s.Active() {
			ov.ActiveSessions++
			classes[s.ClassID] = true
		} else {
			ov.EndedSessions++
		}
	}
	ov.ClassesWithActiveSession = len(classes)
	return ov, nil
}

// PendingActions returns overdue active sessions and flagged records awaiting review.
func (e *Engine) PendingActions(ctx context.Context, p auth.Principal) (*PendingActions, error) {
	if err := auth.RequireCapability(p, auth.ActionAdminPendingActions); err != nil {
		return nil, err
	}
	active, err := e.store.ListSessions(ctx, SessionFilter{State: StateActive})
	if err != nil {
		return nil, e.storeErr(err)
	}
	flagged, err := e.store.ListFlaggedRecords(ctx, pendingFlaggedLimit)
	if err != nil {
		return nil, e.storeErr(err)
	}

	now := e.clock.Now()
	pa := &PendingActions{OverdueSessions: []*Session{}, FlaggedRecords: flagged}
	if pa.FlaggedRecords == nil {
		pa.FlaggedRecords = []*Record{}
	}
	for _, s := range active {
		limit := s.AutoAbsent()
		if limit == 0 {
			limit = e.defaults.OverdueAfter
		}
		if limit > 0 && now.Sub(s.StartedAt) > limit {
			pa.OverdueSessions = append(pa.OverdueSessions, s)
		}
	}
	sortSessions(pa.OverdueSessions)
	return pa, nil
}

// ActiveSessions lists every active session across classes.
func (e *Engine) ActiveSessions(ctx context.Context, p auth.Principal) ([]*Session, error) {
	if err := auth.RequireCapability(p, auth.ActionAdminActiveSessions); err != nil {
		return nil, err
	}
	active, err := e.store.ListSessions(ctx, SessionFilter{State: StateActive})
	if err != nil {
		return nil, e.storeErr(err)
	}
	sortSessions(active)
	return active, nil
}

func sortSessions(sessions []*Session) {
	slices.SortFunc(sessions, func(a, b *Session) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
