package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrClassNotFound    = errors.New("class not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrRecordExists     = errors.New("attendance record already exists")
	ErrRecordNotFound   = errors.New("attendance record not found")
	ErrQRRotated        = errors.New("session qr code changed")
)

// ErrActiveSessionExists matches any *ActiveSessionExistsError under errors.Is.
var ErrActiveSessionExists = errors.New("class already has an active session")

// ActiveSessionExistsError is returned by Store.CreateSession when the class already has an active session.
type ActiveSessionExistsError struct {
	ClassID   string
	SessionID string
}

func (e *ActiveSessionExistsError) Error() string {
	return fmt.Sprintf("class %s already has active session %s", e.ClassID, e.SessionID)
}

func (e *ActiveSessionExistsError) Is(target error) bool { return target == ErrActiveSessionExists }

// SessionFilter narrows ListSessions. Zero values match everything.
type SessionFilter struct {
	ClassID string
	State   State
	From    time.Time
	To      time.Time
}

// Matches reports whether s passes the filter; From/To bound StartedAt inclusively.
func (f SessionFilter) Matches(s *Session) bool {
	if f.ClassID != "" && s.ClassID != f.ClassID {
		return false
	}
	if f.State != "" && s.State != f.State {
		return false
	}
	if !f.From.IsZero() && s.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && s.StartedAt.After(f.To) {
		return false
	}
	return true
}

// Store is the durable home of sessions and records. Every mutating method is a single
// atomic conditional write; implementations must honor these contracts under concurrency:
//
//   - CreateSession fails with *ActiveSessionExistsError when the class has an active session.
//   - RotateQR, InsertRecord and EndSession fail with ErrSessionNotActive unless the session is active.
//   - InsertRecord with a non-empty expectQR fails with ErrQRRotated unless it is still the session's current code.
//   - InsertRecord fails with ErrRecordExists when (session, student) already has a record.
//   - EndSession inserts absent records only for students that still lack one and reports how many it created.
//
// Calls are bounded by the context deadline; the engine never retries.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ActiveSessionForClass(ctx context.Context, classID string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
	RotateQR(ctx context.Context, sessionID, code string, issuedAt time.Time) error
	InsertRecord(ctx context.Context, rec *Record, expectQR string) error
	AddRecordFlag(ctx context.Context, sessionID, studentID string, flag FraudFlag) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time, absentees []*Record) (int, error)
	ListRecords(ctx context.Context, sessionID string) ([]*Record, error)
	ListStudentRecords(ctx context.Context, studentID string) ([]*Record, error)
	ListFlaggedRecords(ctx context.Context, limit int) ([]*Record, error)
	CountRecordsByStatus(ctx context.Context) (map[Status]int, error)
}

// Roster is the read-only view of classes and enrollment owned by the hosting system.
type Roster interface {
	GetClass(ctx context.Context, classID string) (*Class, error)
	EnrolledStudents(ctx context.Context, classID string) ([]string, error)
}
