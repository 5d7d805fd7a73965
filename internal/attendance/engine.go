package attendance

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"classattend/internal/apperr"
	"classattend/internal/auth"
)

// Defaults fill the start parameters a caller leaves unset.
type Defaults struct {
	LateAfterMinutes  int
	AutoAbsentMinutes int
	Policy            Policy
	// OverdueAfter marks unbounded active sessions as pending an end once they are this old.
	OverdueAfter time.Duration
}

// Engine runs the session state machine. It holds no session state: every call re-reads
// the store and applies its change with one conditional write.
type Engine struct {
	store    Store
	roster   Roster
	clock    Clock
	qr       QRGenerator
	audit    AuditSink
	defaults Defaults
	log      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the system clock.
func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

// WithQRGenerator overrides the crypto/rand token generator.
func WithQRGenerator(g QRGenerator) Option { return func(e *Engine) { e.qr = g } }

// WithAuditSink sets where audit events go.
func WithAuditSink(s AuditSink) Option { return func(e *Engine) { e.audit = s } }

// WithDefaults sets start defaults.
func WithDefaults(d Defaults) Option { return func(e *Engine) { e.defaults = d } }

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.log = l } }

// NewEngine creates an engine over a store and roster.
func NewEngine(store Store, roster Roster, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		roster: roster,
		clock:  SystemClock{},
		qr:     NewRandomQRGenerator(0),
		audit:  NopSink{},
		defaults: Defaults{
			LateAfterMinutes: 10,
			Policy:           Policy{StaleQR: StaleQRReject},
			OverdueAfter:     4 * time.Hour,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartRequest carries the parameters of a new session. Nil pointers take the engine defaults.
type StartRequest struct {
	ClassID           string
	Method            Method
	LateAfterMinutes  *int
	AutoAbsentMinutes *int
	FaceRequired      bool
	RoomNumber        string
	BuildingName      string
	Policy            *Policy
}

// Start opens a new active session for a class.
func (e *Engine) Start(ctx context.Context, p auth.Principal, req StartRequest) (*Session, error) {
	if err := auth.RequireCapability(p, auth.ActionStartSession); err != nil {
		return nil, err
	}

	s, err := e.newSession(req)
	if err != nil {
		return nil, err
	}

	class, err := e.class(ctx, req.ClassID)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(p, auth.ActionStartSession, auth.Resource{ClassTeacherID: class.TeacherID}); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	s.TeacherID = class.TeacherID
	s.StartedAt = now
	if s.Method == MethodQR {
		code, err := e.qr.NewCode()
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "generate qr code")
		}
		s.CurrentQRCode = code
		s.QRIssuedAt = &now
	}

	if err := e.store.CreateSession(ctx, s); err != nil {
		var conflict *ActiveSessionExistsError
		if errors.As(err, &conflict) {
			return nil, &apperr.Error{
				Kind:              apperr.KindConflict,
				Code:              apperr.CodeSessionAlreadyActive,
				Message:           fmt.Sprintf("class %s already has an active session", s.ClassID),
				ExistingSessionID: conflict.SessionID,
			}
		}
		return nil, e.storeErr(err)
	}

	e.log.Info().
		Str("session_id", s.ID).
		Str("class_id", s.ClassID).
		Str("method", string(s.Method)).
		Msg("session started")
	e.audit.Record(ctx, newEvent(EventSessionStarted, s, p.ID, now))

	return s, nil
}

func (e *Engine) newSession(req StartRequest) (*Session, error) {
	if req.ClassID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "class id required")
	}
	method := req.Method
	if method == "" {
		method = MethodQR
	}
	if !method.Valid() {
		return nil, apperr.New(apperr.CodeInvalidArgument, "unknown method %q", req.Method)
	}

	late := e.defaults.LateAfterMinutes
	if req.LateAfterMinutes != nil {
		late = *req.LateAfterMinutes
	}
	autoAbsent := e.defaults.AutoAbsentMinutes
	if req.AutoAbsentMinutes != nil {
		autoAbsent = *req.AutoAbsentMinutes
	}
	if late < 0 || autoAbsent < 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "minute thresholds must not be negative")
	}
	if autoAbsent > 0 && autoAbsent <= late {
		return nil, apperr.New(apperr.CodeInvalidArgument, "autoAbsentMinutes (%d) must exceed lateAfterMinutes (%d)", autoAbsent, late)
	}

	policy := e.defaults.Policy
	if req.Policy != nil {
		policy = *req.Policy
	}
	if policy.StaleQR == "" {
		policy.StaleQR = StaleQRReject
	}
	if policy.StaleQR != StaleQRReject && policy.StaleQR != StaleQRFlag {
		return nil, apperr.New(apperr.CodeInvalidArgument, "unknown stale qr policy %q", policy.StaleQR)
	}
	if policy.QRMaxAgeSeconds < 0 || policy.VelocityWindowSeconds < 0 {
		return nil, apperr.New(apperr.CodeInvalidArgument, "policy windows must not be negative")
	}

	return &Session{
		ClassID:           req.ClassID,
		Method:            method,
		State:             StateActive,
		LateAfterMinutes:  late,
		AutoAbsentMinutes: autoAbsent,
		FaceRequired:      req.FaceRequired,
		RoomNumber:        req.RoomNumber,
		BuildingName:      req.BuildingName,
		Policy:            policy,
	}, nil
}

// RefreshQR rotates the session's QR code, invalidating the previous one.
func (e *Engine) RefreshQR(ctx context.Context, p auth.Principal, sessionID string) (*Session, error) {
	s, err := e.authorizedSession(ctx, p, auth.ActionRefreshQR, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, notActive(s)
	}
	if s.Method != MethodQR {
		return nil, apperr.New(apperr.CodeMethodNotAllowed, "session %s does not use qr codes", s.ID)
	}

	code, err := e.qr.NewCode()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "generate qr code")
	}
	now := e.clock.Now()
	if err := e.store.RotateQR(ctx, s.ID, code, now); err != nil {
		if errors.Is(err, ErrSessionNotActive) {
			return nil, notActive(s)
		}
		return nil, e.storeErr(err)
	}
	s.CurrentQRCode = code
	s.QRIssuedAt = &now

	e.log.Debug().Str("session_id", s.ID).Msg("qr code rotated")
	e.audit.Record(ctx, newEvent(EventQRRefreshed, s, p.ID, now))

	return s, nil
}

// MarkRequest is one check-in attempt. Students always mark themselves; staff mark others
// with method manual.
type MarkRequest struct {
	SessionID    string
	StudentID    string
	Method       Method
	QRCode       string
	FaceVerified bool
	DeviceID     string
}

// MarkAttendance validates an attempt and stores the resulting record.
func (e *Engine) MarkAttendance(ctx context.Context, p auth.Principal, req MarkRequest) (*Record, error) {
	action := auth.ActionMarkSelf
	if p.IsStaff() {
		action = auth.ActionMarkManual
		if req.Method == "" {
			req.Method = MethodManual
		}
		if req.Method != MethodManual {
			return nil, apperr.New(apperr.CodeInvalidArgument, "staff marks must use the manual method")
		}
	} else {
		if req.StudentID == "" {
			req.StudentID = p.ID
		}
		if req.Method == MethodManual {
			action = auth.ActionMarkManual
		}
	}
	if err := auth.RequireCapability(p, action); err != nil {
		return nil, err
	}
	if req.StudentID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "student id required")
	}

	s, err := e.session(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.Method == "" {
		req.Method = s.Method
	}
	if !req.Method.Valid() {
		return nil, apperr.New(apperr.CodeInvalidArgument, "unknown method %q", req.Method)
	}
	res := auth.Resource{ClassTeacherID: s.TeacherID, SubjectID: req.StudentID}
	if err := auth.Authorize(p, action, res); err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, notActive(s)
	}

	enrolled, err := e.enrolled(ctx, s.ClassID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(enrolled, req.StudentID) {
		return nil, apperr.New(apperr.CodeNotEnrolled, "student %s is not enrolled in class %s", req.StudentID, s.ClassID)
	}

	prior, err := e.store.ListRecords(ctx, s.ID)
	if err != nil {
		return nil, e.storeErr(err)
	}

	now := e.clock.Now()
	ev := Evidence{
		StudentID:    req.StudentID,
		Method:       req.Method,
		QRCode:       req.QRCode,
		FaceVerified: req.FaceVerified,
		DeviceID:     req.DeviceID,
	}
	d := Decide(s, now, prior, ev)

	if d.Reject != nil && !d.Persist {
		if errors.Is(d.Reject, apperr.ErrDuplicateAttempt) {
			if err := e.flagDuplicate(ctx, s, req.StudentID); err != nil {
				return nil, err
			}
		}
		e.rejected(ctx, s, p, req.StudentID, d.Reject, nil, now)
		return nil, d.Reject
	}

	rec := &Record{
		SessionID:    s.ID,
		StudentID:    req.StudentID,
		Method:       req.Method,
		MarkedAt:     now,
		Status:       d.Status,
		FaceVerified: req.FaceVerified,
		FraudFlags:   d.Flags,
		DeviceID:     req.DeviceID,
		MarkedBy:     p.ID,
	}
	if req.Method == MethodQR {
		rec.SourceQRCode = req.QRCode
	}

	expectQR := ""
	if req.Method == MethodQR && d.Reject == nil {
		expectQR = s.CurrentQRCode
	}
	err = e.store.InsertRecord(ctx, rec, expectQR)
	if errors.Is(err, ErrQRRotated) {
		// The code was rotated after the session was read.
		d.Reject = apperr.New(apperr.CodeStaleQR, "qr code is not the session's current code")
		if s.Policy.StaleQR != StaleQRFlag {
			e.rejected(ctx, s, p, req.StudentID, d.Reject, nil, now)
			return nil, d.Reject
		}
		rec.Status = StatusFlagged
		rec.FraudFlags = []FraudFlag{FlagStaleQR}
		err = e.store.InsertRecord(ctx, rec, "")
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrRecordExists):
			// Lost the race to a concurrent mark for the same student.
			if err := e.flagDuplicate(ctx, s, req.StudentID); err != nil {
				return nil, err
			}
			dup := apperr.New(apperr.CodeDuplicateAttempt, "student %s already has a record for this session", req.StudentID)
			e.rejected(ctx, s, p, req.StudentID, dup, nil, now)
			return nil, dup
		case errors.Is(err, ErrSessionNotActive):
			return nil, notActive(s)
		default:
			return nil, e.storeErr(err)
		}
	}

	if d.Reject != nil {
		e.rejected(ctx, s, p, req.StudentID, d.Reject, rec, now)
		return nil, d.Reject
	}

	e.log.Debug().
		Str("session_id", s.ID).
		Str("student_id", rec.StudentID).
		Str("status", string(rec.Status)).
		Msg("attendance marked")
	evt := newEvent(EventAttendanceMarked, s, p.ID, now)
	evt.StudentID = rec.StudentID
	evt.Status = rec.Status
	evt.Flags = rec.FraudFlags
	e.audit.Record(ctx, evt)

	return rec, nil
}

func (e *Engine) flagDuplicate(ctx context.Context, s *Session, studentID string) error {
	if err := e.store.AddRecordFlag(ctx, s.ID, studentID, FlagDuplicateAttempt); err != nil {
		return e.storeErr(err)
	}
	return nil
}

func (e *Engine) rejected(ctx context.Context, s *Session, p auth.Principal, studentID string, cause *apperr.Error, rec *Record, at time.Time) {
	e.log.Debug().
		Str("session_id", s.ID).
		Str("student_id", studentID).
		Str("code", string(cause.Code)).
		Msg("attendance rejected")
	evt := newEvent(EventAttendanceRejected, s, p.ID, at)
	evt.StudentID = studentID
	evt.Code = cause.Code
	switch {
	case rec != nil:
		evt.Status = rec.Status
		evt.Flags = rec.FraudFlags
	case errors.Is(cause, apperr.ErrDuplicateAttempt):
		evt.Flags = []FraudFlag{FlagDuplicateAttempt}
	}
	e.audit.Record(ctx, evt)
}

// Summary is returned by End.
type Summary struct {
	SessionID     string    `json:"sessionId"`
	EndedAt       time.Time `json:"endedAt"`
	Enrolled      int       `json:"enrolled"`
	AbsentCreated int       `json:"absentCreated"`
	Counts
}

// End closes an active session and materializes absent records for unmarked students.
// Ending an ended session is an error.
func (e *Engine) End(ctx context.Context, p auth.Principal, sessionID string) (*Summary, error) {
	s, err := e.authorizedSession(ctx, p, auth.ActionEndSession, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Active() {
		return nil, notActive(s)
	}

	enrolled, err := e.enrolled(ctx, s.ClassID)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.ListRecords(ctx, s.ID)
	if err != nil {
		return nil, e.storeErr(err)
	}

	now := e.clock.Now()
	absentees := sweepAbsent(s, enrolled, existing, p.ID, now)
	created, err := e.store.EndSession(ctx, s.ID, now, absentees)
	if err != nil {
		if errors.Is(err, ErrSessionNotActive) {
			return nil, notActive(s)
		}
		return nil, e.storeErr(err)
	}

	final, err := e.store.ListRecords(ctx, s.ID)
	if err != nil {
		return nil, e.storeErr(err)
	}
	s.State = StateEnded
	s.EndedAt = &now

	summary := &Summary{
		SessionID:     s.ID,
		EndedAt:       now,
		Enrolled:      len(enrolled),
		AbsentCreated: created,
		Counts:        countStatuses(final),
	}

	e.log.Info().
		Str("session_id", s.ID).
		Int("present", summary.Present).
		Int("late", summary.Late).
		Int("absent", summary.Absent).
		Int("flagged", summary.Flagged).
		Msg("session ended")
	e.audit.Record(ctx, newEvent(EventSessionEnded, s, p.ID, now))

	return summary, nil
}

// sweepAbsent builds absent records for enrolled students without a record.
func sweepAbsent(s *Session, enrolled []string, existing []*Record, actorID string, now time.Time) []*Record {
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.StudentID] = true
	}
	var out []*Record
	for _, studentID := range enrolled {
		if seen[studentID] {
			continue
		}
		seen[studentID] = true
		out = append(out, &Record{
			SessionID:  s.ID,
			StudentID:  studentID,
			Method:     s.Method,
			MarkedAt:   now,
			Status:     StatusAbsent,
			FraudFlags: []FraudFlag{},
			MarkedBy:   actorID,
		})
	}
	return out
}

// GetSession returns the full session view, QR code included, to class staff.
func (e *Engine) GetSession(ctx context.Context, p auth.Principal, sessionID string) (*Session, error) {
	return e.authorizedSession(ctx, p, auth.ActionViewSession, sessionID)
}

// ActiveSessionForClass returns the class's active session so a teacher can resolve a start conflict.
func (e *Engine) ActiveSessionForClass(ctx context.Context, p auth.Principal, classID string) (*Session, error) {
	if err := auth.RequireCapability(p, auth.ActionViewSession); err != nil {
		return nil, err
	}
	class, err := e.class(ctx, classID)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(p, auth.ActionViewSession, auth.Resource{ClassTeacherID: class.TeacherID}); err != nil {
		return nil, err
	}
	s, err := e.store.ActiveSessionForClass(ctx, classID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, apperr.New(apperr.CodeSessionNotFound, "class %s has no active session", classID)
		}
		return nil, e.storeErr(err)
	}
	return s, nil
}

func (e *Engine) authorizedSession(ctx context.Context, p auth.Principal, action auth.Action, sessionID string) (*Session, error) {
	if err := auth.RequireCapability(p, action); err != nil {
		return nil, err
	}
	s, err := e.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(p, action, auth.Resource{ClassTeacherID: s.TeacherID}); err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) session(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "session id required")
	}
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, apperr.New(apperr.CodeSessionNotFound, "session %s not found", sessionID)
		}
		return nil, e.storeErr(err)
	}
	return s, nil
}

func (e *Engine) class(ctx context.Context, classID string) (*Class, error) {
	if classID == "" {
		return nil, apperr.New(apperr.CodeInvalidArgument, "class id required")
	}
	c, err := e.roster.GetClass(ctx, classID)
	if err != nil {
		if errors.Is(err, ErrClassNotFound) {
			return nil, apperr.New(apperr.CodeClassNotFound, "class %s not found", classID)
		}
		return nil, e.storeErr(err)
	}
	return c, nil
}

func (e *Engine) enrolled(ctx context.Context, classID string) ([]string, error) {
	students, err := e.roster.EnrolledStudents(ctx, classID)
	if err != nil {
		if errors.Is(err, ErrClassNotFound) {
			return nil, apperr.New(apperr.CodeClassNotFound, "class %s not found", classID)
		}
		return nil, e.storeErr(err)
	}
	return students, nil
}

// storeErr classifies store failures; the engine never retries them.
func (e *Engine) storeErr(err error) error {
	ae := apperr.From(err)
	e.log.Warn().Err(err).Str("code", string(ae.Code)).Msg("store call failed")
	return ae
}

func notActive(s *Session) error {
	return apperr.New(apperr.CodeSessionNotActive, "session %s is %s", s.ID, s.State)
}
