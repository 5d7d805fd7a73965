package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Repository implements Store and Roster on Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, class_id, teacher_id, method, state, started_at, ended_at,
	late_after_minutes, auto_absent_minutes, face_required, room_number, building_name,
	current_qr_code, qr_issued_at, stale_qr_policy, qr_max_age_seconds, velocity_window_seconds`

const recordColumns = `session_id, student_id, method, marked_at, status, face_verified,
	fraud_flags, source_qr_code, device_id, marked_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.ClassID, &s.TeacherID, &s.Method, &s.State, &s.StartedAt, &s.EndedAt,
		&s.LateAfterMinutes, &s.AutoAbsentMinutes, &s.FaceRequired, &s.RoomNumber, &s.BuildingName,
		&s.CurrentQRCode, &s.QRIssuedAt, &s.Policy.StaleQR, &s.Policy.QRMaxAgeSeconds, &s.Policy.VelocityWindowSeconds); err != nil {
		return nil, err
	}
	return &s, nil
}

// scanRecord reads one record row. types decodes the fraud_flags array and is not safe for concurrent use.
func scanRecord(row scanner, types *pgtype.Map) (*Record, error) {
	var rec Record
	var flags []string
	if err := row.Scan(&rec.SessionID, &rec.StudentID, &rec.Method, &rec.MarkedAt, &rec.Status, &rec.FaceVerified,
		types.SQLScanner(&flags), &rec.SourceQRCode, &rec.DeviceID, &rec.MarkedBy); err != nil {
		return nil, err
	}
	rec.FraudFlags = make([]FraudFlag, 0, len(flags))
	for _, f := range flags {
		rec.FraudFlags = append(rec.FraudFlags, FraudFlag(f))
	}
	slices.Sort(rec.FraudFlags)
	return &rec, nil
}

func flagStrings(flags []FraudFlag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}

// validID rejects ids that cannot name a session row; they are simply not found.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GetClass implements Roster.
func (r *Repository) GetClass(ctx context.Context, classID string) (*Class, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, teacher_id, name FROM classes WHERE id = $1`, classID)
	var c Class
	if err := row.Scan(&c.ID, &c.TeacherID, &c.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClassNotFound
		}
		return nil, mapPostgresError(err)
	}
	return &c, nil
}

// EnrolledStudents implements Roster.
func (r *Repository) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	if _, err := r.GetClass(ctx, classID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT student_id FROM class_students WHERE class_id = $1 ORDER BY student_id
	`, classID)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, id)
	}
	return out, mapPostgresError(rows.Err())
}

// UpsertClass creates or updates a class and replaces its enrollment. Roster management belongs
// to the hosting system; this exists for seeding and tests.
func (r *Repository) UpsertClass(ctx context.Context, c Class, students ...string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPostgresError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO classes (id, teacher_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET teacher_id = EXCLUDED.teacher_id, name = EXCLUDED.name
	`, c.ID, c.TeacherID, c.Name); err != nil {
		return mapPostgresError(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM class_students WHERE class_id = $1`, c.ID); err != nil {
		return mapPostgresError(err)
	}
	for _, s := range students {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO class_students (class_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, c.ID, s); err != nil {
			return mapPostgresError(err)
		}
	}
	return mapPostgresError(tx.Commit())
}

// CreateSession implements Store. The partial unique index on active sessions enforces one
// active session per class.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return createOnce(s.ClassID,
		func() error { return r.insertSession(ctx, s) },
		func() (*Session, error) { return r.ActiveSessionForClass(ctx, s.ClassID) },
	)
}

// createOnce runs insert and resolves an active-session conflict through lookup. The insert is
// retried once when the conflicting session ended before it could be looked up.
func createOnce(classID string, insert func() error, lookup func() (*Session, error)) error {
	for attempt := 0; ; attempt++ {
		err := insert()
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err, activeSessionIndex) {
			return mapPostgresError(err)
		}
		existing, lerr := lookup()
		if errors.Is(lerr, ErrSessionNotFound) && attempt == 0 {
			continue
		}
		if lerr != nil {
			return fmt.Errorf("resolve conflicting session: %w", lerr)
		}
		return &ActiveSessionExistsError{ClassID: classID, SessionID: existing.ID}
	}
}

func (r *Repository) insertSession(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, s.ID, s.ClassID, s.TeacherID, s.Method, s.State, s.StartedAt, s.EndedAt,
		s.LateAfterMinutes, s.AutoAbsentMinutes, s.FaceRequired, s.RoomNumber, s.BuildingName,
		s.CurrentQRCode, s.QRIssuedAt, s.Policy.StaleQR, s.Policy.QRMaxAgeSeconds, s.Policy.VelocityWindowSeconds)
	return err
}

// GetSession implements Store.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if !validID(sessionID) {
		return nil, ErrSessionNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, mapPostgresError(err)
	}
	return s, nil
}

// ActiveSessionForClass implements Store.
func (r *Repository) ActiveSessionForClass(ctx context.Context, classID string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE class_id = $1 AND state = 'active'
	`, classID)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, mapPostgresError(err)
	}
	return s, nil
}

// ListSessions implements Store.
func (r *Repository) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	clauses := []string{}
	if filter.ClassID != "" {
		args = append(args, filter.ClassID)
		clauses = append(clauses, fmt.Sprintf("class_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, filter.State)
		clauses = append(clauses, fmt.Sprintf("state = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		clauses = append(clauses, fmt.Sprintf("started_at >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		clauses = append(clauses, fmt.Sprintf("started_at <= $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, s)
	}
	return out, mapPostgresError(rows.Err())
}

// RotateQR implements Store.
func (r *Repository) RotateQR(ctx context.Context, sessionID, code string, issuedAt time.Time) error {
	if !validID(sessionID) {
		return ErrSessionNotFound
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET current_qr_code = $2, qr_issued_at = $3
		WHERE id = $1 AND state = 'active'
	`, sessionID, code, issuedAt)
	if err != nil {
		return mapPostgresError(err)
	}
	return r.expectActive(ctx, r.db, sessionID, res)
}

// InsertRecord implements Store. The session row is share-locked so a concurrent end or QR
// rotation cannot slip between the checks and the insert.
func (r *Repository) InsertRecord(ctx context.Context, rec *Record, expectQR string) error {
	if !validID(rec.SessionID) {
		return ErrSessionNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapPostgresError(err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := lockActive(ctx, tx, rec.SessionID, "FOR SHARE")
	if err != nil {
		return err
	}
	if expectQR != "" && current != expectQR {
		return ErrQRRotated
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, rec.SessionID, rec.StudentID, rec.Method, rec.MarkedAt, rec.Status, rec.FaceVerified,
		flagStrings(rec.FraudFlags), rec.SourceQRCode, rec.DeviceID, rec.MarkedBy)
	if err != nil {
		return mapPostgresError(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return mapPostgresError(err)
	} else if n == 0 {
		return ErrRecordExists
	}
	return mapPostgresError(tx.Commit())
}

// AddRecordFlag implements Store.
func (r *Repository) AddRecordFlag(ctx context.Context, sessionID, studentID string, flag FraudFlag) error {
	if !validID(sessionID) {
		return ErrRecordNotFound
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET fraud_flags = CASE WHEN $3 = ANY(fraud_flags) THEN fraud_flags ELSE array_append(fraud_flags, $3) END
		WHERE session_id = $1 AND student_id = $2
	`, sessionID, studentID, string(flag))
	if err != nil {
		return mapPostgresError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPostgresError(err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// EndSession implements Store.
func (r *Repository) EndSession(ctx context.Context, sessionID string, endedAt time.Time, absentees []*Record) (int, error) {
	if !validID(sessionID) {
		return 0, ErrSessionNotFound
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET state = 'ended', ended_at = $2
		WHERE id = $1 AND state = 'active'
	`, sessionID, endedAt)
	if err != nil {
		return 0, mapPostgresError(err)
	}
	if err := r.expectActive(ctx, tx, sessionID, res); err != nil {
		return 0, err
	}

	created := 0
	for _, rec := range absentees {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attendance_records (`+recordColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (session_id, student_id) DO NOTHING
		`, sessionID, rec.StudentID, rec.Method, rec.MarkedAt, rec.Status, rec.FaceVerified,
			flagStrings(rec.FraudFlags), rec.SourceQRCode, rec.DeviceID, rec.MarkedBy)
		if err != nil {
			return 0, mapPostgresError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, mapPostgresError(err)
		}
		created += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, mapPostgresError(err)
	}
	return created, nil
}

// ListRecords implements Store.
func (r *Repository) ListRecords(ctx context.Context, sessionID string) ([]*Record, error) {
	if !validID(sessionID) {
		return nil, nil
	}
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE session_id = $1 ORDER BY marked_at, student_id
	`, sessionID)
}

// ListStudentRecords implements Store.
func (r *Repository) ListStudentRecords(ctx context.Context, studentID string) ([]*Record, error) {
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE student_id = $1 ORDER BY marked_at, session_id
	`, studentID)
}

// ListFlaggedRecords implements Store.
func (r *Repository) ListFlaggedRecords(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE cardinality(fraud_flags) > 0
		ORDER BY marked_at, session_id, student_id
		LIMIT $1
	`, limit)
}

// CountRecordsByStatus implements Store.
func (r *Repository) CountRecordsByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM attendance_records GROUP BY status`)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	counts := map[Status]int{}
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, mapPostgresError(err)
		}
		counts[st] = n
	}
	return counts, mapPostgresError(rows.Err())
}

// InsertAuditEvent persists an audit event. Replays of the same event id are ignored.
func (r *Repository) InsertAuditEvent(ctx context.Context, evt AuditEvent) error {
	var sessionID any
	if validID(evt.SessionID) {
		sessionID = evt.SessionID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, session_id, class_id, student_id, actor_id, code, status, flags, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.Type, sessionID, evt.ClassID, evt.StudentID, evt.ActorID, evt.Code, evt.Status,
		flagStrings(evt.Flags), evt.At)
	return mapPostgresError(err)
}

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	defer rows.Close()
	types := pgtype.NewMap()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows, types)
		if err != nil {
			return nil, mapPostgresError(err)
		}
		out = append(out, rec)
	}
	return out, mapPostgresError(rows.Err())
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// expectActive turns a zero-row conditional update into ErrSessionNotFound or ErrSessionNotActive.
func (r *Repository) expectActive(ctx context.Context, q queryer, sessionID string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapPostgresError(err)
	}
	if n > 0 {
		return nil
	}
	var state State
	if err := q.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = $1`, sessionID).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return mapPostgresError(err)
	}
	return ErrSessionNotActive
}

// lockActive locks the session row and returns its current QR code.
func lockActive(ctx context.Context, tx *sql.Tx, sessionID, lock string) (string, error) {
	var (
		state State
		code  string
	)
	err := tx.QueryRowContext(ctx, `SELECT state, current_qr_code FROM sessions WHERE id = $1 `+lock, sessionID).Scan(&state, &code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSessionNotFound
		}
		return "", mapPostgresError(err)
	}
	if state != StateActive {
		return "", ErrSessionNotActive
	}
	return code, nil
}
