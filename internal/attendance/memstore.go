package attendance

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store and Roster in memory, for development and tests.
// Data is lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	sessions      map[string]*Session           // session_id -> Session
	activeByClass map[string]string             // class_id -> active session_id
	records       map[string]map[string]*Record // session_id -> student_id -> Record
	classes       map[string]*Class
	enrollment    map[string][]string // class_id -> student ids
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]*Session),
		activeByClass: make(map[string]string),
		records:       make(map[string]map[string]*Record),
		classes:       make(map[string]*Class),
		enrollment:    make(map[string][]string),
	}
}

// AddClass registers a class and its enrolled students, replacing any previous roster.
func (m *MemoryStore) AddClass(c Class, students ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := c
	m.classes[c.ID] = &clone
	m.enrollment[c.ID] = slices.Clone(students)
}

// UpsertClass implements ClassWriter.
func (m *MemoryStore) UpsertClass(_ context.Context, c Class, students ...string) error {
	m.AddClass(c, students...)
	return nil
}

// GetClass implements Roster.
func (m *MemoryStore) GetClass(_ context.Context, classID string) (*Class, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.classes[classID]
	if !ok {
		return nil, ErrClassNotFound
	}
	clone := *c
	return &clone, nil
}

// EnrolledStudents implements Roster.
func (m *MemoryStore) EnrolledStudents(_ context.Context, classID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.classes[classID]; !ok {
		return nil, ErrClassNotFound
	}
	return slices.Clone(m.enrollment[classID]), nil
}

// CreateSession implements Store.
func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.State == StateActive {
		if existing, ok := m.activeByClass[s.ClassID]; ok {
			return &ActiveSessionExistsError{ClassID: s.ClassID, SessionID: existing}
		}
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = cloneSession(s)
	if s.State == StateActive {
		m.activeByClass[s.ClassID] = s.ID
	}
	return nil
}

// GetSession implements Store.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// ActiveSessionForClass implements Store.
func (m *MemoryStore) ActiveSessionForClass(_ context.Context, classID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.activeByClass[classID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

// ListSessions implements Store.
func (m *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.sessions {
		if filter.Matches(s) {
			out = append(out, cloneSession(s))
		}
	}
	sortSessions(out)
	return out, nil
}

// RotateQR implements Store.
func (m *MemoryStore) RotateQR(_ context.Context, sessionID, code string, issuedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked(sessionID)
	if err != nil {
		return err
	}
	s.CurrentQRCode = code
	s.QRIssuedAt = &issuedAt
	return nil
}

// InsertRecord implements Store.
func (m *MemoryStore) InsertRecord(_ context.Context, rec *Record, expectQR string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked(rec.SessionID)
	if err != nil {
		return err
	}
	if expectQR != "" && s.CurrentQRCode != expectQR {
		return ErrQRRotated
	}
	byStudent := m.records[rec.SessionID]
	if byStudent == nil {
		byStudent = make(map[string]*Record)
		m.records[rec.SessionID] = byStudent
	}
	if _, exists := byStudent[rec.StudentID]; exists {
		return ErrRecordExists
	}
	byStudent[rec.StudentID] = cloneRecord(rec)
	return nil
}

// AddRecordFlag implements Store. Flagging is allowed on ended sessions so late duplicates stay visible.
func (m *MemoryStore) AddRecordFlag(_ context.Context, sessionID, studentID string, flag FraudFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[sessionID][studentID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.AddFlag(flag)
	return nil
}

// EndSession implements Store.
func (m *MemoryStore) EndSession(_ context.Context, sessionID string, endedAt time.Time, absentees []*Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.activeLocked(sessionID)
	if err != nil {
		return 0, err
	}
	s.State = StateEnded
	s.EndedAt = &endedAt
	delete(m.activeByClass, s.ClassID)

	byStudent := m.records[sessionID]
	if byStudent == nil {
		byStudent = make(map[string]*Record)
		m.records[sessionID] = byStudent
	}
	created := 0
	for _, rec := range absentees {
		if _, exists := byStudent[rec.StudentID]; exists {
			continue
		}
		byStudent[rec.StudentID] = cloneRecord(rec)
		created++
	}
	return created, nil
}

// ListRecords implements Store.
func (m *MemoryStore) ListRecords(_ context.Context, sessionID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records[sessionID]))
	for _, r := range m.records[sessionID] {
		out = append(out, cloneRecord(r))
	}
	sortRecords(out)
	return out, nil
}

// ListStudentRecords implements Store.
func (m *MemoryStore) ListStudentRecords(_ context.Context, studentID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, byStudent := range m.records {
		if r, ok := byStudent[studentID]; ok {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

// ListFlaggedRecords implements Store.
func (m *MemoryStore) ListFlaggedRecords(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	for _, byStudent := range m.records {
		for _, r := range byStudent {
			if r.HasFlags() {
				out = append(out, cloneRecord(r))
			}
		}
	}
	sortRecords(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountRecordsByStatus implements Store.
func (m *MemoryStore) CountRecordsByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[Status]int{}
	for _, byStudent := range m.records {
		for _, r := range byStudent {
			counts[r.Status]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) activeLocked(sessionID string) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !s.Active() {
		return nil, ErrSessionNotActive
	}
	return s, nil
}

func sortRecords(records []*Record) {
	slices.SortFunc(records, func(a, b *Record) int {
		return cmp.Or(
			a.MarkedAt.Compare(b.MarkedAt),
			cmp.Compare(a.SessionID, b.SessionID),
			cmp.Compare(a.StudentID, b.StudentID),
		)
	})
}

func cloneSession(s *Session) *Session {
	clone := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		clone.EndedAt = &t
	}
	if s.QRIssuedAt != nil {
		t := *s.QRIssuedAt
		clone.QRIssuedAt = &t
	}
	return &clone
}

func cloneRecord(r *Record) *Record {
	clone := *r
	clone.FraudFlags = slices.Clone(r.FraudFlags)
	if clone.FraudFlags == nil {
		clone.FraudFlags = []FraudFlag{}
	}
	return &clone
}
