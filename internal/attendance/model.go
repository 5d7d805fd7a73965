package attendance

import (
	"slices"
	"time"
)

// Method is how a session accepts check-ins.
type Method string

const (
	MethodQR     Method = "qr"
	MethodManual Method = "manual"
	MethodFace   Method = "face"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodQR, MethodManual, MethodFace:
		return true
	}
	return false
}

// State of a session. There is no paused state.
type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

// Status is the outcome recorded for one student in one session.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
	StatusFlagged Status = "flagged"
)

// FraudFlag tags a record with a suspicious check-in circumstance.
type FraudFlag string

const (
	FlagStaleQR            FraudFlag = "STALE_QR"
	FlagImpossibleVelocity FraudFlag = "IMPOSSIBLE_VELOCITY"
	FlagDuplicateAttempt   FraudFlag = "DUPLICATE_ATTEMPT"
)

// StaleQRMode selects what happens to a check-in with a mismatched or expired QR code.
type StaleQRMode string

const (
	// StaleQRReject rejects the attempt and stores nothing except the audit event.
	StaleQRReject StaleQRMode = "reject"
	// StaleQRFlag stores a flagged record for the student and still rejects the attempt.
	StaleQRFlag StaleQRMode = "flag"
)

// Policy is the per-session fraud configuration fixed at start time.
type Policy struct {
	StaleQR               StaleQRMode `json:"staleQr"`
	QRMaxAgeSeconds       int         `json:"qrMaxAgeSeconds,omitempty"`
	VelocityWindowSeconds int         `json:"velocityWindowSeconds,omitempty"`
}

// Session is one teacher-opened attendance window for a class.
type Session struct {
	ID                string     `json:"sessionId"`
	ClassID           string     `json:"classId"`
	TeacherID         string     `json:"teacherId"`
	Method            Method     `json:"method"`
	State             State      `json:"state"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	LateAfterMinutes  int        `json:"lateAfterMinutes"`
	AutoAbsentMinutes int        `json:"autoAbsentMinutes,omitempty"`
	FaceRequired      bool       `json:"faceRequired"`
	RoomNumber        string     `json:"roomNumber,omitempty"`
	BuildingName      string     `json:"buildingName,omitempty"`
	CurrentQRCode     string     `json:"currentQrCode,omitempty"`
	QRIssuedAt        *time.Time `json:"qrIssuedAt,omitempty"`
	Policy            Policy     `json:"policy"`
}

// Active reports whether the session still accepts mutations.
func (s *Session) Active() bool { return s.State == StateActive }

// LateAfter is the grace period after which marks count as late.
func (s *Session) LateAfter() time.Duration {
	return time.Duration(s.LateAfterMinutes) * time.Minute
}

// AutoAbsent is the window after which marks are refused; zero means unbounded.
func (s *Session) AutoAbsent() time.Duration {
	return time.Duration(s.AutoAbsentMinutes) * time.Minute
}

// PublicView strips the live QR code. Only the staff session view and QR rotation hand the code out.
func (s Session) PublicView() Session {
	s.CurrentQRCode = ""
	s.QRIssuedAt = nil
	return s
}

// Record is one student's check-in outcome within a session.
type Record struct {
	SessionID    string      `json:"sessionId"`
	StudentID    string      `json:"studentId"`
	Method       Method      `json:"method"`
	MarkedAt     time.Time   `json:"markedAt"`
	Status       Status      `json:"status"`
	FaceVerified bool        `json:"faceVerified"`
	FraudFlags   []FraudFlag `json:"fraudFlags"`
	SourceQRCode string      `json:"sourceQrCode,omitempty"`
	DeviceID     string      `json:"deviceId,omitempty"`
	MarkedBy     string      `json:"markedBy,omitempty"`
}

// HasFlags reports whether the record carries any fraud flag.
func (r *Record) HasFlags() bool { return len(r.FraudFlags) > 0 }

// AddFlag inserts f keeping FraudFlags sorted and unique. It reports whether the set changed.
func (r *Record) AddFlag(f FraudFlag) bool {
	if slices.Contains(r.FraudFlags, f) {
		return false
	}
	r.FraudFlags = append(r.FraudFlags, f)
	slices.Sort(r.FraudFlags)
	return true
}

// Class is the roster view of a class: its owner and name.
type Class struct {
	ID        string `json:"classId"`
	TeacherID string `json:"teacherId"`
	Name      string `json:"name,omitempty"`
}
