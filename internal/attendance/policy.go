package attendance

import (
	"crypto/subtle"
	"time"

	"classattend/internal/apperr"
)

// Evidence is what a check-in attempt supplies.
type Evidence struct {
	StudentID    string
	Method       Method
	QRCode       string
	FaceVerified bool
	DeviceID     string
}

// Decision is the policy outcome for one attempt. When Reject is set the attempt fails;
// Persist says whether a record is still stored (flagged stale-QR attempts).
type Decision struct {
	Status  Status
	Flags   []FraudFlag
	Reject  *apperr.Error
	Persist bool
}

// Decide classifies a check-in attempt. It is a pure function of its arguments: prior holds
// every record already stored for the session.
func Decide(s *Session, now time.Time, prior []*Record, ev Evidence) Decision {
	for _, r := range prior {
		if r.StudentID == ev.StudentID {
			return reject(apperr.New(apperr.CodeDuplicateAttempt, "student %s already has a record for this session", ev.StudentID))
		}
	}

	if ev.Method != MethodManual && ev.Method != s.Method {
		return reject(apperr.New(apperr.CodeMethodNotAllowed, "session accepts %s check-ins, got %s", s.Method, ev.Method))
	}

	elapsed := now.Sub(s.StartedAt)
	if s.AutoAbsentMinutes > 0 && elapsed > s.AutoAbsent() {
		return reject(apperr.New(apperr.CodeSessionWindowClosed, "check-in window closed %s after start", s.AutoAbsent()))
	}

	if ev.Method == MethodQR && staleQR(s, now, ev.QRCode) {
		err := apperr.New(apperr.CodeStaleQR, "qr code is not the session's current code")
		if s.Policy.StaleQR == StaleQRFlag {
			return Decision{Status: StatusFlagged, Flags: []FraudFlag{FlagStaleQR}, Reject: err, Persist: true}
		}
		return reject(err)
	}

	if ev.Method != MethodManual && (s.FaceRequired || ev.Method == MethodFace) && !ev.FaceVerified {
		return reject(apperr.New(apperr.CodeFaceVerificationRequired, "face verification is required for this session"))
	}

	d := Decision{Status: StatusPresent, Persist: true}
	if elapsed > s.LateAfter() {
		d.Status = StatusLate
	}

	// velocity only flags; the timing status stands
	if velocityHit(s, now, prior, ev) {
		d.Flags = append(d.Flags, FlagImpossibleVelocity)
	}

	return d
}

func reject(err *apperr.Error) Decision {
	return Decision{Reject: err}
}

func staleQR(s *Session, now time.Time, supplied string) bool {
	if supplied == "" || s.CurrentQRCode == "" {
		return true
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.CurrentQRCode)) != 1 {
		return true
	}
	if s.Policy.QRMaxAgeSeconds > 0 && s.QRIssuedAt != nil {
		maxAge := time.Duration(s.Policy.QRMaxAgeSeconds) * time.Second
		if now.Sub(*s.QRIssuedAt) > maxAge {
			return true
		}
	}
	return false
}

// velocityHit reports whether another student checked in from the same device inside the window.
func velocityHit(s *Session, now time.Time, prior []*Record, ev Evidence) bool {
	if s.Policy.VelocityWindowSeconds <= 0 || ev.DeviceID == "" || ev.Method == MethodManual {
		return false
	}
	window := time.Duration(s.Policy.VelocityWindowSeconds) * time.Second
	for _, r := range prior {
		if r.StudentID == ev.StudentID || r.DeviceID != ev.DeviceID {
			continue
		}
		gap := now.Sub(r.MarkedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap <= window {
			return true
		}
	}
	return false
}
