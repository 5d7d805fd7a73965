package attendance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"classattend/internal/apperr"
)

func qrSession() *Session {
	issued := t0
	return &Session{
		ID:                "s",
		Method:            MethodQR,
		State:             StateActive,
		StartedAt:         t0,
		LateAfterMinutes:  10,
		AutoAbsentMinutes: 20,
		CurrentQRCode:     "ABC",
		QRIssuedAt:        &issued,
		Policy:            Policy{StaleQR: StaleQRReject},
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Session)
		at      time.Duration
		prior   []*Record
		ev      Evidence
		status  Status
		flags   []FraudFlag
		code    apperr.Code
		persist bool
	}{
		{
			name: "present", at: time.Minute,
			ev:     Evidence{StudentID: "a", Method: MethodQR, QRCode: "ABC"},
			status: StatusPresent, persist: true,
		},
		{
			name: "late", at: 11 * time.Minute,
			ev:     Evidence{StudentID: "a", Method: MethodQR, QRCode: "ABC"},
			status: StatusLate, persist: true,
		},
		{
			name: "duplicate wins over everything", at: time.Hour,
			prior: []*Record{{StudentID: "a"}},
			ev:    Evidence{StudentID: "a", Method: MethodFace, QRCode: "nope"},
			code:  apperr.CodeDuplicateAttempt,
		},
		{
			name: "window closed before stale qr", at: 21 * time.Minute,
			ev:   Evidence{StudentID: "a", Method: MethodQR, QRCode: "nope"},
			code: apperr.CodeSessionWindowClosed,
		},
		{
			name: "empty code is stale", at: time.Minute,
			ev:   Evidence{StudentID: "a", Method: MethodQR},
			code: apperr.CodeStaleQR,
		},
		{
			name:   "expired code is stale",
			mutate: func(s *Session) { s.Policy.QRMaxAgeSeconds = 30 },
			at:     time.Minute,
			ev:     Evidence{StudentID: "a", Method: MethodQR, QRCode: "ABC"},
			code:   apperr.CodeStaleQR,
		},
		{
			name:   "flag mode persists stale",
			mutate: func(s *Session) { s.Policy.StaleQR = StaleQRFlag },
			at:     time.Minute,
			ev:     Evidence{StudentID: "a", Method: MethodQR, QRCode: "XYZ"},
			status: StatusFlagged, flags: []FraudFlag{FlagStaleQR}, code: apperr.CodeStaleQR, persist: true,
		},
		{
			name: "manual skips qr", at: time.Minute,
			ev:     Evidence{StudentID: "a", Method: MethodManual},
			status: StatusPresent, persist: true,
		},
		{
			name:   "face method needs verification",
			mutate: func(s *Session) { s.Method = MethodFace },
			at:     time.Minute,
			ev:     Evidence{StudentID: "a", Method: MethodFace},
			code:   apperr.CodeFaceVerificationRequired,
		},
		{
			name:   "unbounded window",
			mutate: func(s *Session) { s.AutoAbsentMinutes = 0 },
			at:     3 * time.Hour,
			ev:     Evidence{StudentID: "a", Method: MethodQR, QRCode: "ABC"},
			status: StatusLate, persist: true,
		},
		{
			name:   "velocity",
			mutate: func(s *Session) { s.Policy.VelocityWindowSeconds = 10 },
			at:     time.Minute,
			prior:  []*Record{{StudentID: "b", DeviceID: "d1", MarkedAt: t0.Add(55 * time.Second)}},
			ev:     Evidence{StudentID: "a", Method: MethodQR, QRCode: "ABC", DeviceID: "d1"},
			status: StatusPresent, flags: []FraudFlag{FlagImpossibleVelocity}, persist: true,
		},
		{
			name:   "velocity keeps lateness",
			mutate: func(s *Session) { s.Policy.VelocityWindowSeconds = 10 },
			at:     15 * time.Minute,
			prior:  []*Record{{StudentID: "b", DeviceID: "d1", MarkedAt: t0.Add(15*time.Minute - 5*time.Second)}},
			ev:     Evidence{StudentID: "a", Method: MethodQR, QRCode: "ABC", DeviceID: "d1"},
			status: StatusLate, flags: []FraudFlag{FlagImpossibleVelocity}, persist: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := qrSession()
			if tc.mutate != nil {
				tc.mutate(s)
			}
			d := Decide(s, t0.Add(tc.at), tc.prior, tc.ev)
			if tc.code != "" {
				require.NotNil(t, d.Reject)
				require.Equal(t, tc.code, d.Reject.Code)
			} else {
				require.Nil(t, d.Reject)
			}
			require.Equal(t, tc.persist, d.Persist)
			if tc.persist {
				require.Equal(t, tc.status, d.Status)
				require.Equal(t, tc.flags, d.Flags)
			}
		})
	}
}

func TestDecideIsPure(t *testing.T) {
	s := qrSession()
	ev := Evidence{StudentID: "a", Method: MethodQR, QRCode: "ABC"}
	first := Decide(s, t0.Add(time.Minute), nil, ev)
	second := Decide(s, t0.Add(time.Minute), nil, ev)
	require.Equal(t, first, second)
	require.Equal(t, "ABC", s.CurrentQRCode)
}
