package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"

	"classattend/internal/apperr"
	"classattend/internal/attendance"
	"classattend/internal/auth"
)

// FaceChecker confirms a student's face from an uploaded image.
type FaceChecker interface {
	Check(ctx context.Context, studentID, imageURL string) (bool, error)
}

// Handler binds the attendance engine to HTTP.
type Handler struct {
	engine  *attendance.Engine
	face    FaceChecker
	timeout time.Duration
	log     zerolog.Logger
}

// New creates a handler. face may be nil, in which case clients report faceVerified themselves.
func New(engine *attendance.Engine, face FaceChecker, timeout time.Duration, log zerolog.Logger) *Handler {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Handler{engine: engine, face: face, timeout: timeout, log: log}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/sessions", h.startSession)
	r.GET("/sessions/:id", h.getSession)
	r.POST("/sessions/:id/qr", h.refreshQR)
	r.GET("/sessions/:id/qr.png", h.qrImage)
	r.POST("/sessions/:id/attendance", h.markAttendance)
	r.POST("/sessions/:id/end", h.endSession)
	r.GET("/sessions/:id/stats", h.sessionStats)

	r.GET("/classes/:id/active-session", h.activeSession)
	r.GET("/classes/:id/report", h.classReport)

	r.GET("/me/attendance", h.myAttendance)

	admin := r.Group("/admin")
	admin.GET("/overview", h.adminOverview)
	admin.GET("/pending-actions", h.adminPendingActions)
	admin.GET("/active-sessions", h.adminActiveSessions)
}

type startBody struct {
	ClassID           string             `json:"classId"`
	Method            attendance.Method  `json:"method"`
	LateAfterMinutes  *int               `json:"lateAfterMinutes"`
	AutoAbsentMinutes *int               `json:"autoAbsentMinutes"`
	FaceRequired      bool               `json:"faceRequired"`
	RoomNumber        string             `json:"roomNumber"`
	BuildingName      string             `json:"buildingName"`
	Policy            *attendance.Policy `json:"policy"`
}

func (h *Handler) startSession(c *gin.Context) {
	var body startBody
	if !bind(c, &body) {
		return
	}
	ctx, cancel, p := h.request(c)
	defer cancel()

	s, err := h.engine.Start(ctx, p, attendance.StartRequest{
		ClassID:           body.ClassID,
		Method:            body.Method,
		LateAfterMinutes:  body.LateAfterMinutes,
		AutoAbsentMinutes: body.AutoAbsentMinutes,
		FaceRequired:      body.FaceRequired,
		RoomNumber:        body.RoomNumber,
		BuildingName:      body.BuildingName,
		Policy:            body.Policy,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s)
}

func (h *Handler) getSession(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	s, err := h.engine.GetSession(ctx, p, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) refreshQR(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	s, err := h.engine.RefreshQR(ctx, p, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": s.ID, "qrCode": s.CurrentQRCode, "qrIssuedAt": s.QRIssuedAt})
}

// qrImage renders the current code for projection in the classroom.
func (h *Handler) qrImage(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	s, err := h.engine.GetSession(ctx, p, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !s.Active() {
		writeError(c, apperr.New(apperr.CodeSessionNotActive, "session %s is %s", s.ID, s.State))
		return
	}
	if s.CurrentQRCode == "" {
		writeError(c, apperr.New(apperr.CodeMethodNotAllowed, "session %s does not use qr codes", s.ID))
		return
	}
	png, err := qrcode.Encode(s.CurrentQRCode, qrcode.Medium, 256)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", s.ID).Msg("render qr code")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": "qr render failed"}})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

type markBody struct {
	StudentID    string            `json:"studentId"`
	Method       attendance.Method `json:"method"`
	QRCode       string            `json:"qrCode"`
	FaceVerified bool              `json:"faceVerified"`
	ImageURL     string            `json:"imageUrl"`
	DeviceID     string            `json:"deviceId"`
}

func (h *Handler) markAttendance(c *gin.Context) {
	var body markBody
	if !bind(c, &body) {
		return
	}
	ctx, cancel, p := h.request(c)
	defer cancel()

	faceVerified := body.FaceVerified
	if h.face != nil && !p.IsStaff() {
		// with a face service configured, only its verdict counts
		faceVerified = false
		if body.ImageURL != "" {
			ok, err := h.face.Check(ctx, p.ID, body.ImageURL)
			if err != nil {
				h.log.Warn().Err(err).Str("student_id", p.ID).Msg("face check failed")
				writeError(c, apperr.Wrap(apperr.CodeStoreUnavailable, err, "face verification unavailable"))
				return
			}
			faceVerified = ok
		}
	}

	rec, err := h.engine.MarkAttendance(ctx, p, attendance.MarkRequest{
		SessionID:    c.Param("id"),
		StudentID:    body.StudentID,
		Method:       body.Method,
		QRCode:       body.QRCode,
		FaceVerified: faceVerified,
		DeviceID:     body.DeviceID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) endSession(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	sum, err := h.engine.End(ctx, p, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) sessionStats(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	st, err := h.engine.SessionStats(ctx, p, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) activeSession(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	s, err := h.engine.ActiveSessionForClass(ctx, p, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) classReport(c *gin.Context) {
	from, err := parseBound(c.Query("from"), false)
	if err != nil {
		writeError(c, apperr.New(apperr.CodeInvalidArgument, "invalid from: %v", err))
		return
	}
	to, err := parseBound(c.Query("to"), true)
	if err != nil {
		writeError(c, apperr.New(apperr.CodeInvalidArgument, "invalid to: %v", err))
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		writeError(c, apperr.New(apperr.CodeInvalidArgument, "to must not precede from"))
		return
	}

	ctx, cancel, p := h.request(c)
	defer cancel()
	rep, err := h.engine.ClassReport(ctx, p, c.Param("id"), attendance.DateRange{From: from, To: to})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) myAttendance(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	records, err := h.engine.MyRecords(ctx, p)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []*attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *Handler) adminOverview(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	ov, err := h.engine.Overview(ctx, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

func (h *Handler) adminPendingActions(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	pa, err := h.engine.PendingActions(ctx, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"overdueSessions": publicViews(pa.OverdueSessions),
		"flaggedRecords":  pa.FlaggedRecords,
	})
}

func (h *Handler) adminActiveSessions(c *gin.Context) {
	ctx, cancel, p := h.request(c)
	defer cancel()
	sessions, err := h.engine.ActiveSessions(ctx, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": publicViews(sessions)})
}

// request derives the store-bounded context and the caller. Authenticate runs first, so a missing
// principal yields the zero value, which the gate rejects.
func (h *Handler) request(c *gin.Context) (context.Context, context.CancelFunc, auth.Principal) {
	p, _ := auth.PrincipalFrom(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	return ctx, cancel, p
}

func publicViews(sessions []*attendance.Session) []attendance.Session {
	out := make([]attendance.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.PublicView())
	}
	return out
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		writeError(c, apperr.New(apperr.CodeInvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	e := apperr.From(err)
	body := gin.H{"code": e.Code, "message": e.Message}
	if e.ExistingSessionID != "" {
		body["existingSessionId"] = e.ExistingSessionID
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(apperr.HTTPStatus(e), gin.H{"error": body})
}

// parseBound accepts RFC 3339 timestamps or plain dates. A plain upper bound covers its whole day.
func parseBound(v string, upper bool) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}
