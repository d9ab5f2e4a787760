package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"

	"asistencia/internal/attendance"
	"asistencia/internal/auth"
)

const sessionNotFound = "Sesión no encontrada"

type sessionRequest struct {
	SessionID  string           `json:"sessionId"`
	Phase      attendance.Phase `json:"phase"`
	AutoSalida bool             `json:"autoSalida"`
}

func bindSession(c *gin.Context) (sessionRequest, bool) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "JSON inválido")
		return req, false
	}
	return req, true
}

// ActiveSession is public: students need the session id and phase to check in.
// GET /api/session/active
func (h *Handler) ActiveSession(c *gin.Context) {
	sess, err := h.svc.ActiveSession(c.Request.Context())
	if errors.Is(err, attendance.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":    true,
		"sessionId": sess.ID,
		"phase":     sess.Phase,
		"label":     sess.Label,
	})
}

// CreateSession opens the next class.
// POST /api/session/create
func (h *Handler) CreateSession(c *gin.Context) {
	id, _ := auth.FromContext(c)
	sess, err := h.svc.CreateSession(c.Request.Context(), id.UID)
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"sessionId": sess.ID,
		"token":     sess.ActiveToken,
		"expiresAt": sess.TokenExpiresAt,
		"session":   sess,
	})
}

// ChangePhase moves the session to {phase}.
// POST /api/session/change-phase
func (h *Handler) ChangePhase(c *gin.Context) {
	req, ok := bindSession(c)
	if !ok {
		return
	}
	if req.SessionID == "" || req.Phase == "" {
		fail(c, http.StatusBadRequest, "sessionId y phase requeridos")
		return
	}
	sess, err := h.svc.ChangePhase(c.Request.Context(), req.SessionID, req.Phase)
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"phase":     sess.Phase,
		"token":     sess.ActiveToken,
		"expiresAt": sess.TokenExpiresAt,
	})
}

// RotateToken issues a new token for the session.
// POST /api/session/rotate-token
func (h *Handler) RotateToken(c *gin.Context) {
	req, ok := bindSession(c)
	if !ok {
		return
	}
	sess, err := h.svc.RotateToken(c.Request.Context(), req.SessionID)
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"token":     sess.ActiveToken,
		"expiresAt": sess.TokenExpiresAt,
	})
}

// CloseSession closes the session, optionally synthesizing salida records.
// POST /api/session/close
func (h *Handler) CloseSession(c *gin.Context) {
	req, ok := bindSession(c)
	if !ok {
		return
	}
	res, err := h.svc.CloseSession(c.Request.Context(), req.SessionID, req.AutoSalida)
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "synthesized": res.Synthesized, "session": res.Session})
}

// ListSessions GET /api/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context())
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	if sessions == nil {
		sessions = []attendance.Session{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// SessionDetail GET /api/session/:id
func (h *Handler) SessionDetail(c *gin.Context) {
	detail, err := h.svc.SessionDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// SessionQR renders the session's current token as a PNG QR code.
// GET /api/session/:id/qr.png
func (h *Handler) SessionQR(c *gin.Context) {
	sess, err := h.svc.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	if sess.Closed() || sess.ActiveToken == "" {
		fail(c, http.StatusConflict, "Esta sesión ya fue cerrada")
		return
	}
	png, err := qrcode.Encode(sess.ActiveToken, qrcode.Medium, 300)
	if err != nil {
		h.writeError(c, err, sessionNotFound)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "image/png", png)
}

// GetConfig GET /api/config
func (h *Handler) GetConfig(c *gin.Context) {
	cfg, err := h.svc.CourseConfig(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "Configuración no encontrada")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SaveConfig PUT /api/config
func (h *Handler) SaveConfig(c *gin.Context) {
	var req attendance.CourseConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "JSON inválido")
		return
	}
	cfg, err := h.svc.SaveCourseConfig(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err, "Configuración no encontrada")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "config": cfg})
}
