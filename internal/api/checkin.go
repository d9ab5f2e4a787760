package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"asistencia/internal/attendance"
)

// CheckIn records a student's entrada or salida.
// POST /api/checkin
func (h *Handler) CheckIn(c *gin.Context) {
	var req attendance.CheckInRequest
	// The rate limiter may already have read the body.
	if err := c.ShouldBindBodyWith(&req, binding.JSON); err != nil {
		fail(c, http.StatusBadRequest, "Faltan campos requeridos")
		return
	}
	res, err := h.svc.CheckIn(c.Request.Context(), req)
	h.observer.ObserveCheckIn(err)
	if err != nil {
		h.writeError(c, err, "Sesión no encontrada o cerrada")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"message":    res.Message,
		"attendance": res.Attendance,
	})
}

// StudentAttendance is the public self-service lookup.
// GET /api/student/attendance?cuenta=
func (h *Handler) StudentAttendance(c *gin.Context) {
	res, err := h.svc.StudentAttendance(c.Request.Context(), c.Query("cuenta"))
	if err != nil {
		h.writeError(c, err, "Alumno no encontrado")
		return
	}
	if !res.Exists {
		c.JSON(http.StatusOK, gin.H{"exists": false})
		return
	}
	c.JSON(http.StatusOK, res)
}
