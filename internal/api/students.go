package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"asistencia/internal/attendance"
)

const (
	studentNotFound = "Alumno no encontrado"
	maxRosterBytes  = 2 << 20
)

// ListStudents GET /api/students
func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.svc.ListStudents(c.Request.Context())
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	if students == nil {
		students = []attendance.Student{}
	}
	c.JSON(http.StatusOK, gin.H{"students": students})
}

// UploadStudents imports a roster sent either as JSON
// {"students":[{cuenta,name}]} or as a multipart CSV file in field "file".
// POST /api/students/upload
func (h *Handler) UploadStudents(c *gin.Context) {
	var entries []attendance.RosterEntry
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRosterBytes)
		fh, err := c.FormFile("file")
		if err != nil {
			fail(c, http.StatusBadRequest, "Archivo CSV requerido en el campo \"file\"")
			return
		}
		f, err := fh.Open()
		if err != nil {
			h.writeError(c, err, studentNotFound)
			return
		}
		defer f.Close()
		entries, err = attendance.ParseRoster(f)
		if errors.Is(err, attendance.ErrRosterColumns) {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			fail(c, http.StatusBadRequest, "No se pudo leer el CSV")
			return
		}
	} else {
		var req struct {
			Students []attendance.RosterEntry `json:"students"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "JSON inválido")
			return
		}
		entries = req.Students
	}

	res, err := h.svc.ImportStudents(c.Request.Context(), entries)
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"created": res.Created,
		"updated": res.Updated,
		"errors":  res.Errors,
	})
}

// MergeStudents moves records from one account onto another.
// POST /api/students/merge
func (h *Handler) MergeStudents(c *gin.Context) {
	var req struct {
		From string `json:"fromCuenta"`
		To   string `json:"toCuenta"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "JSON inválido")
		return
	}
	res, err := h.svc.MergeStudents(c.Request.Context(), req.From, req.To)
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     res.Message,
		"transferred": res.Transferred,
		"dropped":     res.Dropped,
	})
}

// ResetFingerprints POST /api/students/:cuenta/reset-fingerprints
func (h *Handler) ResetFingerprints(c *gin.Context) {
	if err := h.svc.ResetFingerprints(c.Request.Context(), c.Param("cuenta")); err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ResetCourse wipes records and sessions, and students unless keepStudents.
// POST /api/reset-course
func (h *Handler) ResetCourse(c *gin.Context) {
	var req struct {
		KeepStudents bool `json:"keepStudents"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "JSON inválido")
		return
	}
	counts, err := h.svc.ResetCourse(c.Request.Context(), req.KeepStudents)
	if err != nil {
		h.writeError(c, err, studentNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": counts})
}
