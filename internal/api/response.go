package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"asistencia/internal/attendance"
	"asistencia/internal/httpmiddleware"
)

const serverError = "Error del servidor"

// fail writes a {success:false} body with status.
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}

// writeError maps service errors onto HTTP responses. Rejections are shown
// verbatim; anything unexpected is logged and answered with a generic message.
func (h *Handler) writeError(c *gin.Context, err error, notFound string) {
	if rej, ok := attendance.AsRejection(err); ok {
		body := gin.H{"success": false, "message": rej.Message, "code": rej.Code}
		if rej.NeedsName {
			body["needsName"] = true
		}
		c.JSON(http.StatusBadRequest, body)
		return
	}
	if errors.Is(err, attendance.ErrNotFound) {
		fail(c, http.StatusNotFound, notFound)
		return
	}
	_ = c.Error(err)
	h.log.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("request_id", httpmiddleware.GetRequestID(c)),
		zap.Error(err),
	)
	fail(c, http.StatusInternalServerError, serverError)
}
