package realtime

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"asistencia/internal/auth"
)

// Handler upgrades instructor requests to websocket connections on the hub.
type Handler struct {
	hub      *Hub
	origins  []string
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates the /ws/session handler. An empty origin list accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string, log *zap.Logger) *Handler {
	h := &Handler{hub: hub, origins: allowedOrigins, log: log}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeWS must run behind auth.RequireInstructor.
func (h *Handler) ServeWS(c *gin.Context) {
	id, ok := auth.FromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "No autorizado"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client := NewClient(h.hub, conn, id.UID, h.log)
	if !h.hub.Register(client) {
		h.log.Warn("ws connection limit reached", zap.String("uid", id.UID))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	client.Start()
}
