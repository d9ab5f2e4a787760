package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"asistencia/internal/auth"
	"asistencia/internal/httpmiddleware"
	"asistencia/internal/metrics"
	"asistencia/internal/realtime"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps is everything the router wires together. Optional fields may be nil.
type Deps struct {
	Handler   *Handler
	Verifier  auth.Verifier
	Sessions  *auth.SessionHandlers
	DevTokens *auth.JWTVerifier
	Realtime  *realtime.Handler
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer

	// CheckInLimiter is keyed per address and cuenta, CheckInIPLimiter per address.
	CheckInLimiter   httpmiddleware.Limiter
	CheckInIPLimiter httpmiddleware.Limiter

	Health         map[string]HealthCheck
	AllowedOrigins []string
	Production     bool
	Log            *zap.Logger
}

// NewRouter builds the gin engine with every route.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestID())
	r.Use(httpmiddleware.Logger(d.Log, "/healthz", "/metrics"))
	if d.Metrics != nil {
		r.Use(d.Metrics.GinMiddleware())
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:     d.AllowedOrigins,
		AllowAllOrigins:  len(d.AllowedOrigins) == 0,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders(d.Production))

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	r.GET("/healthz", healthz(d.Health))

	h := d.Handler
	pub := r.Group("/api")
	{
		pub.GET("/session/active", h.ActiveSession)
		var checkin []gin.HandlerFunc
		if d.CheckInIPLimiter != nil {
			checkin = append(checkin, httpmiddleware.RateLimit(d.CheckInIPLimiter, d.Log))
		}
		if d.CheckInLimiter != nil {
			checkin = append(checkin, httpmiddleware.RateLimit(d.CheckInLimiter, d.Log,
				httpmiddleware.ByClientIP, httpmiddleware.ByJSONField("cuenta")))
		}
		pub.POST("/checkin", append(checkin, h.CheckIn)...)
		pub.GET("/student/attendance", h.StudentAttendance)

		if d.Sessions != nil {
			pub.POST("/auth/session", d.Sessions.Login)
			pub.DELETE("/auth/session", d.Sessions.Logout)
		}
		if d.DevTokens != nil && !d.Production {
			pub.POST("/auth/dev-token", auth.DevToken(d.DevTokens))
		}
	}

	requireInstructor := auth.RequireInstructor(d.Verifier, d.Log)
	priv := r.Group("/api", requireInstructor)
	{
		priv.GET("/config", h.GetConfig)
		priv.PUT("/config", h.SaveConfig)

		priv.POST("/session/create", h.CreateSession)
		priv.POST("/session/change-phase", h.ChangePhase)
		priv.POST("/session/rotate-token", h.RotateToken)
		priv.POST("/session/close", h.CloseSession)
		priv.GET("/sessions", h.ListSessions)
		priv.GET("/session/:id", h.SessionDetail)
		priv.GET("/session/:id/qr.png", h.SessionQR)

		priv.GET("/students", h.ListStudents)
		priv.POST("/students/upload", h.UploadStudents)
		priv.POST("/students/merge", h.MergeStudents)
		priv.POST("/students/:cuenta/reset-fingerprints", h.ResetFingerprints)

		priv.GET("/reports", h.FullReport)
		priv.GET("/reports/export.csv", h.ExportCSV)
		priv.GET("/reports/export.xlsx", h.ExportXLSX)
		priv.GET("/reports/:cuenta", h.StudentReport)

		priv.POST("/reset-course", h.ResetCourse)
	}

	if d.Realtime != nil {
		r.GET("/ws/session", requireInstructor, d.Realtime.ServeWS)
	}
	return r
}

func healthz(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		body := gin.H{"status": "ok"}
		status := http.StatusOK
		for name, check := range checks {
			ok := check(ctx)
			body[name] = ok
			if !ok {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}
		c.JSON(status, body)
	}
}
