package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHandlers exchange an identity token for the session cookie.
type SessionHandlers struct {
	verifier Verifier
	ttl      time.Duration
	secure   bool
	log      *zap.Logger
}

// NewSessionHandlers creates the login/logout handlers. secure marks the
// cookie Secure and should be set in production.
func NewSessionHandlers(v Verifier, ttl time.Duration, secure bool, log *zap.Logger) *SessionHandlers {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionHandlers{verifier: v, ttl: ttl, secure: secure, log: log}
}

func (h *SessionHandlers) setCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(CookieName, value, maxAge, "/", "", h.secure, true)
}

// Login verifies {idToken} and stores it in the session cookie.
func (h *SessionHandlers) Login(c *gin.Context) {
	var req struct {
		IDToken string `json:"idToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "idToken requerido"})
		return
	}
	id, err := h.verifier.Verify(c.Request.Context(), req.IDToken)
	if err != nil {
		h.log.Info("login rejected", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Token inválido"})
		return
	}
	h.setCookie(c, req.IDToken, int(h.ttl.Seconds()))
	c.JSON(http.StatusOK, gin.H{"success": true, "uid": id.UID, "email": id.Email})
}

// Logout clears the session cookie.
func (h *SessionHandlers) Logout(c *gin.Context) {
	h.setCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DevToken mints a local token for uid. Only routed with the jwt provider
// outside production.
func DevToken(v *JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UID   string `json:"uid" binding:"required"`
			Email string `json:"email"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "uid requerido"})
			return
		}
		token, exp, err := v.Mint(req.UID, req.Email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Error del servidor"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"idToken": token, "expiresAt": exp})
	}
}
