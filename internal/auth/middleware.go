package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware returns a gin handler gating the admin surface. It accepts
// a Bearer session token or the operator password via HTTP Basic (the
// username is ignored) and answers anything else with 401 plus a Basic
// challenge so plain browsers can still reach the setup page.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.authenticate(c.Request); err != nil {
			c.Header("WWW-Authenticate", `Basic realm="warden admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Service) authenticate(r *http.Request) error {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return s.ValidateToken(parts[1])
		}
	}
	if _, password, ok := r.BasicAuth(); ok {
		return s.VerifyPassword(password)
	}
	return ErrRequired
}
