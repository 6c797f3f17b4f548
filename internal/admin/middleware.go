package admin

import (
	"context"
	"strings"

	appErr "faasrt/pkg/errors"
	"faasrt/pkg/utils/contextkey"
	"faasrt/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	subjectContextKey = "subject"
	roleContextKey    = "role"
)

// AuthMiddleware requires a valid bearer token and, when roles are given,
// one of them. Browsers cannot set headers on WebSocket upgrades, so the
// token is also read from the access_token query parameter.
func AuthMiddleware(auth *Authenticator, roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth == nil {
			response.AbortWithErrorCode(c, appErr.ServiceUnavailable, "auth is not configured")
			return
		}
		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		p, err := auth.Authenticate(token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		if len(roles) > 0 && !hasRole(p.Role, roles) {
			response.AbortWithErrorCode(c, appErr.Forbidden, "insufficient role")
			return
		}
		c.Set(subjectContextKey, p.Subject)
		c.Set(roleContextKey, p.Role)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.Subject, p.Subject))
		c.Next()
	}
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
