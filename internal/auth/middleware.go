package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"classattend/internal/apperr"
)

const principalKey = "principal"

// Authenticate enforces bearer credentials and stores the resolved principal on the context.
func Authenticate(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			abortUnauthenticated(c, "missing bearer token")
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		p, err := v.Verify(c.Request.Context(), tokenStr)
		if err != nil {
			abortUnauthenticated(c, "invalid token")
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the principal set by Authenticate.
func PrincipalFrom(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func abortUnauthenticated(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
		"code":    apperr.CodeUnauthenticated,
		"message": msg,
	}})
}
