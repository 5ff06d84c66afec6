package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxOwnerClaims = "registry_owner_claims"

// RequireOwner returns a Gin middleware that enforces a valid owner Bearer token.
//
// On success it injects the *OwnerClaims into the context.
func RequireOwner(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer owner token required",
			})
			return
		}
		claims, err := tokens.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid owner token: " + err.Error(),
			})
			return
		}
		c.Set(ctxOwnerClaims, claims)
		c.Next()
	}
}

// OptionalOwner returns a Gin middleware that injects owner claims when a
// valid Bearer token is present. It never aborts.
func OptionalOwner(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenStr, ok := bearer(c); ok {
			if claims, err := tokens.Verify(tokenStr); err == nil {
				c.Set(ctxOwnerClaims, claims)
			}
		}
		c.Next()
	}
}

// OwnerFromCtx returns the owner id injected by RequireOwner or OptionalOwner,
// or "" when the request is anonymous.
func OwnerFromCtx(c *gin.Context) string {
	v, _ := c.Get(ctxOwnerClaims)
	if claims, ok := v.(*OwnerClaims); ok {
		return claims.OwnerID
	}
	return ""
}

func bearer(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}
