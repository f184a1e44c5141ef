package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"peerconnect-server/internal/auth"
	"peerconnect-server/internal/model"
)

const identityContextKey = "identity"

func IdentityFromContext(c *gin.Context) (model.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return model.Identity{}, false
	}
	identity, ok := v.(model.Identity)
	return identity, ok && identity.ID != ""
}

func SetIdentity(c *gin.Context, identity model.Identity) {
	c.Set(identityContextKey, identity)
}

func RequireAuth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}
