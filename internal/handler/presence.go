package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"peerconnect-server/internal/middleware"
	"peerconnect-server/internal/model"
	"peerconnect-server/internal/presence"
)

type PresenceLister interface {
	ListAvailable(ctx context.Context, excluding string) ([]model.PresenceRecord, error)
}

type PresenceHandler struct {
	Presence PresenceLister
}

// List returns the identities the caller can call right now.
func (h *PresenceHandler) List(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	list, err := h.Presence.ListAvailable(c.Request.Context(), identity.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": presence.Peers(list)})
}
