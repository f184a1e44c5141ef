package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"peerconnect-server/internal/middleware"
	"peerconnect-server/internal/session"
)

type RequestQueues interface {
	Requests(ctx context.Context, identityID string) (session.Queues, error)
}

type CallHandler struct {
	Sessions RequestQueues
}

func (h *CallHandler) Requests(c *gin.Context) {
	identity, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	q, err := h.Sessions.Requests(c.Request.Context(), identity.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}
