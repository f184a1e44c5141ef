package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"peerconnect-server/internal/model"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	Store     Pinger
	ProcessID string
}

func (h *HealthHandler) Check(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "process": h.ProcessID})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "process": h.ProcessID})
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, model.ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Internal error"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}
