package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const streamEventHeartbeat = "heartbeat"

// handleStream pushes projection updates to the client as server-sent events. The optional
// projections query parameter is a comma-separated filter.
func (h *httpHandler) handleStream(c *gin.Context) {
	if h.updates == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream_unavailable"})
		return
	}
	var projections []string
	for _, name := range strings.Split(c.Query("projections"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			projections = append(projections, name)
		}
	}

	ctx := c.Request.Context()
	updates, cleanup := h.updates.Subscribe(ctx, projections...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case update := <-updates:
			c.SSEvent(update.Kind, update)
			return true
		case at := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"timestamp": at.UTC()})
			return true
		}
	})
}
