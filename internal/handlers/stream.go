// internal/handlers/stream.go

package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	defaultStreamInterval = time.Second
	minStreamInterval     = 100 * time.Millisecond
	writeWait             = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StatsStream pushes a stats message every interval until the client goes
// away. The interval defaults to one second and can be set in milliseconds
// with ?interval=.
func (h *TunnelHandler) StatsStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		interval := defaultStreamInterval
		if v := c.Query("interval"); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil || time.Duration(ms)*time.Millisecond < minStreamInterval {
				c.JSON(http.StatusBadRequest, gin.H{"error": "interval must be a number of milliseconds >= 100"})
				return
			}
			interval = time.Duration(ms) * time.Millisecond
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warnf("Stats stream upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		h.log.Debugf("📈 Stats stream opened by %s", c.ClientIP())
		defer h.log.Debugf("Stats stream closed for %s", c.ClientIP())

		// The client never sends data; reading only detects the close.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Snapshot(h.ctrl)); err != nil {
				return
			}
			select {
			case <-ticker.C:
			case <-gone:
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
