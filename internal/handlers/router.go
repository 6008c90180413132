// internal/handlers/router.go

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orbvpn/orbx.socks5tun/internal/auth"
)

// NewRouter wires the control API. Reads need any valid token, start and
// stop need the operator role.
func NewRouter(h *TunnelHandler, jwtAuth *auth.JWTAuthenticator, limiter *auth.RateLimiter, version string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", Health(version))

	v1 := r.Group("/v1/tunnel", auth.RateLimitMiddleware(limiter), auth.Middleware(jwtAuth))
	{
		v1.GET("/status", h.Status())
		v1.GET("/stats", h.Stats())
		v1.GET("/stats/stream", h.StatsStream())

		v1.POST("/start", auth.RequireOperator(), h.Start())
		v1.POST("/stop", auth.RequireOperator(), h.Stop())
	}

	return r
}

func Health(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": version,
		})
	}
}
