// internal/handlers/tunnel.go

package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/orbvpn/orbx.socks5tun/internal/config"
	"github.com/orbvpn/orbx.socks5tun/internal/tunnel"
	"github.com/orbvpn/orbx.socks5tun/pkg/models"
)

// Controller is the tunnel lifecycle the handlers drive
type Controller interface {
	Start(cfg *tunnel.Config, dev tunnel.Descriptor) error
	Stop() tunnel.StopResult
	State() tunnel.State
	IsRunning() bool
	Stats() tunnel.Stats
	Uptime() time.Duration
	LastExit() (tunnel.ExitStatus, bool)
}

// Device is the TUN interface handed to the engine
type Device interface {
	tunnel.Descriptor
	Name() string
}

// TunnelHandler serves the tunnel control endpoints
type TunnelHandler struct {
	ctrl   Controller
	base   *config.TunnelConfig
	device Device
	log    *log.Entry

	// pinned rejects socks5Address overrides
	pinned bool

	mu     sync.Mutex
	socks5 string // upstream of the current run
}

// HandlerOption configures a TunnelHandler
type HandlerOption func(*TunnelHandler)

// WithPinnedUpstream makes start requests keep the configured SOCKS5
// address. Use it when a host route pins that address outside the tunnel.
func WithPinnedUpstream() HandlerOption {
	return func(h *TunnelHandler) { h.pinned = true }
}

// NewTunnelHandler creates handlers that start ctrl with configs built from
// base on device. device may be nil, in which case every start fails.
func NewTunnelHandler(ctrl Controller, base *config.TunnelConfig, device Device, opts ...HandlerOption) *TunnelHandler {
	h := &TunnelHandler{
		ctrl:   ctrl,
		base:   base,
		device: device,
		log:    log.WithField("component", "api"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start builds the engine config, applying request overrides, and starts
// the tunnel
func (h *TunnelHandler) Start() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.StartRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		if !req.IsEmpty() && h.base.ConfigFile != "" {
			c.JSON(http.StatusConflict, gin.H{"error": "Overrides are not accepted when the tunnel runs from a config file"})
			return
		}
		if h.pinned && req.SOCKS5Address != "" && req.SOCKS5Address != h.base.SOCKS5.Address {
			c.JSON(http.StatusConflict, gin.H{"error": "The SOCKS5 address is pinned by the bypass route and cannot be overridden"})
			return
		}

		cfg, err := h.base.Build(overrides(req)...)
		if err != nil {
			respondConfigError(c, err)
			return
		}

		var dev tunnel.Descriptor
		if h.device != nil {
			dev = h.device
		}
		if err := h.ctrl.Start(cfg, dev); err != nil {
			h.log.Warnf("Start rejected: %v", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}

		upstream := fmt.Sprintf("%s:%d", cfg.SOCKS5Address(), cfg.SOCKS5Port())
		h.mu.Lock()
		h.socks5 = upstream
		h.mu.Unlock()

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Tunnel started",
			"socks5":  upstream,
		})
	}
}

// Stop stops the tunnel. Stopping an idle tunnel is not an error.
func (h *TunnelHandler) Stop() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := h.ctrl.Stop()
		resp := gin.H{
			"success": true,
			"result":  result.String(),
		}
		if err := result.Err(); err != nil {
			resp["message"] = err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Status reports the lifecycle state and the last exit
func (h *TunnelHandler) Status() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.status())
	}
}

func (h *TunnelHandler) status() models.TunnelStatus {
	running := h.ctrl.IsRunning()
	st := models.TunnelStatus{
		State:         h.ctrl.State().String(),
		Running:       running,
		UptimeSeconds: int64(h.ctrl.Uptime().Seconds()),
	}
	if h.device != nil {
		st.Interface = h.device.Name()
	}
	if running {
		h.mu.Lock()
		st.SOCKS5 = h.socks5
		h.mu.Unlock()
	}
	if exit, ok := h.ctrl.LastExit(); ok {
		st.LastExit = &models.ExitInfo{
			Status:    exit.Status,
			Requested: exit.Requested,
			StartedAt: exit.StartedAt,
			ExitedAt:  exit.ExitedAt,
		}
	}
	return st
}

// Stats returns the current traffic counters
func (h *TunnelHandler) Stats() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Snapshot(h.ctrl))
	}
}

// Snapshot reads ctrl's counters into an API message
func Snapshot(ctrl Controller) models.TrafficStats {
	s := ctrl.Stats()
	return models.TrafficStats{
		TxBytes:   s.TxBytes,
		RxBytes:   s.RxBytes,
		TxPackets: s.TxPackets,
		RxPackets: s.RxPackets,
		Tx:        tunnel.FormatBytes(s.TxBytes),
		Rx:        tunnel.FormatBytes(s.RxBytes),
		Running:   ctrl.IsRunning(),
		Timestamp: time.Now().UTC(),
	}
}

func overrides(req models.StartRequest) []tunnel.Option {
	var opts []tunnel.Option
	if req.SOCKS5Address != "" {
		opts = append(opts, tunnel.WithSOCKS5Address(req.SOCKS5Address))
	}
	if req.SOCKS5Port != 0 {
		opts = append(opts, tunnel.WithSOCKS5Port(req.SOCKS5Port))
	}
	if req.Username != "" || req.Password != "" {
		opts = append(opts, tunnel.WithAuth(req.Username, req.Password))
	}
	return opts
}

func respondConfigError(c *gin.Context, err error) {
	var cfgErr *tunnel.ConfigError
	if !errors.As(err, &cfgErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	violations := make([]gin.H, 0, len(cfgErr.Violations))
	for _, v := range cfgErr.Violations {
		violations = append(violations, gin.H{"field": v.Field, "reason": v.Reason})
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":      "Invalid tunnel configuration",
		"violations": violations,
	})
}

// statusFor maps controller errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, tunnel.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, tunnel.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, tunnel.ErrInvalidDescriptor):
		return http.StatusInternalServerError
	case errors.Is(err, tunnel.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, tunnel.ErrStartFailure), errors.Is(err, tunnel.ErrEngineBusy):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
