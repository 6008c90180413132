// internal/monitor/service.go

package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orbvpn/orbx.socks5tun/internal/config"
	"github.com/orbvpn/orbx.socks5tun/internal/tunnel"
	"github.com/orbvpn/orbx.socks5tun/pkg/models"
)

// Source is what the monitor reads from
type Source interface {
	State() tunnel.State
	IsRunning() bool
	Stats() tunnel.Stats
	Uptime() time.Duration
}

// Service polls the tunnel on a ticker, logs its counters and optionally
// reports them to an endpoint
type Service struct {
	config *config.MonitorConfig
	source Source
	client *http.Client
	log    *log.Entry

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	stopped chan struct{}
}

func NewService(cfg *config.MonitorConfig, source Source) *Service {
	return &Service{
		config: cfg,
		source: source,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.WithField("component", "monitor"),
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	// Send initial report
	s.report()

	// Start ticker for periodic reports
	s.ticker = time.NewTicker(s.config.Interval)
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	go func(ticker *time.Ticker, done, stopped chan struct{}) {
		defer close(stopped)
		for {
			select {
			case <-ticker.C:
				s.report()
			case <-done:
				return
			}
		}
	}(s.ticker, s.done, s.stopped)
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return
	}

	s.ticker.Stop()
	close(s.done)
	<-s.stopped
	s.done = nil

	// Send offline status
	if s.config.Endpoint != "" {
		report := s.snapshot()
		report.Online = false
		if err := s.send(report); err != nil {
			s.log.Warnf("Offline report failed: %v", err)
		}
	}
}

func (s *Service) report() {
	report := s.snapshot()
	if report.Online {
		s.log.Debugf("📊 Tunnel %s, up %ds: %s", report.State, report.UptimeSeconds, statsLine(report.Stats))
	}

	if s.config.Endpoint == "" {
		return
	}
	if err := s.send(report); err != nil {
		s.log.Warnf("❌ Stats report failed: %v", err)
	}
}

func (s *Service) snapshot() models.StatsReport {
	st := s.source.Stats()
	running := s.source.IsRunning()
	return models.StatsReport{
		NodeID:        s.config.NodeID,
		Online:        running,
		State:         s.source.State().String(),
		UptimeSeconds: int64(s.source.Uptime().Seconds()),
		Stats: models.TrafficStats{
			TxBytes:   st.TxBytes,
			RxBytes:   st.RxBytes,
			TxPackets: st.TxPackets,
			RxPackets: st.RxPackets,
			Tx:        tunnel.FormatBytes(st.TxBytes),
			Rx:        tunnel.FormatBytes(st.RxBytes),
			Running:   running,
			Timestamp: time.Now().UTC(),
		},
	}
}

func statsLine(t models.TrafficStats) string {
	return tunnel.Stats{
		TxBytes:   t.TxBytes,
		RxBytes:   t.RxBytes,
		TxPackets: t.TxPackets,
		RxPackets: t.RxPackets,
	}.String()
}

func (s *Service) send(report models.StatsReport) error {
	jsonData, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}
