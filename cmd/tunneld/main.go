// cmd/tunneld/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/orbvpn/orbx.socks5tun/internal/auth"
	"github.com/orbvpn/orbx.socks5tun/internal/config"
	"github.com/orbvpn/orbx.socks5tun/internal/engine"
	"github.com/orbvpn/orbx.socks5tun/internal/handlers"
	"github.com/orbvpn/orbx.socks5tun/internal/monitor"
	"github.com/orbvpn/orbx.socks5tun/internal/network"
	"github.com/orbvpn/orbx.socks5tun/internal/tunnel"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	autostart  = flag.Bool("autostart", false, "Start the tunnel right after boot")
	issueRole  = flag.String("issue-token", "", "Print a control API token for the role (viewer|operator) and exit")
	tokenTTL   = flag.Duration("token-ttl", 24*time.Hour, "Lifetime of tokens printed by -issue-token")
	version    = "1.0.0"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	jwtAuth := auth.NewJWTAuthenticator(cfg.JWT.Secret)
	if *issueRole != "" {
		token, err := jwtAuth.IssueToken("cli", *issueRole, *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	// Print banner
	printBanner()

	if err := setupLogging(cfg.Logging); err != nil {
		log.Fatalf("Invalid logging configuration: %v", err)
	}
	log.Printf("Configuration loaded from %s", *configPath)

	tunnelCfg, err := cfg.Tunnel.Build()
	if err != nil {
		log.Fatalf("Invalid tunnel configuration: %v", err)
	}

	// Acquire the TUN interface
	log.Println("Opening TUN interface...")
	tun, err := network.NewTunInterface(interfaceOptions(cfg, tunnelCfg))
	if err != nil {
		log.Fatalf("Failed to open TUN interface: %v", err)
	}

	// Initialize engine and controller
	eng := engine.NewProcess(cfg.Engine.Binary, engine.WithWorkDir(cfg.Engine.WorkDir))
	ctrl := tunnel.NewController(eng,
		tunnel.WithGracePeriod(cfg.Engine.GracePeriod),
		tunnel.WithStopTimeout(cfg.Engine.StopTimeout))

	if *autostart {
		if err := ctrl.Start(tunnelCfg, tun); err != nil {
			log.Errorf("❌ Autostart failed: %v", err)
		}
	}

	// Initialize stats monitor
	mon := monitor.NewService(&cfg.Monitor, ctrl)
	mon.Start()

	// Create control API
	limiter := auth.NewRateLimiter(cfg.Server.RateLimit, time.Minute, cfg.Server.RateLimit)
	h := handlers.NewTunnelHandler(ctrl, &cfg.Tunnel, tun, handlerOptions(cfg)...)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handlers.NewRouter(h, jwtAuth, limiter, version),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Control API listening on %s", server.Addr)
		log.Printf("📡 Engine: %s, interface: %s", eng.Binary(), tun.Name())

		var err error
		if cfg.Server.CertFile != "" {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	limiter.Stop()

	// Stop the tunnel before the descriptor goes away
	if err := ctrl.Close(); err != nil {
		log.Warnf("Tunnel did not shut down cleanly: %v", err)
	}
	mon.Stop()

	if err := tun.Close(); err != nil {
		log.Printf("Error closing TUN interface: %v", err)
	}

	log.Println("Exited")
}

func interfaceOptions(cfg *config.Config, tunnelCfg *tunnel.Config) network.InterfaceOptions {
	opts := network.InterfaceOptions{
		Name: tunnelCfg.TunName(),
		MTU:  tunnelCfg.MTU(),
	}
	if !cfg.Interface.Configure {
		return opts
	}
	opts.Addresses = cfg.Interface.Addresses
	opts.Routes = cfg.Interface.Routes
	if cfg.Interface.BypassSOCKS5 {
		opts.Bypass = []string{tunnelCfg.SOCKS5Address()}
	}
	return opts
}

func handlerOptions(cfg *config.Config) []handlers.HandlerOption {
	var opts []handlers.HandlerOption
	if cfg.Interface.Configure && cfg.Interface.BypassSOCKS5 {
		opts = append(opts, handlers.WithPinnedUpstream())
	}
	return opts
}

func setupLogging(cfg config.LoggingConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func printBanner() {
	banner := `
    ╔═══════════════════════════════════════════╗
    ║        OrbX SOCKS5 Tunnel v%s          ║
    ║     TUN to SOCKS5 control plane           ║
    ╚═══════════════════════════════════════════╝
    `
	fmt.Printf(banner, version)
	fmt.Printf("    Build: %s\n\n", buildTime)
}
