// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbvpn/orbx.socks5tun/internal/tunnel"
)

// Config represents the complete daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	JWT       JWTConfig       `yaml:"jwt"`
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	Interface InterfaceConfig `yaml:"interface"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// ServerConfig contains control API settings
type ServerConfig struct {
	Port         string        `yaml:"port"`
	Host         string        `yaml:"host"`
	CertFile     string        `yaml:"cert_file"` // TLS is enabled when both files are set
	KeyFile      string        `yaml:"key_file"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	RateLimit    int           `yaml:"rate_limit"` // requests per minute per client
}

// JWTConfig contains JWT validation settings
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// EngineConfig selects and tunes the packet engine
type EngineConfig struct {
	Binary      string        `yaml:"binary"`
	WorkDir     string        `yaml:"work_dir"`
	GracePeriod time.Duration `yaml:"grace_period"`
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// TunnelConfig is the engine configuration the daemon starts with
type TunnelConfig struct {
	SOCKS5     SOCKS5Config `yaml:"socks5"`
	Name       string       `yaml:"name"`
	MTU        int          `yaml:"mtu"`
	MultiQueue int          `yaml:"multi_queue"`
	IPv4       *InetConfig  `yaml:"ipv4"` // nil keeps the default, an empty address disables the family
	IPv6       *InetConfig  `yaml:"ipv6"`
	DNS        []string     `yaml:"dns"`
	ConfigFile string       `yaml:"config_file"` // engine YAML used verbatim instead of the fields above
}

// SOCKS5Config is the upstream proxy
type SOCKS5Config struct {
	Address  string `yaml:"address"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// InetConfig is a tunnel address family section
type InetConfig struct {
	Address string `yaml:"address"`
	Gateway string `yaml:"gateway"`
}

// InterfaceConfig controls TUN interface creation by the daemon
type InterfaceConfig struct {
	Configure    bool     `yaml:"configure"` // assign addresses and routes, otherwise only attach
	Addresses    []string `yaml:"addresses"` // e.g., "10.0.0.2/24"
	Routes       []string `yaml:"routes"`    // e.g., "0.0.0.0/1"
	BypassSOCKS5 bool     `yaml:"bypass_socks5"`
}

// MonitorConfig contains stats reporting settings
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	Endpoint string        `yaml:"endpoint"` // optional, stats are only logged when empty
	APIKey   string        `yaml:"api_key"`
	NodeID   string        `yaml:"node_id"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	// Read config file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration, applies environment overrides and defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	// SOCKS5 environment variables
	if addr := os.Getenv("SOCKS5_ADDRESS"); addr != "" {
		c.Tunnel.SOCKS5.Address = addr
	}
	if port := os.Getenv("SOCKS5_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return &ConfigError{"SOCKS5_PORT must be a number"}
		}
		c.Tunnel.SOCKS5.Port = p
	}
	if user := os.Getenv("SOCKS5_USERNAME"); user != "" {
		c.Tunnel.SOCKS5.Username = user
	}
	if pass := os.Getenv("SOCKS5_PASSWORD"); pass != "" {
		c.Tunnel.SOCKS5.Password = pass
	}

	if endpoint := os.Getenv("MONITOR_ENDPOINT"); endpoint != "" {
		c.Monitor.Endpoint = endpoint
	}
	if apiKey := os.Getenv("MONITOR_API_KEY"); apiKey != "" {
		c.Monitor.APIKey = apiKey
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = 60
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Engine defaults
	if c.Engine.Binary == "" {
		c.Engine.Binary = "hev-socks5-tunnel"
	}
	if c.Engine.GracePeriod == 0 {
		c.Engine.GracePeriod = tunnel.DefaultGracePeriod
	}
	if c.Engine.StopTimeout == 0 {
		c.Engine.StopTimeout = tunnel.DefaultStopTimeout
	}

	// Tunnel defaults
	if c.Tunnel.SOCKS5.Address == "" {
		c.Tunnel.SOCKS5.Address = tunnel.DefaultSOCKS5Address
	}
	if c.Tunnel.SOCKS5.Port == 0 {
		c.Tunnel.SOCKS5.Port = tunnel.DefaultSOCKS5Port
	}
	if c.Tunnel.Name == "" {
		c.Tunnel.Name = tunnel.DefaultTunName
	}
	if c.Tunnel.MTU == 0 {
		c.Tunnel.MTU = tunnel.DefaultMTU
	}
	if c.Tunnel.MultiQueue == 0 {
		c.Tunnel.MultiQueue = tunnel.DefaultMultiQueue
	}
	if c.Tunnel.DNS == nil {
		c.Tunnel.DNS = append([]string(nil), tunnel.DefaultDNSServers...)
	}

	// Interface defaults follow the tunnel addresses
	if c.Interface.Configure && len(c.Interface.Addresses) == 0 {
		if ec, err := c.Tunnel.Build(); err == nil {
			if a := ec.IPv4().Address; a != "" {
				c.Interface.Addresses = append(c.Interface.Addresses, a+"/24")
			}
			if a := ec.IPv6().Address; a != "" {
				c.Interface.Addresses = append(c.Interface.Addresses, a+"/64")
			}
		}
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 30 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return ErrMissingJWTSecret
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return ErrIncompleteTLS
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return &ConfigError{fmt.Sprintf("unknown log format %q", c.Logging.Format)}
	}
	if c.Monitor.Interval < time.Second {
		return &ConfigError{"monitor interval must be at least 1s"}
	}
	for _, a := range c.Interface.Addresses {
		if _, err := netip.ParsePrefix(a); err != nil {
			return &ConfigError{fmt.Sprintf("invalid interface address %q", a)}
		}
	}
	for _, r := range c.Interface.Routes {
		if _, err := netip.ParsePrefix(r); err != nil {
			return &ConfigError{fmt.Sprintf("invalid interface route %q", r)}
		}
	}
	if _, err := c.Tunnel.Build(); err != nil {
		return tunnelError(err)
	}
	return nil
}

// tunnelError reports engine config violations under the tunnel section
func tunnelError(err error) *ConfigError {
	var cfgErr *tunnel.ConfigError
	if !errors.As(err, &cfgErr) {
		return &ConfigError{err.Error()}
	}
	parts := make([]string, 0, len(cfgErr.Violations))
	for _, v := range cfgErr.Violations {
		parts = append(parts, v.String())
	}
	return &ConfigError{"invalid tunnel section: " + strings.Join(parts, "; ")}
}

// Options maps the section onto engine config options
func (t *TunnelConfig) Options() []tunnel.Option {
	opts := []tunnel.Option{
		tunnel.WithSOCKS5(t.SOCKS5.Address, t.SOCKS5.Port),
		tunnel.WithTunName(t.Name),
		tunnel.WithMTU(t.MTU),
		tunnel.WithMultiQueue(t.MultiQueue),
		tunnel.WithDNSServers(t.DNS...),
	}
	if t.SOCKS5.Username != "" || t.SOCKS5.Password != "" {
		opts = append(opts, tunnel.WithAuth(t.SOCKS5.Username, t.SOCKS5.Password))
	}
	if t.IPv4 != nil {
		opts = append(opts, tunnel.WithIPv4(t.IPv4.Address, t.IPv4.Gateway))
	}
	if t.IPv6 != nil {
		opts = append(opts, tunnel.WithIPv6(t.IPv6.Address, t.IPv6.Gateway))
	}
	return opts
}

// Build returns the engine config for the section, applying extra options
// last. When ConfigFile is set the file is loaded and extra options are
// ignored.
func (t *TunnelConfig) Build(extra ...tunnel.Option) (*tunnel.Config, error) {
	if t.ConfigFile != "" {
		return tunnel.LoadConfig(t.ConfigFile)
	}
	return tunnel.NewConfig(append(t.Options(), extra...)...)
}

// Errors
var (
	ErrMissingJWTSecret = &ConfigError{"JWT secret is required"}
	ErrIncompleteTLS    = &ConfigError{"TLS needs both cert_file and key_file"}
)

// ConfigError represents a configuration error
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "config error: " + e.Message
}
