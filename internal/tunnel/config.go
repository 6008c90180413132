// internal/tunnel/config.go
package tunnel

import (
	"net/netip"
	"strconv"
	"strings"
	"unicode"
)

const (
	DefaultSOCKS5Address = "127.0.0.1"
	DefaultSOCKS5Port    = 1080
	DefaultTunName       = "tun0"
	DefaultMTU           = 8500
	DefaultIPv4Address   = "10.0.0.2"
	DefaultIPv4Gateway   = "10.0.0.1"
	DefaultIPv6Address   = "fc00::2"
	DefaultIPv6Gateway   = "fc00::1"
	DefaultMultiQueue    = 4

	MinMTU  = 1280
	MaxMTU  = 65535
	MaxPort = 65535
)

// DefaultDNSServers are used when no DNS option is given
var DefaultDNSServers = []string{"8.8.8.8", "8.8.4.4"}

// InetConfig is the address/gateway pair of one tun address family.
// An empty Address disables the family.
type InetConfig struct {
	Address string
	Gateway string
}

// Config is a validated engine configuration. It cannot be changed once
// NewConfig has returned it.
type Config struct {
	socks5Address  string
	socks5Port     int
	socks5Username string
	socks5Password string
	tunName        string
	tunMTU         int
	ipv4           InetConfig
	ipv6           InetConfig
	dnsServers     []string
	multiQueue     int

	// raw is the file text a parsed Config was read from
	raw []byte
}

// Option sets one field of the configuration under construction
type Option func(*Config)

func WithSOCKS5(address string, port int) Option {
	return func(c *Config) {
		c.socks5Address = address
		c.socks5Port = port
	}
}

func WithSOCKS5Address(address string) Option {
	return func(c *Config) { c.socks5Address = address }
}

func WithSOCKS5Port(port int) Option {
	return func(c *Config) { c.socks5Port = port }
}

// WithAuth sets SOCKS5 username/password credentials; empty values are omitted
// from the engine config.
func WithAuth(username, password string) Option {
	return func(c *Config) {
		c.socks5Username = username
		c.socks5Password = password
	}
}

func WithTunName(name string) Option {
	return func(c *Config) { c.tunName = name }
}

func WithMTU(mtu int) Option {
	return func(c *Config) { c.tunMTU = mtu }
}

// WithIPv4 sets the tun IPv4 address and gateway. An empty address drops the
// ipv4 section.
func WithIPv4(address, gateway string) Option {
	return func(c *Config) { c.ipv4 = InetConfig{Address: address, Gateway: gateway} }
}

// WithIPv6 sets the tun IPv6 address and gateway. An empty address drops the
// ipv6 section.
func WithIPv6(address, gateway string) Option {
	return func(c *Config) { c.ipv6 = InetConfig{Address: address, Gateway: gateway} }
}

// WithDNSServers replaces the DNS server list. Passing nothing clears it.
func WithDNSServers(servers ...string) Option {
	return func(c *Config) { c.dnsServers = append([]string(nil), servers...) }
}

func AddDNSServer(server string) Option {
	return func(c *Config) { c.dnsServers = append(c.dnsServers, server) }
}

func WithMultiQueue(queues int) Option {
	return func(c *Config) { c.multiQueue = queues }
}

// NewConfig applies opts on top of the defaults and validates the result.
// Every violated constraint is reported in a single *ConfigError.
func NewConfig(opts ...Option) (*Config, error) {
	c := &Config{
		socks5Address: DefaultSOCKS5Address,
		socks5Port:    DefaultSOCKS5Port,
		tunName:       DefaultTunName,
		tunMTU:        DefaultMTU,
		ipv4:          InetConfig{Address: DefaultIPv4Address, Gateway: DefaultIPv4Gateway},
		ipv6:          InetConfig{Address: DefaultIPv6Address, Gateway: DefaultIPv6Gateway},
		dnsServers:    append([]string(nil), DefaultDNSServers...),
		multiQueue:    DefaultMultiQueue,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tunName == "" {
		c.tunName = DefaultTunName
	}

	if violations := c.validate(); len(violations) > 0 {
		return nil, &ConfigError{Violations: violations}
	}
	return c, nil
}

func (c *Config) validate() []FieldError {
	v := c.validateServer()

	for _, field := range []struct{ name, value string }{
		{"socks5.address", c.socks5Address},
		{"socks5.username", c.socks5Username},
		{"socks5.password", c.socks5Password},
		{"tunnel.name", c.tunName},
	} {
		if r, ok := controlRune(field.value); ok {
			v = append(v, FieldError{
				Field:  field.name,
				Value:  strconv.Quote(field.value),
				Reason: "contains control character " + strconv.QuoteRune(r),
			})
		}
	}

	if c.multiQueue <= 0 {
		v = append(v, FieldError{Field: "tunnel.multi-queue", Value: c.multiQueue, Reason: "multi-queue must be positive"})
	}

	v = append(v, validateInet("tunnel.ipv4", c.ipv4, netip.Addr.Is4)...)
	v = append(v, validateInet("tunnel.ipv6", c.ipv6, func(a netip.Addr) bool { return a.Is6() && !a.Is4In6() })...)

	for i, server := range c.dnsServers {
		if _, err := netip.ParseAddr(server); err != nil {
			v = append(v, FieldError{
				Field:  "misc.dns[" + strconv.Itoa(i) + "]",
				Value:  server,
				Reason: "dns server must be an IP address",
			})
		}
	}
	return v
}

// validateServer checks the fields the engine cannot start without
func (c *Config) validateServer() []FieldError {
	var v []FieldError
	if strings.TrimSpace(c.socks5Address) == "" {
		v = append(v, FieldError{Field: "socks5.address", Value: c.socks5Address, Reason: "address is required"})
	}
	if c.socks5Port < 1 || c.socks5Port > MaxPort {
		v = append(v, FieldError{Field: "socks5.port", Value: c.socks5Port, Reason: "port must be in [1,65535]"})
	}
	if c.tunMTU < MinMTU || c.tunMTU > MaxMTU {
		v = append(v, FieldError{Field: "tunnel.mtu", Value: c.tunMTU, Reason: "mtu must be in [1280,65535]"})
	}
	return v
}

// controlRune returns the first rune of s that would break a line of the
// engine config: control characters and Unicode line or paragraph
// separators.
func controlRune(s string) (rune, bool) {
	for _, r := range s {
		if unicode.IsControl(r) || unicode.In(r, unicode.Zl, unicode.Zp) {
			return r, true
		}
	}
	return 0, false
}

func validateInet(field string, inet InetConfig, family func(netip.Addr) bool) []FieldError {
	var v []FieldError
	if inet.Address == "" {
		if inet.Gateway != "" {
			v = append(v, FieldError{Field: field + ".gateway", Value: inet.Gateway, Reason: "gateway set without address"})
		}
		return v
	}
	if addr, err := netip.ParseAddr(inet.Address); err != nil || !family(addr) {
		v = append(v, FieldError{Field: field + ".address", Value: inet.Address, Reason: "not a valid address of this family"})
	}
	if inet.Gateway != "" {
		if gw, err := netip.ParseAddr(inet.Gateway); err != nil || !family(gw) {
			v = append(v, FieldError{Field: field + ".gateway", Value: inet.Gateway, Reason: "not a valid address of this family"})
		}
	}
	return v
}

func (c *Config) SOCKS5Address() string { return c.socks5Address }
func (c *Config) SOCKS5Port() int       { return c.socks5Port }
func (c *Config) Username() string      { return c.socks5Username }
func (c *Config) Password() string      { return c.socks5Password }
func (c *Config) TunName() string       { return c.tunName }
func (c *Config) MTU() int              { return c.tunMTU }
func (c *Config) IPv4() InetConfig      { return c.ipv4 }
func (c *Config) IPv6() InetConfig      { return c.ipv6 }
func (c *Config) MultiQueue() int       { return c.multiQueue }

// DNSServers returns a copy of the configured resolvers in order
func (c *Config) DNSServers() []string {
	return append([]string(nil), c.dnsServers...)
}

// Marshal renders the configuration in the engine's YAML dialect. Key order
// and section omission are part of the engine contract. A Config read by
// ParseConfig marshals to the text it was read from.
func (c *Config) Marshal() []byte {
	if c.raw != nil {
		return append([]byte(nil), c.raw...)
	}
	return []byte(c.String())
}

func (c *Config) String() string {
	if c.raw != nil {
		return string(c.raw)
	}

	var b strings.Builder

	b.WriteString("tunnel:\n")
	b.WriteString("  name: " + scalar(c.tunName) + "\n")
	b.WriteString("  mtu: " + strconv.Itoa(c.tunMTU) + "\n")
	b.WriteString("  multi-queue: " + strconv.Itoa(c.multiQueue) + "\n")
	writeInet(&b, "ipv4", c.ipv4)
	writeInet(&b, "ipv6", c.ipv6)

	b.WriteString("socks5:\n")
	b.WriteString("  address: " + scalar(c.socks5Address) + "\n")
	b.WriteString("  port: " + strconv.Itoa(c.socks5Port) + "\n")
	if c.socks5Username != "" {
		b.WriteString("  username: " + scalar(c.socks5Username) + "\n")
	}
	if c.socks5Password != "" {
		b.WriteString("  password: " + scalar(c.socks5Password) + "\n")
	}

	if len(c.dnsServers) > 0 {
		b.WriteString("misc:\n")
		b.WriteString("  dns:\n")
		for _, server := range c.dnsServers {
			b.WriteString("    - " + server + "\n")
		}
	}

	return b.String()
}

func writeInet(b *strings.Builder, family string, inet InetConfig) {
	if inet.Address == "" {
		return
	}
	b.WriteString("  " + family + ":\n")
	b.WriteString("    address: " + inet.Address + "\n")
	if inet.Gateway != "" {
		b.WriteString("    gateway: " + inet.Gateway + "\n")
	}
}

// scalar writes s as a plain YAML scalar when a reader would take it
// verbatim, and single-quoted otherwise.
func scalar(s string) string {
	if s == "" || !needsQuote(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func needsQuote(s string) bool {
	if s != strings.TrimSpace(s) {
		return true
	}
	if strings.ContainsAny(s[:1], "-?:,[]{}#&*!|>'\"%@`") {
		return true
	}
	return strings.Contains(s, ": ") || strings.Contains(s, "#") || strings.HasSuffix(s, ":")
}

// Redacted is String with the SOCKS5 password masked, for logging
func (c *Config) Redacted() string {
	if c.socks5Password == "" {
		return c.String()
	}
	if c.raw != nil {
		return passwordLine.ReplaceAllString(string(c.raw), "$1 ********")
	}
	masked := *c
	masked.socks5Password = "********"
	return masked.String()
}
