package tunnel

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const defaultEngineConfig = `tunnel:
  name: tun0
  mtu: 8500
  multi-queue: 4
  ipv4:
    address: 10.0.0.2
    gateway: 10.0.0.1
  ipv6:
    address: fc00::2
    gateway: fc00::1
socks5:
  address: 127.0.0.1
  port: 1080
misc:
  dns:
    - 8.8.8.8
    - 8.8.4.4
`

func TestDefaultConfigMarshal(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if got := string(cfg.Marshal()); got != defaultEngineConfig {
		t.Fatalf("Marshal() =\n%s\nwant\n%s", got, defaultEngineConfig)
	}
}

func TestDefaultConfigDNSEntries(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Misc struct {
			DNS []string `yaml:"dns"`
		} `yaml:"misc"`
	}
	if err := yaml.Unmarshal(cfg.Marshal(), &doc); err != nil {
		t.Fatalf("engine config is not valid YAML: %v", err)
	}
	want := []string{"8.8.8.8", "8.8.4.4"}
	if !reflect.DeepEqual(doc.Misc.DNS, want) {
		t.Fatalf("misc.dns = %v, want %v", doc.Misc.DNS, want)
	}
}

func TestSOCKS5PortRange(t *testing.T) {
	for _, port := range []int{-65536, -1, 0, 65536, 70000, 1 << 20} {
		_, err := NewConfig(WithSOCKS5Port(port))
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("port %d: error = %v, want *ConfigError", port, err)
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("port %d: errors.Is(err, ErrInvalidConfig) = false", port)
		}
		if fields := cfgErr.Fields(); len(fields) != 1 || fields[0] != "socks5.port" {
			t.Fatalf("port %d: fields = %v, want [socks5.port]", port, fields)
		}
	}
	for _, port := range []int{1, 80, 1080, 8080, 65534, 65535} {
		cfg, err := NewConfig(WithSOCKS5Port(port))
		if err != nil {
			t.Fatalf("port %d: unexpected error %v", port, err)
		}
		if cfg.SOCKS5Port() != port {
			t.Fatalf("SOCKS5Port() = %d, want %d", cfg.SOCKS5Port(), port)
		}
	}
}

func TestMTURange(t *testing.T) {
	for _, mtu := range []int{0, 576, 1279, 65536, 100000} {
		if _, err := NewConfig(WithMTU(mtu)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("mtu %d: error = %v, want ErrInvalidConfig", mtu, err)
		}
	}
	for _, mtu := range []int{1280, 1500, 8500, 65535} {
		if _, err := NewConfig(WithMTU(mtu)); err != nil {
			t.Fatalf("mtu %d: unexpected error %v", mtu, err)
		}
	}
}

func TestMultiQueueMustBePositive(t *testing.T) {
	for _, q := range []int{0, -1} {
		if _, err := NewConfig(WithMultiQueue(q)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("multi-queue %d: error = %v, want ErrInvalidConfig", q, err)
		}
	}
	cfg, err := NewConfig(WithMultiQueue(1))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(cfg.String(), "  multi-queue: 1\n") {
		t.Fatalf("multi-queue not serialized:\n%s", cfg)
	}
}

func TestEmptyAddressRejected(t *testing.T) {
	_, err := NewConfig(WithSOCKS5Address(""))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if fields := cfgErr.Fields(); len(fields) != 1 || fields[0] != "socks5.address" {
		t.Fatalf("fields = %v, want [socks5.address]", fields)
	}
}

func TestConfigErrorListsAllViolations(t *testing.T) {
	_, err := NewConfig(
		WithSOCKS5("", 0),
		WithMTU(100),
		WithMultiQueue(0),
		WithIPv4("not-an-ip", ""),
		WithDNSServers("8.8.8.8", "dns.example"),
	)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	want := []string{
		"socks5.address",
		"socks5.port",
		"tunnel.mtu",
		"tunnel.multi-queue",
		"tunnel.ipv4.address",
		"misc.dns[1]",
	}
	if got := cfgErr.Fields(); !reflect.DeepEqual(got, want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}
	if !strings.Contains(err.Error(), "tunnel.mtu") {
		t.Fatalf("Error() = %q does not name tunnel.mtu", err.Error())
	}
}

func TestAddressFamilyValidation(t *testing.T) {
	tests := []struct {
		name  string
		opt   Option
		field string
	}{
		{"ipv6 in ipv4 slot", WithIPv4("fc00::2", ""), "tunnel.ipv4.address"},
		{"ipv4 in ipv6 slot", WithIPv6("10.0.0.2", ""), "tunnel.ipv6.address"},
		{"bad ipv4 gateway", WithIPv4("10.0.0.2", "gw"), "tunnel.ipv4.gateway"},
		{"gateway without address", WithIPv6("", "fc00::1"), "tunnel.ipv6.gateway"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(tt.opt)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error = %v, want *ConfigError", err)
			}
			if fields := cfgErr.Fields(); len(fields) != 1 || fields[0] != tt.field {
				t.Fatalf("fields = %v, want [%s]", fields, tt.field)
			}
		})
	}
}

func TestEmptyIPv6OmitsSection(t *testing.T) {
	cfg, err := NewConfig(WithIPv6("", ""))
	if err != nil {
		t.Fatal(err)
	}
	out := cfg.String()
	if strings.Contains(out, "ipv6:") || strings.Contains(out, "fc00::") {
		t.Fatalf("ipv6 section present:\n%s", out)
	}
	if !strings.Contains(out, "  ipv4:\n    address: 10.0.0.2\n    gateway: 10.0.0.1\n") {
		t.Fatalf("ipv4 section missing:\n%s", out)
	}
}

func TestOptionalSections(t *testing.T) {
	cfg, err := NewConfig(
		WithSOCKS5("10.0.0.5", 1080),
		WithAuth("alice", "s3cret"),
		WithTunName("tun7"),
		WithMTU(1500),
		WithIPv4("198.18.0.1", ""),
		WithIPv6("", ""),
		WithDNSServers(),
		WithMultiQueue(2),
	)
	if err != nil {
		t.Fatal(err)
	}
	want := `tunnel:
  name: tun7
  mtu: 1500
  multi-queue: 2
  ipv4:
    address: 198.18.0.1
socks5:
  address: 10.0.0.5
  port: 1080
  username: alice
  password: s3cret
`
	if got := cfg.String(); got != want {
		t.Fatalf("String() =\n%s\nwant\n%s", got, want)
	}
	if strings.Contains(cfg.Redacted(), "s3cret") {
		t.Fatalf("Redacted() leaks the password:\n%s", cfg.Redacted())
	}
}

func TestDNSOrderPreserved(t *testing.T) {
	cfg, err := NewConfig(WithDNSServers("1.1.1.1"), AddDNSServer("9.9.9.9"), AddDNSServer("2606:4700:4700::1111"))
	if err != nil {
		t.Fatal(err)
	}
	want := "misc:\n  dns:\n    - 1.1.1.1\n    - 9.9.9.9\n    - 2606:4700:4700::1111\n"
	if !strings.HasSuffix(cfg.String(), want) {
		t.Fatalf("dns section =\n%s\nwant suffix\n%s", cfg, want)
	}

	servers := cfg.DNSServers()
	servers[0] = "0.0.0.0"
	if cfg.DNSServers()[0] != "1.1.1.1" {
		t.Fatal("DNSServers() exposes internal state")
	}
}

func TestEmptyTunNameFallsBackToDefault(t *testing.T) {
	cfg, err := NewConfig(WithTunName(""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TunName() != DefaultTunName {
		t.Fatalf("TunName() = %q, want %q", cfg.TunName(), DefaultTunName)
	}
}

func TestParseConfigReadsFields(t *testing.T) {
	orig, err := NewConfig(
		WithSOCKS5("192.168.1.10", 9050),
		WithAuth("bob", ""),
		WithMTU(1400),
		WithIPv4("", ""),
		WithDNSServers("1.0.0.1"),
	)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseConfig(orig.Marshal())
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if parsed.SOCKS5Address() != "192.168.1.10" || parsed.SOCKS5Port() != 9050 || parsed.Username() != "bob" ||
		parsed.MTU() != 1400 || parsed.IPv4().Address != "" || parsed.IPv6() != orig.IPv6() ||
		!reflect.DeepEqual(parsed.DNSServers(), []string{"1.0.0.1"}) || parsed.MultiQueue() != DefaultMultiQueue {
		t.Fatalf("parsed fields differ:\n%s\nvs\n%s", parsed.Redacted(), orig.Redacted())
	}
}

// upstreamEngineConfig uses keys and scalar forms this package does not model
const upstreamEngineConfig = `tunnel:
  name: tun0
  mtu: 8500
  multi-queue: false
  ipv4: 198.18.0.1
  ipv6: 'fc00::1'
  post-up-script: up.sh

socks5:
  port: 1080
  address: 127.0.0.1
  udp: 'udp'
  username: 'user'
  password: 'secret'

misc:
  log-level: debug
  task-stack-size: 86016
`

func TestParseConfigKeepsText(t *testing.T) {
	cfg, err := ParseConfig([]byte(upstreamEngineConfig))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if got := string(cfg.Marshal()); got != upstreamEngineConfig {
		t.Fatalf("Marshal() =\n%s\nwant the parsed text unchanged", got)
	}
	if cfg.String() != upstreamEngineConfig {
		t.Fatal("String() differs from the parsed text")
	}

	if cfg.IPv4().Address != "198.18.0.1" || cfg.IPv6().Address != "fc00::1" {
		t.Fatalf("inet = %+v %+v", cfg.IPv4(), cfg.IPv6())
	}
	if cfg.MultiQueue() != 1 || cfg.Username() != "user" || cfg.Password() != "secret" {
		t.Fatalf("multi-queue=%d username=%q password=%q", cfg.MultiQueue(), cfg.Username(), cfg.Password())
	}

	redacted := cfg.Redacted()
	if strings.Contains(redacted, "secret") || !strings.Contains(redacted, "  password: ********\n") ||
		!strings.Contains(redacted, "  udp: 'udp'\n") {
		t.Fatalf("Redacted() =\n%s", redacted)
	}
}

func TestParseConfigMultiQueueForms(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"true", DefaultMultiQueue},
		{"false", 1},
		{"2", 2},
	}
	for _, tt := range tests {
		cfg, err := ParseConfig([]byte("tunnel:\n  multi-queue: " + tt.value + "\nsocks5:\n  address: 127.0.0.1\n"))
		if err != nil {
			t.Fatalf("multi-queue %s: %v", tt.value, err)
		}
		if cfg.MultiQueue() != tt.want {
			t.Errorf("multi-queue %s = %d, want %d", tt.value, cfg.MultiQueue(), tt.want)
		}
	}

	_, err := ParseConfig([]byte("tunnel:\n  multi-queue: many\nsocks5:\n  address: 127.0.0.1\n"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) || !reflect.DeepEqual(cfgErr.Fields(), []string{"tunnel.multi-queue"}) {
		t.Fatalf("error = %v, want a tunnel.multi-queue violation", err)
	}
}

func TestControlCharactersRejected(t *testing.T) {
	_, err := NewConfig(
		WithSOCKS5Address("10.0.0.5\n"),
		WithAuth("bob\n  port: 9", "pa\rss"),
		WithTunName("tun\x00"),
	)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	want := []string{"socks5.address", "socks5.username", "socks5.password", "tunnel.name"}
	if !reflect.DeepEqual(cfgErr.Fields(), want) {
		t.Fatalf("fields = %v, want %v", cfgErr.Fields(), want)
	}

	if _, err := NewConfig(WithAuth("bob", "pa\u2028ss")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("line separator accepted: %v", err)
	}
}

func TestCredentialsQuotedWhenNeeded(t *testing.T) {
	tests := []struct {
		value string
		line  string
	}{
		{"alice", "alice"},
		{"pa#ss", "'pa#ss'"},
		{"pa #ss", "'pa #ss'"},
		{"a: b", "'a: b'"},
		{" padded ", "' padded '"},
		{"it's", "it's"},
		{"'quoted'", "'''quoted'''"},
		{"-dash", "'-dash'"},
		{"colon:", "'colon:'"},
		{"*alias", "'*alias'"},
	}
	for _, tt := range tests {
		cfg, err := NewConfig(WithAuth("user", tt.value))
		if err != nil {
			t.Fatalf("password %q: %v", tt.value, err)
		}
		if !strings.Contains(cfg.String(), "  password: "+tt.line+"\n") {
			t.Errorf("password %q rendered as:\n%s", tt.value, cfg)
		}

		var doc struct {
			SOCKS5 map[string]interface{} `yaml:"socks5"`
		}
		if err := yaml.Unmarshal(cfg.Marshal(), &doc); err != nil {
			t.Fatalf("password %q: engine config is not valid YAML: %v", tt.value, err)
		}
		if doc.SOCKS5["password"] != tt.value || len(doc.SOCKS5) != 4 {
			t.Errorf("password %q read back as %v", tt.value, doc.SOCKS5)
		}
	}
}

func TestParseConfigValidates(t *testing.T) {
	_, err := ParseConfig([]byte("tunnel:\n  mtu: 90\nsocks5:\n  address: 127.0.0.1\n  port: 0\n"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want *ConfigError", err)
	}
	if got, want := cfgErr.Fields(), []string{"socks5.port", "tunnel.mtu"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}

	if _, err := ParseConfig([]byte("tunnel: [")); err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("malformed YAML error = %v, want a parse error", err)
	}
}
