// internal/tunnel/parse.go
package tunnel

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// engineFile reads the fields the controller reports on. Keys it does not
// name are left to the engine. The inet sections and multi-queue are nodes
// because the engine also accepts scalar forms for them.
type engineFile struct {
	Tunnel struct {
		Name       string    `yaml:"name"`
		MTU        *int      `yaml:"mtu"`
		MultiQueue yaml.Node `yaml:"multi-queue"`
		IPv4       yaml.Node `yaml:"ipv4"`
		IPv6       yaml.Node `yaml:"ipv6"`
	} `yaml:"tunnel"`
	SOCKS5 struct {
		Address  string `yaml:"address"`
		Port     *int   `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"socks5"`
	Misc struct {
		DNS []string `yaml:"dns"`
	} `yaml:"misc"`
}

type engineInet struct {
	Address string `yaml:"address"`
	Gateway string `yaml:"gateway"`
}

var passwordLine = regexp.MustCompile(`(?m)^([ \t]*password:).*$`)

// LoadConfig reads an engine config file. See ParseConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig reads text in the engine config format. The text is kept as
// is and handed to the engine unchanged, including keys this package does
// not know. Only the SOCKS5 server and the MTU are validated; the rest is
// read for reporting.
func ParseConfig(data []byte) (*Config, error) {
	var f engineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse engine config: %w", err)
	}

	c := &Config{
		socks5Address:  f.SOCKS5.Address,
		socks5Port:     DefaultSOCKS5Port,
		socks5Username: f.SOCKS5.Username,
		socks5Password: f.SOCKS5.Password,
		tunName:        f.Tunnel.Name,
		tunMTU:         DefaultMTU,
		dnsServers:     append([]string(nil), f.Misc.DNS...),
		multiQueue:     DefaultMultiQueue,
		raw:            append([]byte(nil), data...),
	}
	if c.tunName == "" {
		c.tunName = DefaultTunName
	}
	if f.SOCKS5.Port != nil {
		c.socks5Port = *f.SOCKS5.Port
	}
	if f.Tunnel.MTU != nil {
		c.tunMTU = *f.Tunnel.MTU
	}

	var v []FieldError
	if q, err := multiQueueOf(&f.Tunnel.MultiQueue); err != nil {
		v = append(v, FieldError{Field: "tunnel.multi-queue", Value: f.Tunnel.MultiQueue.Value, Reason: err.Error()})
	} else if q > 0 {
		c.multiQueue = q
	}
	var err error
	if c.ipv4, err = inetOf(&f.Tunnel.IPv4); err != nil {
		v = append(v, FieldError{Field: "tunnel.ipv4", Value: f.Tunnel.IPv4.Value, Reason: err.Error()})
	}
	if c.ipv6, err = inetOf(&f.Tunnel.IPv6); err != nil {
		v = append(v, FieldError{Field: "tunnel.ipv6", Value: f.Tunnel.IPv6.Value, Reason: err.Error()})
	}

	v = append(v, c.validateServer()...)
	if len(v) > 0 {
		return nil, &ConfigError{Violations: v}
	}
	return c, nil
}

// inetOf reads an address family section, either "ipv4: 198.18.0.1" or a
// mapping with address and gateway. An absent section yields a zero value.
func inetOf(n *yaml.Node) (InetConfig, error) {
	switch n.Kind {
	case 0:
		return InetConfig{}, nil
	case yaml.ScalarNode:
		return InetConfig{Address: n.Value}, nil
	case yaml.MappingNode:
		var inet engineInet
		if err := n.Decode(&inet); err != nil {
			return InetConfig{}, err
		}
		return InetConfig{Address: inet.Address, Gateway: inet.Gateway}, nil
	default:
		return InetConfig{}, errors.New("expected an address or a mapping")
	}
}

// multiQueueOf reads a queue count or the engine's boolean switch. It
// returns 0 when the key is absent, and 1 for false.
func multiQueueOf(n *yaml.Node) (int, error) {
	if n.Kind == 0 {
		return 0, nil
	}
	var queues int
	if err := n.Decode(&queues); err == nil {
		if queues <= 0 {
			return 0, errors.New("multi-queue must be positive")
		}
		return queues, nil
	}
	var on bool
	if err := n.Decode(&on); err != nil {
		return 0, errors.New("expected a queue count or a boolean")
	}
	if on {
		return DefaultMultiQueue, nil
	}
	return 1, nil
}
