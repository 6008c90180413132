// internal/network/interface.go
package network

import (
	"fmt"
	"net/netip"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/tun"
)

// InterfaceOptions describes the TUN interface handed to the tunnel engine
type InterfaceOptions struct {
	Name string
	MTU  int
	// Addresses are assigned to the link, e.g. "10.0.0.2/24", "fc00::2/64"
	Addresses []string
	// Routes are sent through the link, e.g. "0.0.0.0/1"
	Routes []string
	// Bypass hosts keep their current route, typically the SOCKS5 server
	Bypass []string
}

// TunInterface manages the TUN network interface
type TunInterface struct {
	device tun.Device
	fd     int
	name   string
	router *Router
	log    *log.Entry
}

// NewTunInterface creates and configures a TUN interface
func NewTunInterface(opts InterfaceOptions) (*TunInterface, error) {
	addrs, err := ParsePrefixes(opts.Addresses)
	if err != nil {
		return nil, fmt.Errorf("invalid interface address: %w", err)
	}
	routes, err := ParsePrefixes(opts.Routes)
	if err != nil {
		return nil, fmt.Errorf("invalid route: %w", err)
	}

	fd, err := openTun(opts.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open TUN device: %w", err)
	}

	// Create TUN device
	device, err := tun.CreateTUNFromFile(os.NewFile(uintptr(fd), "/dev/net/tun"), opts.MTU)
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}

	realName, err := device.Name()
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("failed to get TUN device name: %w", err)
	}

	tunIface := &TunInterface{
		device: device,
		fd:     fd,
		name:   realName,
		log:    log.WithFields(log.Fields{"component": "network", "interface": realName}),
	}
	go tunIface.watchEvents()

	// Configure the interface
	if err := tunIface.configure(addrs, routes, opts.Bypass); err != nil {
		tunIface.Close()
		return nil, err
	}

	tunIface.log.Infof("🔌 TUN interface %s ready (mtu %d, %d addresses, %d routes)", realName, opts.MTU, len(addrs), len(routes))
	return tunIface, nil
}

// configure sets up the TUN interface with addresses and routes
func (t *TunInterface) configure(addrs, routes []netip.Prefix, bypass []string) error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("failed to get link: %w", err)
	}

	for _, prefix := range addrs {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: prefixToIPNet(prefix)}); err != nil {
			return fmt.Errorf("failed to add address %s: %w", prefix, err)
		}
	}

	// Bring interface up
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring interface up: %w", err)
	}

	t.router = NewRouter(link)
	for _, host := range bypass {
		if err := t.router.Bypass(host); err != nil {
			return err
		}
	}
	for _, prefix := range routes {
		if err := t.router.AddRoute(prefix); err != nil {
			return err
		}
	}
	return nil
}

func (t *TunInterface) watchEvents() {
	for event := range t.device.Events() {
		switch {
		case event&tun.EventUp != 0:
			t.log.Info("Interface is up")
		case event&tun.EventDown != 0:
			t.log.Warn("Interface is down")
		case event&tun.EventMTUUpdate != 0:
			if mtu, err := t.device.MTU(); err == nil {
				t.log.Infof("Interface MTU changed to %d", mtu)
			}
		}
	}
}

// Fd returns the raw TUN descriptor for the tunnel engine. The descriptor
// stays valid until Close.
func (t *TunInterface) Fd() uintptr {
	return uintptr(t.fd)
}

// Name returns the interface name
func (t *TunInterface) Name() string {
	return t.name
}

// Close removes installed routes and closes the TUN interface
func (t *TunInterface) Close() error {
	if t.router != nil {
		if err := t.router.Close(); err != nil {
			t.log.Warnf("Failed to remove routes: %v", err)
		}
	}
	return t.device.Close()
}

// ParsePrefixes parses CIDR strings, accepting bare addresses as host prefixes
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			addr, addrErr := netip.ParseAddr(v)
			if addrErr != nil {
				return nil, fmt.Errorf("%q: %w", v, err)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}
