// internal/network/routing.go
package network

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// Router installs routes through the TUN link and removes them on Close
type Router struct {
	link      netlink.Link
	installed []netlink.Route
}

// NewRouter creates a new router
func NewRouter(link netlink.Link) *Router {
	return &Router{link: link}
}

// AddRoute sends prefix through the TUN link
func (r *Router) AddRoute(prefix netip.Prefix) error {
	route := netlink.Route{
		LinkIndex: r.link.Attrs().Index,
		Dst:       prefixToIPNet(prefix),
		Scope:     netlink.SCOPE_LINK,
	}
	if err := netlink.RouteReplace(&route); err != nil {
		return fmt.Errorf("failed to add route %s: %w", prefix, err)
	}
	r.installed = append(r.installed, route)
	return nil
}

// Bypass pins host to the route it uses now, so traffic to it does not loop
// back into the tunnel once the TUN routes are installed.
func (r *Router) Bypass(host string) error {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil {
			return fmt.Errorf("failed to resolve bypass host %s: %w", host, lookupErr)
		}
		if len(ips) == 0 {
			return fmt.Errorf("bypass host %s has no addresses", host)
		}
		addr, _ = netip.AddrFromSlice(ips[0])
		addr = addr.Unmap()
	}

	current, err := netlink.RouteGet(addr.AsSlice())
	if err != nil {
		return fmt.Errorf("failed to look up route to bypass host %s: %w", addr, err)
	}
	if len(current) == 0 {
		return fmt.Errorf("no route to bypass host %s", addr)
	}
	if current[0].LinkIndex == r.link.Attrs().Index {
		return fmt.Errorf("bypass host %s already routes through %s", addr, r.link.Attrs().Name)
	}

	route := bypassRoute(addr, current[0])
	if err := netlink.RouteReplace(&route); err != nil {
		return fmt.Errorf("failed to add bypass route for %s: %w", addr, err)
	}
	r.installed = append(r.installed, route)
	return nil
}

// Close removes installed routes, newest first
func (r *Router) Close() error {
	var errs []error
	for i := len(r.installed) - 1; i >= 0; i-- {
		if err := netlink.RouteDel(&r.installed[i]); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove route %s: %w", r.installed[i].Dst, err))
		}
	}
	r.installed = nil
	return errors.Join(errs...)
}

func bypassRoute(addr netip.Addr, via netlink.Route) netlink.Route {
	return netlink.Route{
		LinkIndex: via.LinkIndex,
		Dst:       prefixToIPNet(netip.PrefixFrom(addr, addr.BitLen())),
		Gw:        via.Gw,
	}
}

func prefixToIPNet(prefix netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   prefix.Addr().AsSlice(),
		Mask: net.CIDRMask(prefix.Bits(), prefix.Addr().BitLen()),
	}
}
