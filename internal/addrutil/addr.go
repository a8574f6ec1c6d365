package addrutil

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Normalize strips IPv4-in-IPv6 mapping so endpoints read from dual-stack
// sockets compare equal to their IPv4 form.
func Normalize(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// FromUDPAddr converts a *net.UDPAddr into a normalized AddrPort.
func FromUDPAddr(addr *net.UDPAddr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	return Normalize(addr.AddrPort())
}

// Resolve turns "host:port" into an endpoint, looking the host up when it
// is not a literal IP. IPv4 answers are preferred.
func Resolve(ctx context.Context, hostport string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(hostport))
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", hostport, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: bad port: %w", hostport, err)
	}
	ip, err := ResolveHost(ctx, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

// ResolveHost resolves a bare host name or IP literal.
func ResolveHost(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if host == "" {
		return netip.Addr{}, fmt.Errorf("empty host")
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("lookup %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("lookup %s: no addresses", host)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}

// JoinPort builds an endpoint from a resolved host and port number.
func JoinPort(ip netip.Addr, port int) (netip.AddrPort, error) {
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, fmt.Errorf("port %d out of range", port)
	}
	return netip.AddrPortFrom(ip, uint16(port)), nil
}

// WithAdvertisedIP replaces the address of a bound endpoint (often 0.0.0.0 or
// [::]) with the address peers should see.
func WithAdvertisedIP(bound netip.AddrPort, advertise string) netip.AddrPort {
	advertise = strings.TrimSpace(advertise)
	if advertise == "" {
		return Normalize(bound)
	}
	ip, err := netip.ParseAddr(advertise)
	if err != nil {
		return Normalize(bound)
	}
	return netip.AddrPortFrom(ip.Unmap(), bound.Port())
}
