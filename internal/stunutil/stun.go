package stunutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// ErrNotBindingRequest is returned by BindingSuccess for STUN messages that
// are not binding requests (for example responses to our own probes).
var ErrNotBindingRequest = errors.New("not a stun binding request")

const software = "punchctl"

// TrimScheme accepts "stun:host:port" as well as "host:port".
func TrimScheme(server string) string {
	return strings.TrimPrefix(strings.TrimSpace(server), "stun:")
}

// BindingSuccess answers a raw binding request with the sender's observed
// address as XOR-MAPPED-ADDRESS.
func BindingSuccess(raw []byte, observed netip.AddrPort) ([]byte, error) {
	req := &stun.Message{Raw: append([]byte(nil), raw...)}
	if err := req.Decode(); err != nil {
		return nil, fmt.Errorf("decode stun: %w", err)
	}
	if req.Type != stun.BindingRequest {
		return nil, ErrNotBindingRequest
	}

	res, err := stun.Build(
		stun.NewTransactionIDSetter(req.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: net.IP(observed.Addr().Unmap().AsSlice()), Port: int(observed.Port())},
		stun.NewSoftware(software),
		stun.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("build stun response: %w", err)
	}
	return res.Raw, nil
}

// AddrPortOf converts a mapped address attribute to an endpoint.
func AddrPortOf(addr stun.XORMappedAddress) (netip.AddrPort, error) {
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("stun response missing mapped address")
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
}

// Probe queries STUN servers from fresh sockets and returns every mapped
// address obtained. The mapped addresses belong to those sockets, not to the
// caller's punch socket; they are useful only as a cross-check.
func Probe(ctx context.Context, servers []string, timeout time.Duration) ([]netip.AddrPort, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no STUN servers provided")
	}

	results := make([]netip.AddrPort, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := probeServer(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		results = append(results, addr)
	}

	if len(results) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return nil, lastErr
	}
	return results, nil
}

// MappingVaries reports whether different servers saw different mappings,
// a strong hint of a symmetric NAT. Fewer than two samples prove nothing.
func MappingVaries(addrs []netip.AddrPort) bool {
	if len(addrs) < 2 {
		return false
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return true
		}
	}
	return false
}

func probeServer(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	uriStr := TrimScheme(server)
	if uriStr == "" {
		return netip.AddrPort{}, fmt.Errorf("empty STUN server")
	}

	uri, err := stun.ParseURI("stun:" + uriStr)
	if err != nil {
		return netip.AddrPort{}, err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return AddrPortOf(addr)
	case err := <-fail:
		return netip.AddrPort{}, err
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}
