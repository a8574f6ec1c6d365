package addrutil

import (
	"context"
	"net"
	"net/netip"
	"testing"
)

func TestNormalize_UnmapsIPv4(t *testing.T) {
	mapped := netip.MustParseAddrPort("[::ffff:203.0.113.7]:40001")
	got := Normalize(mapped)
	if got != netip.MustParseAddrPort("203.0.113.7:40001") {
		t.Fatalf("got=%s", got)
	}
	if Normalize(netip.AddrPort{}).IsValid() {
		t.Fatal("zero endpoint became valid")
	}
}

func TestFromUDPAddr(t *testing.T) {
	got := FromUDPAddr(&net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 51000})
	if got != netip.MustParseAddrPort("198.51.100.9:51000") {
		t.Fatalf("got=%s", got)
	}
	if FromUDPAddr(nil).IsValid() {
		t.Fatal("nil addr became valid")
	}
}

func TestResolve_Literal(t *testing.T) {
	got, err := Resolve(context.Background(), "192.0.2.1:3478")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != netip.MustParseAddrPort("192.0.2.1:3478") {
		t.Fatalf("got=%s", got)
	}

	got, err = Resolve(context.Background(), "[2001:db8::1]:3479")
	if err != nil {
		t.Fatalf("Resolve v6: %v", err)
	}
	if got.Port() != 3479 || !got.Addr().Is6() {
		t.Fatalf("got=%s", got)
	}
}

func TestResolve_Errors(t *testing.T) {
	if _, err := Resolve(context.Background(), "192.0.2.1"); err == nil {
		t.Fatal("expected missing port error")
	}
	if _, err := Resolve(context.Background(), "192.0.2.1:99999"); err == nil {
		t.Fatal("expected bad port error")
	}
	if _, err := JoinPort(netip.MustParseAddr("192.0.2.1"), 0); err == nil {
		t.Fatal("expected range error")
	}
}

func TestWithAdvertisedIP(t *testing.T) {
	bound := netip.MustParseAddrPort("[::]:3478")
	if got := WithAdvertisedIP(bound, "192.0.2.10"); got != netip.MustParseAddrPort("192.0.2.10:3478") {
		t.Fatalf("got=%s", got)
	}
	if got := WithAdvertisedIP(bound, ""); got != bound {
		t.Fatalf("got=%s", got)
	}
}
