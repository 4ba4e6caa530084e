package portfwd

import (
	"net/netip"
	"testing"

	"github.com/rs/zerolog"

	"github.com/danmuck/fwdctl/internal/testutil/testlog"
)

func TestResolveAddrWildcardBind(t *testing.T) {
	testlog.Start(t)
	addr, ok := resolveAddr(zerolog.Nop(), "", 7808)
	if !ok {
		t.Fatalf("wildcard resolution failed")
	}
	if !addr.Addr().IsUnspecified() {
		t.Fatalf("addr=%v", addr)
	}
	if addr.Port() != 7808 {
		t.Fatalf("port=%d", addr.Port())
	}
}

func TestResolveAddrIPLiterals(t *testing.T) {
	testlog.Start(t)
	addr, ok := resolveAddr(zerolog.Nop(), "192.168.1.1", 5351)
	if !ok {
		t.Fatalf("v4 literal failed")
	}
	if addr != netip.MustParseAddrPort("192.168.1.1:5351") {
		t.Fatalf("addr=%v", addr)
	}

	addr, ok = resolveAddr(zerolog.Nop(), "fd00::1", 5351)
	if !ok {
		t.Fatalf("v6 literal failed")
	}
	if addr != netip.MustParseAddrPort("[fd00::1]:5351") {
		t.Fatalf("addr=%v", addr)
	}
}

func TestResolveAddrLookupFailure(t *testing.T) {
	testlog.Start(t)
	// RFC 6761 reserves .invalid; resolution must fail.
	if _, ok := resolveAddr(zerolog.Nop(), "gateway.invalid", 5351); ok {
		t.Fatalf("expected lookup failure")
	}
}
