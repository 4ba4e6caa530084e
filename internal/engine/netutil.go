package engine

import (
	"net"
	"net/netip"
)

// LocalAddrToward reports the local IP the kernel would source traffic
// toward host from. A UDP dial sends no packets; this only consults the
// routing table.
func LocalAddrToward(host string) (netip.Addr, bool) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, "9"))
	if err != nil {
		return netip.Addr{}, false
	}
	defer func() { _ = conn.Close() }()

	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(udpAddr.IP)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
