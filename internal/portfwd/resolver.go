package portfwd

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
)

const resolveTimeout = 3 * time.Second

// resolveAddr turns a host/port pair into a socket address. An empty
// host resolves to the local wildcard bind address for that port. The
// first IPv4 or IPv6 lookup result wins, in resolver order. Failures
// are logged and reported as ok=false; there are no retries.
func resolveAddr(log zerolog.Logger, host string, port uint16) (netip.AddrPort, bool) {
	if host == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), port), true
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), port), true
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		log.Error().Err(err).Str("host", host).Msg("address lookup failed")
		return netip.AddrPort{}, false
	}

	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		return netip.AddrPortFrom(ip.Unmap(), port), true
	}

	log.Error().Str("host", host).Msg("lookup returned no usable address")
	return netip.AddrPort{}, false
}
