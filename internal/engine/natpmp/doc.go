// Package natpmp implements the engine contract over NAT-PMP (RFC 6886).
//
// The gateway is the default route (or a pinned server), the control
// port is 5351, and a mapping is renewed at half its granted lifetime.
// Revocation is a lifetime-zero mapping request.
package natpmp
