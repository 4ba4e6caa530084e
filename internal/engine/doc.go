// Package engine owns the port-control engine contract consumed by portfwd.
//
// Ownership boundary:
// - Engine/Flow interfaces and construction options
// - flow state enum and mapping info values
// - retry/backoff primitives shared by engine implementations
//
// Implementations live in subpackages (natpmp, upnpigd). The portfwd
// session drives whichever implementation it is handed and never
// depends on a concrete engine.
package engine
