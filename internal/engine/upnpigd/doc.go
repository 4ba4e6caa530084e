// Package upnpigd implements the engine contract over UPnP IGD using
// goupnp, preferring WANIPConnection2 devices and falling back to v1.
// Mappings are renewed at half the requested lease; revocation is a
// DeletePortMapping call.
package upnpigd
