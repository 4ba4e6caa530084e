package upnpigd

import (
	"context"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
)

// igdClient is the slice of a goupnp IGD connection client the engine
// exercises, abstracted so tests can substitute a fake gateway.
type igdClient interface {
	GetExternalIPAddress() (string, error)
	AddPortMapping(
		newRemoteHost string,
		newExternalPort uint16,
		newProtocol string,
		newInternalPort uint16,
		newInternalClient string,
		newEnabled bool,
		newPortMappingDescription string,
		newLeaseDuration uint32,
	) error
	DeletePortMapping(newRemoteHost string, newExternalPort uint16, newProtocol string) error

	// Location reports the host of the device description URL, used to
	// match a pinned gateway against discovered devices.
	Location() string
}

type igdv2Wrapper struct {
	client *internetgateway2.WANIPConnection2
}

func (w *igdv2Wrapper) GetExternalIPAddress() (string, error) {
	return w.client.GetExternalIPAddress()
}

func (w *igdv2Wrapper) AddPortMapping(
	remoteHost string, externalPort uint16, protocol string,
	internalPort uint16, internalClient string, enabled bool,
	description string, leaseDuration uint32,
) error {
	return w.client.AddPortMapping(
		remoteHost, externalPort, protocol, internalPort,
		internalClient, enabled, description, leaseDuration,
	)
}

func (w *igdv2Wrapper) DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error {
	return w.client.DeletePortMapping(remoteHost, externalPort, protocol)
}

func (w *igdv2Wrapper) Location() string {
	if w.client.ServiceClient.Location == nil {
		return ""
	}
	return w.client.ServiceClient.Location.Hostname()
}

type igdv1Wrapper struct {
	client *internetgateway1.WANIPConnection1
}

func (w *igdv1Wrapper) GetExternalIPAddress() (string, error) {
	return w.client.GetExternalIPAddress()
}

func (w *igdv1Wrapper) AddPortMapping(
	remoteHost string, externalPort uint16, protocol string,
	internalPort uint16, internalClient string, enabled bool,
	description string, leaseDuration uint32,
) error {
	return w.client.AddPortMapping(
		remoteHost, externalPort, protocol, internalPort,
		internalClient, enabled, description, leaseDuration,
	)
}

func (w *igdv1Wrapper) DeletePortMapping(remoteHost string, externalPort uint16, protocol string) error {
	return w.client.DeletePortMapping(remoteHost, externalPort, protocol)
}

func (w *igdv1Wrapper) Location() string {
	if w.client.ServiceClient.Location == nil {
		return ""
	}
	return w.client.ServiceClient.Location.Hostname()
}

// discoverClients runs SSDP discovery, preferring IGDv2 WANIPConnection2
// services and falling back to IGDv1 WANIPConnection1.
func discoverClients(ctx context.Context) []igdClient {
	var out []igdClient

	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil {
		for _, c := range clients {
			out = append(out, &igdv2Wrapper{client: c})
		}
	}
	if len(out) > 0 {
		return out
	}

	if clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil {
		for _, c := range clients {
			out = append(out, &igdv1Wrapper{client: c})
		}
	}
	return out
}
