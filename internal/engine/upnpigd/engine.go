package upnpigd

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/danmuck/fwdctl/internal/engine"
	"github.com/danmuck/fwdctl/internal/observability"
)

const (
	metricsLabel = "upnp"

	// mappingDescription tags entries in the router's mapping table.
	mappingDescription = "fwdctl"

	failThreshold = 3
)

var (
	errNoDevice      = errors.New("upnpigd: no internet gateway device found")
	errBadExternalIP = errors.New("upnpigd: gateway returned unusable external address")
)

type phase int

const (
	phaseDiscover phase = iota
	phaseProbe
	phaseMap
	phaseIdle
)

// Engine drives one UPnP IGD mapping through a phase machine; each
// Pulse performs at most one bounded gateway exchange.
type Engine struct {
	log     zerolog.Logger
	clk     clock.Clock
	timeout time.Duration
	backoff engine.BackoffConfig

	auto   bool
	server netip.AddrPort

	discover func(context.Context) []igdClient

	client     igdClient
	externalIP netip.Addr

	phase   phase
	attempt int
	renewAt time.Time

	flow       *Flow
	terminated bool
}

var _ engine.Engine = (*Engine)(nil)

// New constructs a UPnP IGD engine. It satisfies engine.Constructor.
func New(opts engine.Options) (engine.Engine, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = engine.DefaultTimeout
	}
	return &Engine{
		log:      opts.Logger,
		clk:      opts.Clock,
		timeout:  opts.Timeout,
		backoff:  engine.DefaultBackoff(),
		auto:     opts.AutoDiscover,
		discover: discoverClients,
		phase:    phaseDiscover,
	}, nil
}

// AddServer narrows SSDP discovery to the device whose description URL
// matches the pinned gateway host. Discovery itself stays multicast.
func (e *Engine) AddServer(gw netip.AddrPort, maxVersion int) {
	e.server = gw
	_ = maxVersion
}

func (e *Engine) NewFlow(local netip.AddrPort, tr engine.Transport, lifetime time.Duration) (engine.Flow, error) {
	if e.terminated {
		return nil, engine.ErrTerminated
	}
	if e.flow != nil {
		return nil, engine.ErrFlowExists
	}
	if local.Port() == 0 {
		return nil, engine.ErrInvalidLocalAddr
	}
	if tr != engine.UDP && tr != engine.TCP {
		return nil, engine.ErrInvalidTransport
	}

	e.flow = &Flow{
		local:     local,
		transport: tr,
		lifetime:  lifetime,
		state:     engine.StatePending,
	}
	if e.phase == phaseIdle {
		e.phase = phaseMap
	}
	return e.flow, nil
}

func (e *Engine) Pulse() time.Duration {
	if e.terminated {
		return e.backoff.MaxDelay
	}
	switch e.phase {
	case phaseDiscover:
		return e.pulseDiscover()
	case phaseProbe:
		return e.pulseProbe()
	case phaseMap:
		return e.pulseMap()
	default:
		return e.pulseIdle()
	}
}

// Terminate releases the engine. Graceful termination deletes an
// established mapping from the gateway, fire-and-forget.
func (e *Engine) Terminate(graceful bool) {
	if e.terminated {
		return
	}
	e.terminated = true

	if graceful && e.client != nil && e.flow != nil && e.flow.mapped {
		err := e.client.DeletePortMapping("", e.flow.externalPort, upnpProtocol(e.flow.transport))
		if err != nil {
			e.log.Debug().Err(err).Msg("mapping delete failed")
		}
	}
	e.client = nil
}

func (e *Engine) pulseDiscover() time.Duration {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	clients := e.discover(ctx)
	if len(clients) == 0 {
		return e.fail("device discovery", errNoDevice)
	}

	e.client = e.pickClient(clients)
	e.phase = phaseProbe
	e.attempt = 0
	e.log.Debug().Str("location", e.client.Location()).Msg("gateway device selected")
	return 0
}

// pickClient prefers the device matching a pinned gateway host; the
// first discovered device wins otherwise.
func (e *Engine) pickClient(clients []igdClient) igdClient {
	if e.server.IsValid() {
		want := e.server.Addr().String()
		for _, c := range clients {
			if strings.EqualFold(c.Location(), want) {
				return c
			}
		}
		e.log.Debug().Str("pinned", want).Msg("pinned gateway not among discovered devices")
	}
	return clients[0]
}

func (e *Engine) pulseProbe() time.Duration {
	raw, err := e.client.GetExternalIPAddress()
	if err != nil {
		return e.fail("external address probe", err)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil || addr.IsUnspecified() {
		return e.fail("external address probe", errBadExternalIP)
	}
	e.externalIP = addr.Unmap()
	e.attempt = 0
	e.log.Debug().Stringer("external_ip", e.externalIP).Msg("gateway probe ok")

	if e.flow != nil {
		e.phase = phaseMap
		return 0
	}
	e.phase = phaseIdle
	return e.backoff.MaxDelay
}

func (e *Engine) pulseMap() time.Duration {
	f := e.flow
	if f == nil {
		e.phase = phaseIdle
		return e.backoff.MaxDelay
	}

	port := f.local.Port()
	lease := uint32(f.lifetime / time.Second)
	err := e.client.AddPortMapping(
		"", port, upnpProtocol(f.transport),
		port, e.internalClient(f), true,
		mappingDescription, lease,
	)
	observability.RecordMappingRequest(metricsLabel, err == nil)
	if err != nil {
		return e.fail("port mapping", err)
	}
	e.attempt = 0

	granted := time.Duration(lease) * time.Second
	now := e.clk.Now()

	internal := f.local
	if internal.Addr().IsUnspecified() {
		if addr, ok := engine.LocalAddrToward(e.client.Location()); ok {
			internal = netip.AddrPortFrom(addr, internal.Port())
		}
	}

	f.setSucceeded(engine.MappingInfo{
		Internal: internal,
		External: netip.AddrPortFrom(e.externalIP, port),
		LeaseEnd: now.Add(granted),
	}, port)

	e.renewAt = now.Add(granted / 2)
	e.phase = phaseIdle
	e.log.Debug().Uint16("external_port", port).Dur("granted", granted).Msg("mapping granted")
	return granted / 2
}

func (e *Engine) pulseIdle() time.Duration {
	if e.flow == nil || !e.flow.mapped {
		return e.backoff.MaxDelay
	}
	now := e.clk.Now()
	if now.Before(e.renewAt) {
		return e.renewAt.Sub(now)
	}
	e.phase = phaseMap
	return e.pulseMap()
}

// internalClient is the LAN address the gateway should forward to.
func (e *Engine) internalClient(f *Flow) string {
	if !f.local.Addr().IsUnspecified() {
		return f.local.Addr().String()
	}
	if addr, ok := engine.LocalAddrToward(e.client.Location()); ok {
		return addr.String()
	}
	return f.local.Addr().String()
}

func (e *Engine) fail(op string, err error) time.Duration {
	e.attempt++
	e.log.Debug().Err(err).Int("attempt", e.attempt).Msg(op + " failed")
	if e.flow != nil && e.attempt >= failThreshold {
		e.flow.setState(engine.StateFailed)
	}
	return engine.NextBackoffDelay(e.backoff, e.attempt, nil)
}

func upnpProtocol(tr engine.Transport) string {
	if tr == engine.TCP {
		return "TCP"
	}
	return "UDP"
}
