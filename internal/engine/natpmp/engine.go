package natpmp

import (
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/rs/zerolog"

	"github.com/danmuck/fwdctl/internal/engine"
	"github.com/danmuck/fwdctl/internal/observability"
)

const metricsLabel = "natpmp"

// failThreshold is how many consecutive failed exchanges flip a
// pending or succeeded flow to failed. The engine keeps retrying at
// the backoff ceiling afterwards.
const failThreshold = 3

// pmpClient is the slice of go-nat-pmp's client the engine exercises.
type pmpClient interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

var _ pmpClient = (*natpmp.Client)(nil)

type phase int

const (
	phaseGateway phase = iota
	phaseProbe
	phaseMap
	phaseIdle
)

// Engine drives one NAT-PMP mapping through a phase machine; each
// Pulse performs at most one bounded gateway exchange.
type Engine struct {
	log     zerolog.Logger
	clk     clock.Clock
	timeout time.Duration
	backoff engine.BackoffConfig

	auto   bool
	server netip.AddrPort

	discover  func() (net.IP, error)
	newClient func(gw net.IP, timeout time.Duration) pmpClient

	client     pmpClient
	gatewayIP  net.IP
	externalIP netip.Addr

	phase   phase
	attempt int
	renewAt time.Time

	flow       *Flow
	terminated bool
}

var _ engine.Engine = (*Engine)(nil)

// New constructs a NAT-PMP engine. It satisfies engine.Constructor.
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
		discover: gateway.DiscoverGateway,
		newClient: func(gw net.IP, timeout time.Duration) pmpClient {
			return natpmp.NewClientWithTimeout(gw, timeout)
		},
		phase: phaseGateway,
	}, nil
}

// AddServer pins the gateway. NAT-PMP always speaks on the control
// port, so only the address matters; maxVersion is accepted for
// contract symmetry.
func (e *Engine) AddServer(gw netip.AddrPort, maxVersion int) {
	e.server = gw
	e.auto = false
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
		// Probing already finished before the flow arrived.
		e.phase = phaseMap
	}
	return e.flow, nil
}

func (e *Engine) Pulse() time.Duration {
	if e.terminated {
		return e.backoff.MaxDelay
	}
	switch e.phase {
	case phaseGateway:
		return e.pulseGateway()
	case phaseProbe:
		return e.pulseProbe()
	case phaseMap:
		return e.pulseMap()
	default:
		return e.pulseIdle()
	}
}

// Terminate releases the engine. Graceful termination revokes an
// established mapping with a lifetime-zero request, fire-and-forget.
func (e *Engine) Terminate(graceful bool) {
	if e.terminated {
		return
	}
	e.terminated = true

	if graceful && e.client != nil && e.flow != nil && e.flow.mapped {
		port := int(e.flow.local.Port())
		if _, err := e.client.AddPortMapping(string(e.flow.transport), port, port, 0); err != nil {
			e.log.Debug().Err(err).Msg("mapping revoke failed")
		}
	}
	e.client = nil
}

func (e *Engine) pulseGateway() time.Duration {
	var gw net.IP
	if e.server.IsValid() {
		gw = net.IP(e.server.Addr().AsSlice())
	} else if e.auto {
		ip, err := e.discover()
		if err != nil {
			return e.fail("gateway discovery", err)
		}
		gw = ip
	} else {
		return e.fail("gateway discovery", errNoServer)
	}

	e.gatewayIP = gw
	e.client = e.newClient(gw, e.timeout)
	e.phase = phaseProbe
	e.attempt = 0
	e.log.Debug().Stringer("gateway", gw).Msg("gateway selected")
	return 0
}

func (e *Engine) pulseProbe() time.Duration {
	res, err := e.client.GetExternalAddress()
	if err != nil {
		return e.fail("external address probe", err)
	}
	e.externalIP = netip.AddrFrom4(res.ExternalIPAddress)
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

	port := int(f.local.Port())
	res, err := e.client.AddPortMapping(string(f.transport), port, port, int(f.lifetime/time.Second))
	observability.RecordMappingRequest(metricsLabel, err == nil)
	if err != nil {
		return e.fail("port mapping", err)
	}
	e.attempt = 0

	granted := time.Duration(res.PortMappingLifetimeInSeconds) * time.Second
	now := e.clk.Now()

	internal := f.local
	if internal.Addr().IsUnspecified() && e.gatewayIP != nil {
		if addr, ok := engine.LocalAddrToward(e.gatewayIP.String()); ok {
			internal = netip.AddrPortFrom(addr, internal.Port())
		}
	}

	f.setSucceeded(engine.MappingInfo{
		Internal: internal,
		External: netip.AddrPortFrom(e.externalIP, res.MappedExternalPort),
		LeaseEnd: now.Add(granted),
	})

	// RFC 6886 recommends renewal at half the granted lifetime.
	e.renewAt = now.Add(granted / 2)
	e.phase = phaseIdle
	e.log.Debug().
		Uint16("external_port", res.MappedExternalPort).
		Dur("granted", granted).
		Msg("mapping granted")
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

func (e *Engine) fail(op string, err error) time.Duration {
	e.attempt++
	e.log.Debug().Err(err).Int("attempt", e.attempt).Msg(op + " failed")
	if e.flow != nil && e.attempt >= failThreshold {
		e.flow.setState(engine.StateFailed)
	}
	return engine.NextBackoffDelay(e.backoff, e.attempt, nil)
}
