package engine

import (
	"errors"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// ServerPort is the gateway control port shared by NAT-PMP and PCP.
	ServerPort = 5351

	// MaxVersion is the highest control-protocol version this client speaks.
	MaxVersion = 2

	// DefaultTimeout bounds a single gateway exchange inside one pulse.
	DefaultTimeout = 3 * time.Second
)

var (
	ErrFlowExists       = errors.New("engine: flow already active")
	ErrTerminated       = errors.New("engine: engine terminated")
	ErrInvalidLocalAddr = errors.New("engine: invalid local address")
	ErrInvalidTransport = errors.New("engine: invalid transport")
)

// Transport selects the forwarded protocol for a flow.
type Transport string

const (
	UDP Transport = "udp"
	TCP Transport = "tcp"
)

// State is the externally visible progress of a flow. Implementation
// sub-states surface as StatePending.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// MappingInfo describes one granted mapping. Values are snapshots;
// callers format and discard them.
type MappingInfo struct {
	Internal netip.AddrPort
	External netip.AddrPort
	LeaseEnd time.Time
}

// Engine maintains gateway state for at most one flow. All methods are
// single-goroutine; Pulse performs at most one bounded exchange and
// returns how long the engine wants to be left alone.
type Engine interface {
	// AddServer pins a manual gateway instead of auto-discovery.
	// maxVersion caps protocol negotiation; it is clamped to MaxVersion.
	AddServer(gw netip.AddrPort, maxVersion int)

	// NewFlow requests a mapping for the local address. Only one flow
	// may exist per engine.
	NewFlow(local netip.AddrPort, tr Transport, lifetime time.Duration) (Flow, error)

	// Pulse advances the engine state machine and returns the wait
	// hint until the next desired pulse. The hint is a recommendation
	// and may vary per call.
	Pulse() time.Duration

	// Terminate releases engine resources. A graceful terminate
	// attempts to revoke the mapping at the gateway, fire-and-forget.
	Terminate(graceful bool)
}

// Flow is one mapping request owned by an Engine.
type Flow interface {
	// EvalState reports the current state and whether it changed since
	// the previous call. The changed latch clears on read.
	EvalState() (State, bool)

	// Info returns the granted mappings. Meaningful only while the
	// flow state is StateSucceeded; the returned slice is a copy.
	Info() []MappingInfo
}

// Options configures engine construction. Logger is read at
// construction time only; reconfiguring it later has no effect.
type Options struct {
	AutoDiscover bool
	Logger       zerolog.Logger
	Clock        clock.Clock
	Timeout      time.Duration
}

// Constructor builds a concrete engine from options.
type Constructor func(Options) (Engine, error)
