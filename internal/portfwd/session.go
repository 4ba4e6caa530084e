package portfwd

import (
	"errors"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/danmuck/fwdctl/internal/engine"
	"github.com/danmuck/fwdctl/internal/observability"
)

const (
	// RequestedLifetime is the mapping duration asked of the gateway.
	// The engine renews well before it runs out.
	RequestedLifetime = 7200 * time.Second

	// DefaultLocalPort is the service port mapped when none is configured.
	DefaultLocalPort = 7808

	// minPulseWait floors engine wait hints so a zero or negative hint
	// cannot turn the tick gate into a busy loop.
	minPulseWait = 250 * time.Millisecond

	// leaseEndFormat renders mapping expiry the way the rest of the
	// operator log renders timestamps.
	leaseEndFormat = "01/02 15:04:05"
)

var errNoEngine = errors.New("portfwd: no engine constructor configured")

// Config configures one mapping session.
type Config struct {
	// GatewayHost optionally pins a gateway instead of auto-discovery.
	GatewayHost string

	// LocalPort is the UDP port to map. Zero means DefaultLocalPort.
	LocalPort uint16

	// NewEngine constructs the protocol engine during Init.
	NewEngine engine.Constructor

	// EngineName labels metrics; defaults to "engine".
	EngineName string

	// Reporter receives operator status lines. Defaults to a zerolog
	// reporter on Logger.
	Reporter Reporter

	// Clock supplies time for the scheduler gate. Defaults to wall clock.
	Clock clock.Clock

	Logger zerolog.Logger
}

// Session owns one active mapping request and its renewal schedule.
// All methods must be called from a single goroutine; multi-threaded
// hosts serialize access themselves.
type Session struct {
	cfg Config
	log zerolog.Logger
	rep Reporter
	clk clock.Clock

	resolve func(zerolog.Logger, string, uint16) (netip.AddrPort, bool)

	initialized bool
	eng         engine.Engine
	flow        engine.Flow
	nextDue     time.Time
}

// New builds a session. Init must be called before Tick has any effect.
func New(cfg Config) *Session {
	if cfg.LocalPort == 0 {
		cfg.LocalPort = DefaultLocalPort
	}
	if cfg.EngineName == "" {
		cfg.EngineName = "engine"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NewLogReporter(cfg.Logger)
	}
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger,
		rep:     cfg.Reporter,
		clk:     cfg.Clock,
		resolve: resolveAddr,
	}
}

// Init discovers or pins the gateway, constructs the engine, requests
// the flow, and performs the first pulse. Idempotent while initialized.
func (s *Session) Init() {
	if s.initialized {
		return
	}

	autoDiscover := true
	var gatewayAddr netip.AddrPort
	if s.cfg.GatewayHost != "" {
		if addr, ok := s.resolve(s.log, s.cfg.GatewayHost, engine.ServerPort); ok {
			gatewayAddr = addr
			autoDiscover = false
		}
	}

	// Engines read logging configuration only at construction, so the
	// bridge logger must exist before the constructor runs.
	bridge := s.log.With().Str("component", s.cfg.EngineName).Logger()

	eng, err := s.constructEngine(engine.Options{
		AutoDiscover: autoDiscover,
		Logger:       bridge,
		Clock:        s.clk,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("engine construction failed")
		s.rep.Line("Initialization failed!")
		return
	}
	s.eng = eng

	// Set before the flow request so Shutdown knows there is an engine
	// to release if the request fails.
	s.initialized = true

	if !autoDiscover {
		s.eng.AddServer(gatewayAddr, engine.MaxVersion)
	}

	local, _ := s.resolve(s.log, "", s.cfg.LocalPort)

	flow, err := s.eng.NewFlow(local, engine.UDP, RequestedLifetime)
	if err != nil {
		s.log.Error().Err(err).Msg("flow request failed")
		s.rep.Line("Failed to init mapping!")
		s.Shutdown()
		return
	}
	s.flow = flow

	s.rep.Line("Initialized successfully")

	wait := s.eng.Pulse()
	s.nextDue = s.clk.Now().Add(clampWait(wait))
}

func (s *Session) constructEngine(opts engine.Options) (engine.Engine, error) {
	if s.cfg.NewEngine == nil {
		return nil, errNoEngine
	}
	return s.cfg.NewEngine(opts)
}

// Tick is the per-loop entry point. It is a cheap no-op until the next
// due time passes; when due it pulses the engine, reschedules from the
// returned wait hint, and reports any flow state transition once.
func (s *Session) Tick() {
	if !s.initialized {
		return
	}
	if s.clk.Now().Before(s.nextDue) {
		return
	}

	wait := s.eng.Pulse()
	s.nextDue = s.clk.Now().Add(clampWait(wait))
	observability.RecordPulse(s.cfg.EngineName, wait)

	state, changed := s.flow.EvalState()
	if !changed {
		return
	}
	observability.RecordTransition(s.cfg.EngineName, string(state))

	switch state {
	case engine.StateFailed:
		s.rep.Line("Mapping failed!")
	case engine.StateSucceeded:
		for _, info := range s.flow.Info() {
			s.rep.Line("Mapping successful  [%s]:%d <-> [%s]:%d",
				info.Internal.Addr(), info.Internal.Port(),
				info.External.Addr(), info.External.Port())
			s.rep.Line("Mapping valid until %s",
				info.LeaseEnd.Local().Format(leaseEndFormat))
		}
	}
}

// Shutdown releases the mapping and the engine. Safe to call
// repeatedly, when never initialized, and from Init's failure path.
func (s *Session) Shutdown() {
	if !s.initialized {
		return
	}

	s.eng.Terminate(true)

	if s.flow != nil {
		s.rep.Line("Mapping removed")
	} else {
		s.rep.Line("Shutdown")
	}

	s.eng = nil
	s.flow = nil
	s.initialized = false
	s.nextDue = time.Time{}
}

func clampWait(hint time.Duration) time.Duration {
	if hint < minPulseWait {
		return minPulseWait
	}
	if hint > RequestedLifetime {
		return RequestedLifetime
	}
	return hint
}
