package upnpigd

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/danmuck/fwdctl/internal/engine"
	"github.com/danmuck/fwdctl/internal/testutil/testlog"
)

type addCall struct {
	externalPort   uint16
	protocol       string
	internalPort   uint16
	internalClient string
	description    string
	lease          uint32
}

type fakeIGD struct {
	location string

	extIP  string
	extErr error

	addErr   error
	addCalls []addCall

	delCalls []uint16
}

func (g *fakeIGD) GetExternalIPAddress() (string, error) {
	if g.extErr != nil {
		return "", g.extErr
	}
	return g.extIP, nil
}

func (g *fakeIGD) AddPortMapping(
	_ string, externalPort uint16, protocol string,
	internalPort uint16, internalClient string, _ bool,
	description string, lease uint32,
) error {
	g.addCalls = append(g.addCalls, addCall{externalPort, protocol, internalPort, internalClient, description, lease})
	return g.addErr
}

func (g *fakeIGD) DeletePortMapping(_ string, externalPort uint16, _ string) error {
	g.delCalls = append(g.delCalls, externalPort)
	return nil
}

func (g *fakeIGD) Location() string { return g.location }

func newTestEngine(t *testing.T) (*Engine, *fakeIGD, *clock.Mock) {
	t.Helper()
	testlog.Start(t)

	clk := clock.NewMock()
	eng, err := New(engine.Options{AutoDiscover: true, Logger: zerolog.Nop(), Clock: clk})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	e := eng.(*Engine)

	gw := &fakeIGD{location: "192.168.1.1", extIP: "203.0.113.5"}
	e.discover = func(context.Context) []igdClient { return []igdClient{gw} }
	return e, gw, clk
}

func newFlow(t *testing.T, e *Engine) *Flow {
	t.Helper()
	f, err := e.NewFlow(netip.MustParseAddrPort("10.0.0.2:7808"), engine.TCP, 7200*time.Second)
	if err != nil {
		t.Fatalf("new flow: %v", err)
	}
	return f.(*Flow)
}

func TestMappingGrantedAndRenewedAtHalfLife(t *testing.T) {
	e, gw, clk := newTestEngine(t)
	f := newFlow(t, e)

	e.Pulse() // device discovery
	e.Pulse() // external address probe
	hint := e.Pulse()

	if hint != 3600*time.Second {
		t.Fatalf("renewal hint=%v", hint)
	}
	if len(gw.addCalls) != 1 {
		t.Fatalf("add calls=%d", len(gw.addCalls))
	}
	want := addCall{
		externalPort:   7808,
		protocol:       "TCP",
		internalPort:   7808,
		internalClient: "10.0.0.2",
		description:    "fwdctl",
		lease:          7200,
	}
	if gw.addCalls[0] != want {
		t.Fatalf("add call=%+v", gw.addCalls[0])
	}

	state, changed := f.EvalState()
	if state != engine.StateSucceeded || !changed {
		t.Fatalf("state=%v changed=%v", state, changed)
	}
	info := f.Info()
	if len(info) != 1 {
		t.Fatalf("info=%v", info)
	}
	if info[0].External != netip.MustParseAddrPort("203.0.113.5:7808") {
		t.Fatalf("external=%v", info[0].External)
	}
	if w := clk.Now().Add(7200 * time.Second); !info[0].LeaseEnd.Equal(w) {
		t.Fatalf("lease end=%v want %v", info[0].LeaseEnd, w)
	}

	clk.Add(time.Hour)
	if hint := e.Pulse(); hint != 3600*time.Second {
		t.Fatalf("post-renewal hint=%v", hint)
	}
	if len(gw.addCalls) != 2 {
		t.Fatalf("add calls=%d", len(gw.addCalls))
	}
	if _, changed := f.EvalState(); changed {
		t.Fatalf("renewal should not re-report an unchanged state")
	}
}

func TestUnusableExternalAddressCountsAsFailure(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	f := newFlow(t, e)
	gw.extIP = "0.0.0.0"

	e.Pulse() // discovery
	for i := 0; i < failThreshold; i++ {
		e.Pulse()
	}
	state, changed := f.EvalState()
	if state != engine.StateFailed || !changed {
		t.Fatalf("state=%v changed=%v", state, changed)
	}
}

func TestMappingFailuresLatchFailedThenRecover(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	f := newFlow(t, e)
	gw.addErr = errors.New("router refused")

	e.Pulse() // discovery
	e.Pulse() // probe
	for i := 0; i < failThreshold; i++ {
		e.Pulse()
	}
	state, changed := f.EvalState()
	if state != engine.StateFailed || !changed {
		t.Fatalf("state=%v changed=%v", state, changed)
	}

	gw.addErr = nil
	e.Pulse()
	state, changed = f.EvalState()
	if state != engine.StateSucceeded || !changed {
		t.Fatalf("recovery state=%v changed=%v", state, changed)
	}
}

func TestPinnedGatewaySelectsMatchingDevice(t *testing.T) {
	e, _, _ := newTestEngine(t)
	other := &fakeIGD{location: "192.168.1.1", extIP: "203.0.113.5"}
	pinned := &fakeIGD{location: "192.168.1.254", extIP: "198.51.100.9"}
	e.discover = func(context.Context) []igdClient { return []igdClient{other, pinned} }
	e.AddServer(netip.MustParseAddrPort("192.168.1.254:5351"), engine.MaxVersion)

	f := newFlow(t, e)
	e.Pulse()
	e.Pulse()
	e.Pulse()

	if len(pinned.addCalls) != 1 || len(other.addCalls) != 0 {
		t.Fatalf("pinned=%d other=%d", len(pinned.addCalls), len(other.addCalls))
	}
	if info := f.Info(); info[0].External != netip.MustParseAddrPort("198.51.100.9:7808") {
		t.Fatalf("external=%v", info[0].External)
	}
}

func TestTerminateGracefulDeletesMapping(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	newFlow(t, e)
	e.Pulse()
	e.Pulse()
	e.Pulse()

	e.Terminate(true)
	if len(gw.delCalls) != 1 || gw.delCalls[0] != 7808 {
		t.Fatalf("delete calls=%v", gw.delCalls)
	}

	e.Terminate(true)
	if len(gw.delCalls) != 1 {
		t.Fatalf("double delete: %v", gw.delCalls)
	}
}

func TestTerminateUngracefulLeavesMapping(t *testing.T) {
	e, gw, _ := newTestEngine(t)
	newFlow(t, e)
	e.Pulse()
	e.Pulse()
	e.Pulse()

	e.Terminate(false)
	if len(gw.delCalls) != 0 {
		t.Fatalf("ungraceful terminate deleted: %v", gw.delCalls)
	}
	if hint := e.Pulse(); hint != e.backoff.MaxDelay {
		t.Fatalf("terminated pulse hint=%v", hint)
	}
}

func TestDiscoveryFailureBacksOff(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.discover = func(context.Context) []igdClient { return nil }

	if hint := e.Pulse(); hint != 250*time.Millisecond {
		t.Fatalf("attempt1 hint=%v", hint)
	}
	if hint := e.Pulse(); hint != 500*time.Millisecond {
		t.Fatalf("attempt2 hint=%v", hint)
	}
}
