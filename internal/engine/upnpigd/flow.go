package upnpigd

import (
	"net/netip"
	"time"

	"github.com/danmuck/fwdctl/internal/engine"
)

// Flow is the single mapping request owned by an Engine.
type Flow struct {
	local     netip.AddrPort
	transport engine.Transport
	lifetime  time.Duration

	state        engine.State
	changed      bool
	mapped       bool
	externalPort uint16
	info         []engine.MappingInfo
}

var _ engine.Flow = (*Flow)(nil)

func (f *Flow) EvalState() (engine.State, bool) {
	ch := f.changed
	f.changed = false
	return f.state, ch
}

func (f *Flow) Info() []engine.MappingInfo {
	return append([]engine.MappingInfo(nil), f.info...)
}

func (f *Flow) setState(st engine.State) {
	if f.state == st {
		return
	}
	f.state = st
	f.changed = true
}

func (f *Flow) setSucceeded(info engine.MappingInfo, externalPort uint16) {
	f.info = []engine.MappingInfo{info}
	f.mapped = true
	f.externalPort = externalPort
	f.setState(engine.StateSucceeded)
}
