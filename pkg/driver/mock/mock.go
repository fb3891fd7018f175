// Package mock is an in-memory switch driver. State lives in a Fabric that
// each test constructs; switches resolved through the same Fabric share
// port state across sessions, so a worker's drain passes see each other's
// changes.
package mock

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// Name is the driver's registered name
const Name = "mock"

// ParamNativeless makes a mock switch advertise nativeless trunks when set
// to "true".
const ParamNativeless = "nativeless"

func init() {
	driver.Register(Name, New)
}

// New builds a mock switch backed by a fresh Fabric of its own. Port state
// does not outlive the session, so only tests resolve mock switches through
// the registry; the metalnet binary does not link this package.
func New(sw *model.Switch, opts driver.Options) (driver.Switch, error) {
	return NewFabric().Resolve(sw)
}

type trunk struct {
	native string
	tagged map[string]bool
}

// Fabric holds the port state of every mock switch resolved through it.
type Fabric struct {
	mu           sync.Mutex
	ports        map[model.PortRef]*trunk
	portFailures map[model.PortRef]error
	connFailures map[string]error
	opened       int
	open         int
}

// NewFabric returns an empty fabric
func NewFabric() *Fabric {
	return &Fabric{
		ports:        make(map[model.PortRef]*trunk),
		portFailures: make(map[model.PortRef]error),
		connFailures: make(map[string]error),
	}
}

// Resolve builds a switch on this fabric. It satisfies driver.Resolver.
func (f *Fabric) Resolve(sw *model.Switch) (driver.Switch, error) {
	s := &Switch{Base: driver.Base{Config: sw}, fabric: f}
	if v := sw.Param(ParamNativeless, "false"); v != "false" {
		nativeless, err := strconv.ParseBool(v)
		if err != nil {
			return nil, util.NewValidationError(fmt.Sprintf("mock switch %s: %s must be a boolean, got %q", sw.Label, ParamNativeless, v))
		}
		if nativeless {
			s.Caps = []string{driver.CapNativelessTrunk}
		}
	}
	return s, nil
}

// FailPort makes every change to a port fail with err until cleared with
// a nil err.
func (f *Fabric) FailPort(sw, port string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := model.PortRef{Switch: sw, Port: port}
	if err == nil {
		delete(f.portFailures, ref)
		return
	}
	f.portFailures[ref] = err
}

// FailConnect makes opening a session on sw fail with err until cleared
// with a nil err.
func (f *Fabric) FailConnect(sw string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.connFailures, sw)
		return
	}
	f.connFailures[sw] = err
}

// SessionsOpened returns how many sessions have been opened
func (f *Fabric) SessionsOpened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// SessionsOpen returns how many sessions are not yet disconnected
func (f *Fabric) SessionsOpen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

// PortNetworks returns a port's channels, native first
func (f *Fabric) PortNetworks(sw, port string) []driver.PortNetwork {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.networksLocked(model.PortRef{Switch: sw, Port: port})
}

func (f *Fabric) networksLocked(ref model.PortRef) []driver.PortNetwork {
	t, ok := f.ports[ref]
	if !ok {
		return []driver.PortNetwork{}
	}
	tagged := make([]string, 0, len(t.tagged))
	for v := range t.tagged {
		tagged = append(tagged, v)
	}
	sort.Slice(tagged, func(i, j int) bool {
		a, _ := strconv.Atoi(tagged[i])
		b, _ := strconv.Atoi(tagged[j])
		return a < b
	})
	return driver.TrunkNetworks(t.native, tagged)
}

func (f *Fabric) trunkLocked(ref model.PortRef) *trunk {
	t, ok := f.ports[ref]
	if !ok {
		t = &trunk{tagged: make(map[string]bool)}
		f.ports[ref] = t
	}
	return t
}

// Switch is a mock switch
type Switch struct {
	driver.Base
	fabric *Fabric
}

// ValidatePortName accepts any label without whitespace
func (s *Switch) ValidatePortName(port string) error {
	if port == "" || strings.ContainsAny(port, " \t\r\n") {
		return util.NewValidationError(fmt.Sprintf("invalid mock port %q", port))
	}
	return nil
}

// Session opens a session on the fabric
func (s *Switch) Session(ctx context.Context) (driver.Session, error) {
	f := s.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connFailures[s.Label()]; err != nil {
		return nil, util.NewDriverError(s.Label(), "connect", err)
	}
	f.opened++
	f.open++
	return &Session{sw: s}, nil
}

// Session applies changes to the fabric
type Session struct {
	sw     *Switch
	closed bool
}

var _ driver.Session = (*Session)(nil)

func (s *Session) check(op string, ref model.PortRef) error {
	if s.closed {
		return util.NewDriverError(s.sw.Label(), op, fmt.Errorf("session closed"))
	}
	if err := s.sw.fabric.portFailures[ref]; err != nil {
		return util.NewDriverError(s.sw.Label(), op, err)
	}
	return nil
}

// ModifyPort changes one channel. Without nativeless trunks a tagged VLAN
// needs a native VLAN, as on real hardware.
func (s *Session) ModifyPort(ctx context.Context, port, channel, networkID string) error {
	f := s.sw.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := model.PortRef{Switch: s.sw.Label(), Port: port}
	if err := s.check("modify_port", ref); err != nil {
		return err
	}
	native, vlan, err := model.ParseChannel(channel)
	if err != nil {
		return util.NewDriverError(s.sw.Label(), "modify_port", err)
	}
	strict := !driver.HasCapability(s.sw, driver.CapNativelessTrunk)
	t := f.trunkLocked(ref)
	switch {
	case native:
		if networkID == "" && strict && len(t.tagged) > 0 {
			return util.NewDriverError(s.sw.Label(), "modify_port",
				fmt.Errorf("port %s: cannot remove native VLAN while tagged VLANs remain", port))
		}
		t.native = networkID
	case networkID == "":
		delete(t.tagged, strconv.Itoa(vlan))
	default:
		if strict && t.native == "" {
			return util.NewDriverError(s.sw.Label(), "modify_port",
				fmt.Errorf("port %s: trunk has no native VLAN", port))
		}
		t.tagged[networkID] = true
	}
	return nil
}

// RevertPort clears the port
func (s *Session) RevertPort(ctx context.Context, port string) error {
	f := s.sw.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	ref := model.PortRef{Switch: s.sw.Label(), Port: port}
	if err := s.check("revert_port", ref); err != nil {
		return err
	}
	delete(f.ports, ref)
	return nil
}

// GetPortNetworks reads back port state
func (s *Session) GetPortNetworks(ctx context.Context, ports []string) (map[string][]driver.PortNetwork, error) {
	f := s.sw.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.closed {
		return nil, util.NewDriverError(s.sw.Label(), "get_port_networks", fmt.Errorf("session closed"))
	}
	result := make(map[string][]driver.PortNetwork, len(ports))
	for _, port := range ports {
		result[port] = f.networksLocked(model.PortRef{Switch: s.sw.Label(), Port: port})
	}
	return result, nil
}

// Disconnect closes the session. Closing twice is harmless.
func (s *Session) Disconnect() error {
	f := s.sw.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if !s.closed {
		s.closed = true
		f.open--
	}
	return nil
}
