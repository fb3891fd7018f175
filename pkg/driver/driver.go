// Package driver defines how metalnet talks to physical switches. A Switch
// is built from a stored switch record by the factory its type registered;
// it answers pre-flight checks synchronously and opens Sessions that apply
// port changes.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// CapNativelessTrunk is reported by switches whose trunk ports may carry
// tagged VLANs with no native VLAN.
const CapNativelessTrunk = "nativeless-trunk-mode"

// Operation is the kind of attachment change checked before enqueue.
type Operation string

const (
	OpConnect Operation = "connect"
	OpDetach  Operation = "detach"
)

// PortNetwork is one channel read back from a switch port.
type PortNetwork struct {
	Channel   string `json:"channel"`
	NetworkID string `json:"network_id"`
}

// Options are process-wide settings applied to every switch of a driver.
type Options struct {
	// SaveConfig persists the running configuration after each change.
	SaveConfig bool
	// IOTimeout bounds a single exchange with the switch.
	IOTimeout time.Duration
}

// Switch is the driver-side view of one switch record.
type Switch interface {
	Label() string
	Capabilities() []string

	// ValidatePortName checks a port label against the vendor's syntax.
	ValidatePortName(port string) error

	// EnsureLegalOperation rejects attachment changes the hardware cannot
	// apply given the nic's current attachments (channel -> network).
	EnsureLegalOperation(nic string, attachments map[string]string, op Operation, channel string) error

	// Session opens a connection to the switch.
	Session(ctx context.Context) (Session, error)
}

// Session is a live handle on one switch. Sessions are not safe for
// concurrent use.
type Session interface {
	// ModifyPort attaches networkID to port on channel, or removes the
	// channel when networkID is empty.
	ModifyPort(ctx context.Context, port, channel, networkID string) error

	// RevertPort removes every network from port.
	RevertPort(ctx context.Context, port string) error

	// GetPortNetworks reads back the channels configured on each port.
	GetPortNetworks(ctx context.Context, ports []string) (map[string][]PortNetwork, error)

	// Disconnect releases the connection.
	Disconnect() error
}

// Factory builds a Switch from its stored record
type Factory func(sw *model.Switch, opts Options) (Switch, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a driver available under name. It panics on a nil factory
// or a duplicate name; drivers call it from init.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("driver: Register factory is nil for " + name)
	}
	if _, dup := factories[name]; dup {
		panic("driver: Register called twice for " + name)
	}
	factories[name] = factory
}

// Registered reports whether a driver is registered under name
func Registered(name string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[name]
	return ok
}

// Names returns the registered driver names, sorted
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the Switch for a stored record using the factory registered
// under the record's type.
func New(sw *model.Switch, opts Options) (Switch, error) {
	factoriesMu.RLock()
	factory, ok := factories[sw.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, util.NewNotFoundError("switch driver", sw.Type)
	}
	s, err := factory(sw, opts)
	if err != nil {
		return nil, fmt.Errorf("switch %s (%s): %w", sw.Label, sw.Type, err)
	}
	return s, nil
}

// HasCapability reports whether sw advertises capability
func HasCapability(sw Switch, capability string) bool {
	for _, c := range sw.Capabilities() {
		if c == capability {
			return true
		}
	}
	return false
}

// TrunkNetworks converts a trunk's VLANs to channels, native first. The
// native VLAN is not repeated as a tagged channel.
func TrunkNetworks(native string, tagged []string) []PortNetwork {
	nets := []PortNetwork{}
	if native != "" {
		nets = append(nets, PortNetwork{Channel: model.NativeChannel, NetworkID: native})
	}
	for _, v := range tagged {
		if v == native {
			continue
		}
		nets = append(nets, PortNetwork{Channel: model.TaggedChannel(v), NetworkID: v})
	}
	return nets
}

// CheckNativeOrdering enforces native-before-tagged on trunks that cannot
// exist without a native VLAN: a tagged channel may be connected only when
// the native channel is attached, and the native channel may be detached
// only when no tagged channel remains.
func CheckNativeOrdering(nic string, attachments map[string]string, op Operation, channel string) error {
	_, hasNative := attachments[model.NativeChannel]
	switch op {
	case OpConnect:
		if !model.IsNative(channel) && !hasNative {
			return util.NewConflictError("nic "+nic,
				fmt.Sprintf("cannot attach tagged channel %s before a native network", channel))
		}
	case OpDetach:
		if model.IsNative(channel) {
			var tagged []string
			for ch := range attachments {
				if !model.IsNative(ch) {
					tagged = append(tagged, ch)
				}
			}
			if len(tagged) > 0 {
				model.SortChannels(tagged)
				return util.NewConflictError("nic "+nic,
					fmt.Sprintf("cannot detach the native network while tagged channels remain: %v", tagged))
			}
		}
	default:
		return util.NewValidationError(fmt.Sprintf("unknown operation %q", op))
	}
	return nil
}

// Base carries the stored record and options shared by every vendor
// driver. Vendors embed it and supply Session and ValidatePortName.
type Base struct {
	Config *model.Switch
	Opts   Options
	Caps   []string
}

// Label returns the switch label
func (b *Base) Label() string {
	return b.Config.Label
}

// Capabilities returns the advertised capabilities
func (b *Base) Capabilities() []string {
	return b.Caps
}

// EnsureLegalOperation applies CheckNativeOrdering unless the switch
// supports nativeless trunks.
func (b *Base) EnsureLegalOperation(nic string, attachments map[string]string, op Operation, channel string) error {
	for _, c := range b.Caps {
		if c == CapNativelessTrunk {
			return nil
		}
	}
	return CheckNativeOrdering(nic, attachments, op, channel)
}

// Resolver builds the Switch for a stored record. The worker and the API
// take one so tests can substitute in-memory switches.
type Resolver func(sw *model.Switch) (Switch, error)

// RegistryResolver resolves through the registered factories. opts returns
// the options for a driver name; nil means zero options.
func RegistryResolver(opts func(driverName string) Options) Resolver {
	return func(sw *model.Switch) (Switch, error) {
		var o Options
		if opts != nil {
			o = opts(sw.Type)
		}
		return New(sw, o)
	}
}
