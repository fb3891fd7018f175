// Package nexus drives Cisco Nexus switches over an SSH console.
//
// Nexus trunks cannot exist without a native VLAN, so the driver keeps
// the native-before-tagged ordering and parks a port's native VLAN on a
// reserved dummy VLAN when the real one is removed.
package nexus

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/driver/console"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// Name is the driver's registered name
const Name = "nexus"

// ParamDummyVLAN names the switch parameter holding the reserved VLAN.
const ParamDummyVLAN = "dummy_vlan"

var portName = regexp.MustCompile(`(?i)^ethernet\d+/\d+(/\d+)?$`)

func init() {
	driver.Register(Name, New)
}

// Switch is a Nexus switch record
type Switch struct {
	driver.Base
	dummyVLAN string
}

// New builds a Nexus switch. The dummy_vlan parameter is required.
func New(sw *model.Switch, opts driver.Options) (driver.Switch, error) {
	dummy := sw.Param(ParamDummyVLAN, "")
	n, err := strconv.Atoi(dummy)
	if err != nil || util.ValidateVLANID(n) != nil {
		return nil, util.NewValidationError(fmt.Sprintf("nexus switch %s: %s must be a VLAN number, got %q", sw.Label, ParamDummyVLAN, dummy))
	}
	return &Switch{
		Base:      driver.Base{Config: sw, Opts: opts},
		dummyVLAN: strconv.Itoa(n),
	}, nil
}

// ValidatePortName accepts interface names such as "Ethernet1/42"
func (s *Switch) ValidatePortName(port string) error {
	if !portName.MatchString(port) {
		return util.NewValidationError(fmt.Sprintf("invalid nexus port %q (want ethernetN/M)", port))
	}
	return nil
}

// Session opens an SSH console
func (s *Switch) Session(ctx context.Context) (driver.Session, error) {
	rw, err := console.DialSSH(ctx, s.Config.Host, s.Config.Username, s.Config.Password, s.Opts.IOTimeout)
	if err != nil {
		return nil, util.NewDriverError(s.Label(), "connect", err)
	}
	e, err := console.Open(ctx, rw, s.ConsoleConfig())
	if err != nil {
		return nil, err
	}
	return e, nil
}

// ConsoleConfig returns the console engine configuration for this switch
func (s *Switch) ConsoleConfig() console.Config {
	return console.Config{
		Label:      s.Label(),
		Username:   s.Config.Username,
		Password:   s.Config.Password,
		Dialect:    Dialect{DummyVLAN: s.dummyVLAN},
		Timeout:    s.Opts.IOTimeout,
		SaveConfig: s.Opts.SaveConfig,
	}
}

// Dialect is the NX-OS command set
type Dialect struct {
	DummyVLAN string
}

var _ console.Dialect = Dialect{}

func (Dialect) Setup() []string                     { return []string{"terminal length 0"} }
func (Dialect) ConfigureCommand() string            { return "configure terminal" }
func (Dialect) InterfaceCommand(port string) string { return "interface " + port }

func (Dialect) EnableVLAN(vlan string) []string {
	return []string{"switchport trunk allowed vlan add " + vlan}
}

func (Dialect) DisableVLAN(vlan string) []string {
	return []string{"switchport trunk allowed vlan remove " + vlan}
}

func (Dialect) SetNative(vlan string) []string {
	return []string{
		"switchport mode trunk",
		"switchport trunk native vlan " + vlan,
		"switchport trunk allowed vlan add " + vlan,
	}
}

// DisableNative parks the native VLAN on the dummy VLAN
func (d Dialect) DisableNative(vlan string) []string {
	return []string{
		"switchport trunk allowed vlan remove " + vlan,
		"switchport trunk native vlan " + d.DummyVLAN,
	}
}

// DisablePort moves native to the dummy VLAN before emptying the trunk
func (d Dialect) DisablePort() []string {
	return []string{
		"switchport trunk native vlan " + d.DummyVLAN,
		"switchport trunk allowed vlan none",
	}
}

func (Dialect) ShowPortCommand(port string) string {
	return "show running-config interface " + port
}

var (
	nativeConfig  = regexp.MustCompile(`(?m)^\s*switchport trunk native vlan (\d+)`)
	allowedConfig = regexp.MustCompile(`(?m)^\s*switchport trunk allowed vlan (add )?(\S+)`)
)

// ParsePort reads the trunk lines of "show running-config interface".
// NX-OS splits long allowed lists into "allowed vlan add" continuation
// lines. The dummy VLAN is never reported.
func (d Dialect) ParsePort(out string) (console.PortState, error) {
	var st console.PortState
	if m := nativeConfig.FindStringSubmatch(out); m != nil && m[1] != d.DummyVLAN {
		st.Native = m[1]
	}
	for _, m := range allowedConfig.FindAllStringSubmatch(out, -1) {
		if m[2] == "none" {
			continue
		}
		vlans, err := util.ExpandVLANRange(m[2])
		if err != nil {
			return st, fmt.Errorf("parsing allowed vlans %q: %w", m[2], err)
		}
		for _, v := range vlans {
			if id := strconv.Itoa(v); id != d.DummyVLAN {
				st.Tagged = append(st.Tagged, id)
			}
		}
	}
	return st, nil
}

func (Dialect) Save() []console.Step {
	return []console.Step{{Line: "copy running-config startup-config"}}
}
