// Package powerconnect drives Dell PowerConnect switches over a telnet
// console. PowerConnect trunks may carry tagged VLANs without a native
// VLAN, so no ordering constraint applies and a revert empties the port
// directly.
package powerconnect

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/driver/console"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// Name is the driver's registered name
const Name = "powerconnect"

var portName = regexp.MustCompile(`(?i)^(gi|te|fa)\d+/\d+/\d+$`)

func init() {
	driver.Register(Name, New)
}

// Switch is a PowerConnect switch record
type Switch struct {
	driver.Base
}

// New builds a PowerConnect switch
func New(sw *model.Switch, opts driver.Options) (driver.Switch, error) {
	return &Switch{driver.Base{
		Config: sw,
		Opts:   opts,
		Caps:   []string{driver.CapNativelessTrunk},
	}}, nil
}

// ValidatePortName accepts unit/slot/port names such as "gi1/0/12"
func (s *Switch) ValidatePortName(port string) error {
	if !portName.MatchString(port) {
		return util.NewValidationError(fmt.Sprintf("invalid powerconnect port %q (want gi|te|fa unit/slot/port)", port))
	}
	return nil
}

// Session opens a telnet console and logs in
func (s *Switch) Session(ctx context.Context) (driver.Session, error) {
	rw, err := console.DialTelnet(ctx, s.Config.Host, s.Opts.IOTimeout)
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
		Dialect:    Dialect{},
		Timeout:    s.Opts.IOTimeout,
		SaveConfig: s.Opts.SaveConfig,
	}
}

// Dialect is the PowerConnect command set
type Dialect struct{}

var _ console.Dialect = Dialect{}

// Setup turns off paging
func (Dialect) Setup() []string                     { return []string{"terminal datadump"} }
func (Dialect) ConfigureCommand() string            { return "configure" }
func (Dialect) InterfaceCommand(port string) string { return "interface ethernet " + port }

func (Dialect) EnableVLAN(vlan string) []string {
	return []string{"switchport trunk allowed vlan add " + vlan}
}

func (Dialect) DisableVLAN(vlan string) []string {
	return []string{"switchport trunk allowed vlan remove " + vlan}
}

func (Dialect) SetNative(vlan string) []string {
	return []string{
		"switchport mode trunk",
		"switchport trunk allowed vlan add " + vlan,
		"switchport trunk native vlan " + vlan,
	}
}

func (Dialect) DisableNative(vlan string) []string {
	return []string{
		"switchport trunk allowed vlan remove " + vlan,
		"switchport trunk native vlan none",
	}
}

func (Dialect) DisablePort() []string {
	return []string{
		fmt.Sprintf("switchport trunk allowed vlan remove %d-%d", util.MinVLANID, util.MaxVLANID),
		"switchport trunk native vlan none",
	}
}

func (Dialect) ShowPortCommand(port string) string {
	return "show interfaces switchport ethernet " + port
}

var (
	nativeField  = regexp.MustCompile(`(?m)^\s*Trunking Native Mode VLAN:\s*(\S+)`)
	enabledField = regexp.MustCompile(`(?m)^\s*Trunking VLANs Enabled:\s*(\S*)`)
)

// ParsePort reads the trunk fields of "show interfaces switchport".
// "none" means no native VLAN or an empty trunk.
func (Dialect) ParsePort(out string) (console.PortState, error) {
	var st console.PortState
	m := nativeField.FindStringSubmatch(out)
	if m == nil {
		return st, fmt.Errorf("no native VLAN field in %q", out)
	}
	if !strings.EqualFold(m[1], "none") {
		if _, err := strconv.Atoi(m[1]); err != nil {
			return st, fmt.Errorf("native VLAN %q is not a number", m[1])
		}
		st.Native = m[1]
	}

	m = enabledField.FindStringSubmatch(out)
	if m == nil {
		return st, fmt.Errorf("no trunk VLAN field in %q", out)
	}
	if m[1] == "" || strings.EqualFold(m[1], "none") {
		return st, nil
	}
	vlans, err := util.ExpandVLANRange(m[1])
	if err != nil {
		return st, fmt.Errorf("parsing trunk VLANs %q: %w", m[1], err)
	}
	for _, v := range vlans {
		st.Tagged = append(st.Tagged, strconv.Itoa(v))
	}
	return st, nil
}

var confirmPrompt = regexp.MustCompile(`\(y/n\)`)

// Save copies the running config and answers the overwrite question
func (Dialect) Save() []console.Step {
	return []console.Step{
		{Line: "copy running-config startup-config", Until: confirmPrompt},
		{Line: "y"},
	}
}
