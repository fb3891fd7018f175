package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/model"
	"github.com/newtron-network/metalnet/pkg/util"
)

// Prompt states, in the order of Engine.prompts.
const (
	stateMain = iota
	stateConfig
	stateInterface
)

var stateNames = [...]string{"main", "global-config", "interface-config"}

var (
	userPrompt     = regexp.MustCompile(`(?i)(user ?name|login)\s*:\s*$`)
	passwordPrompt = regexp.MustCompile(`(?i)password\s*:\s*$`)

	// promptCapture matches a bare exec prompt such as "sw1#" or "sw1>".
	promptCapture = regexp.MustCompile(`(?m)^[\r\x00]*([^\s#>()]+)([#>])[ \r]*$`)

	// errorLine matches the error markers common to IOS-like CLIs.
	errorLine = regexp.MustCompile(`(?m)^\s*(% ?(Invalid|Incomplete|Ambiguous|Error|Bad)|ERROR:).*$`)
)

// maxLoginExchanges bounds the login dialogue.
const maxLoginExchanges = 8

// PortState is the VLAN configuration of one port as read from the switch.
// Native is empty when the port has no native VLAN.
type PortState struct {
	Native string
	Tagged []string
}

// Step is one line sent to the switch and the pattern that ends its
// output. A nil Until waits for the main prompt.
type Step struct {
	Line  string
	Until *regexp.Regexp
}

// Dialect is a vendor's command set. Every command list is sent in order,
// each line expecting the prompt of the mode it starts in.
type Dialect interface {
	// Setup runs at the main prompt after login, e.g. to disable paging.
	Setup() []string
	// ConfigureCommand enters global-config mode from main.
	ConfigureCommand() string
	// InterfaceCommand enters interface-config mode for port.
	InterfaceCommand(port string) string

	EnableVLAN(vlan string) []string
	DisableVLAN(vlan string) []string
	// SetNative adds vlan to the trunk and makes it native.
	SetNative(vlan string) []string
	// DisableNative removes the native vlan and clears the native marker.
	DisableNative(vlan string) []string
	// DisablePort removes every VLAN from the port.
	DisablePort() []string

	// ShowPortCommand prints the port's switchport configuration.
	ShowPortCommand(port string) string
	ParsePort(output string) (PortState, error)

	// Save persists the running configuration.
	Save() []Step
}

// Config describes one console session.
type Config struct {
	Label    string
	Username string
	Password string
	Dialect  Dialect
	// Timeout bounds each wait for switch output.
	Timeout time.Duration
	// SaveConfig persists the configuration after each change.
	SaveConfig bool
}

// Engine is a driver.Session over an interactive CLI.
type Engine struct {
	cfg     Config
	exp     *stream
	prompts []*regexp.Regexp
	state   int
	broken  error
}

var _ driver.Session = (*Engine)(nil)

// Open logs in over rw, captures the switch's prompts and runs the
// dialect's setup commands. rw is closed if Open fails.
func Open(ctx context.Context, rw io.ReadWriteCloser, cfg Config) (*Engine, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	exp, err := newStream(rw, cfg.Label, cfg.Timeout)
	if err != nil {
		return nil, util.NewDriverError(cfg.Label, "connect", err)
	}
	e := &Engine{cfg: cfg, exp: exp}
	if err := e.open(ctx); err != nil {
		e.exp.close()
		return nil, util.NewDriverError(cfg.Label, "connect", err)
	}
	util.WithSwitch(cfg.Label).Debug("Console session established")
	return e, nil
}

func (e *Engine) open(ctx context.Context) error {
	if err := e.login(ctx); err != nil {
		return err
	}

	// Capture the prompt afresh from a bare newline so banner text and the
	// login dialogue cannot leak into it.
	if err := e.exp.sendLine(""); err != nil {
		return err
	}
	_, _, groups, err := e.exp.expect(ctx, promptCapture)
	if err != nil {
		return fmt.Errorf("capturing prompt: %w", err)
	}
	if groups[2] != "#" {
		return fmt.Errorf("not in privileged mode (prompt %q)", groups[1]+groups[2])
	}
	e.setPrompts(groups[1])

	for _, line := range e.cfg.Dialect.Setup() {
		if _, err := e.run(ctx, line, stateMain); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) login(ctx context.Context) error {
	passwords, enabled := 0, false
	for i := 0; i < maxLoginExchanges; i++ {
		idx, _, groups, err := e.exp.expect(ctx, userPrompt, passwordPrompt, promptCapture)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		switch idx {
		case 0:
			err = e.exp.sendLine(e.cfg.Username)
		case 1:
			if passwords++; passwords > 2 {
				return errors.New("login: password rejected")
			}
			err = e.exp.sendLine(e.cfg.Password)
		case 2:
			if groups[2] == "#" {
				return nil
			}
			if enabled {
				return errors.New("login: enable did not reach privileged mode")
			}
			enabled = true
			err = e.exp.sendLine("enable")
		}
		if err != nil {
			return err
		}
	}
	return errors.New("login: no prompt after login dialogue")
}

// setPrompts derives the three prompt patterns from the main prompt's
// hostname.
func (e *Engine) setPrompts(host string) {
	h := regexp.QuoteMeta(host)
	e.prompts = []*regexp.Regexp{
		stateMain:      regexp.MustCompile(h + `#`),
		stateConfig:    regexp.MustCompile(h + `\(config\)#`),
		stateInterface: regexp.MustCompile(h + `\(config-if[^)]*\)#`),
	}
	e.state = stateMain
}

// run sends one line and waits for the prompt of state want. Output before
// the prompt, minus the echoed command, is returned.
func (e *Engine) run(ctx context.Context, line string, want int) (string, error) {
	if err := e.exp.sendLine(line); err != nil {
		return "", err
	}
	idx, before, _, err := e.exp.expect(ctx, e.prompts...)
	if err != nil {
		return "", fmt.Errorf("after %q: %w", line, err)
	}
	e.state = idx
	out := stripEcho(before, line)
	if m := errorLine.FindString(out); m != "" {
		return out, fmt.Errorf("switch rejected %q: %s", line, strings.TrimSpace(m))
	}
	if idx != want {
		return out, fmt.Errorf("unexpected %s prompt after %q, wanted %s", stateNames[idx], line, stateNames[want])
	}
	return out, nil
}

func (e *Engine) runAll(ctx context.Context, lines []string, want int) error {
	for _, line := range lines {
		if _, err := e.run(ctx, line, want); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) enterInterface(ctx context.Context, port string) error {
	if _, err := e.run(ctx, e.cfg.Dialect.ConfigureCommand(), stateConfig); err != nil {
		return err
	}
	_, err := e.run(ctx, e.cfg.Dialect.InterfaceCommand(port), stateInterface)
	return err
}

func (e *Engine) exitInterface(ctx context.Context) error {
	if _, err := e.run(ctx, "exit", stateConfig); err != nil {
		return err
	}
	_, err := e.run(ctx, "exit", stateMain)
	return err
}

// portState reads one port's VLANs from the main prompt
func (e *Engine) portState(ctx context.Context, port string) (PortState, error) {
	out, err := e.run(ctx, e.cfg.Dialect.ShowPortCommand(port), stateMain)
	if err != nil {
		return PortState{}, err
	}
	return e.cfg.Dialect.ParsePort(out)
}

// guard runs op and marks the session unusable if it fails, since the
// CLI may be left in an unknown mode.
func (e *Engine) guard(op string, fn func() error) error {
	if e.broken != nil {
		return util.NewDriverError(e.cfg.Label, op, fmt.Errorf("session unusable: %w", e.broken))
	}
	if err := fn(); err != nil {
		e.broken = err
		return util.NewDriverError(e.cfg.Label, op, err)
	}
	return nil
}

// ModifyPort changes one channel on port. A native change first clears the
// switch's current native VLAN, then sets the new one.
func (e *Engine) ModifyPort(ctx context.Context, port, channel, networkID string) error {
	native, vlan, err := model.ParseChannel(channel)
	if err != nil {
		return util.NewDriverError(e.cfg.Label, "modify_port", err)
	}
	d := e.cfg.Dialect

	err = e.guard("modify_port", func() error {
		var current PortState
		if native {
			var err error
			if current, err = e.portState(ctx, port); err != nil {
				return err
			}
		}
		if err := e.enterInterface(ctx, port); err != nil {
			return err
		}
		var lines []string
		switch {
		case native:
			if current.Native != "" {
				lines = append(lines, d.DisableNative(current.Native)...)
			}
			if networkID != "" {
				lines = append(lines, d.SetNative(networkID)...)
			}
		case networkID == "":
			lines = d.DisableVLAN(strconv.Itoa(vlan))
		default:
			lines = d.EnableVLAN(networkID)
		}
		if err := e.runAll(ctx, lines, stateInterface); err != nil {
			return err
		}
		return e.exitInterface(ctx)
	})
	if err != nil {
		return err
	}
	util.WithSwitch(e.cfg.Label).WithFields(map[string]interface{}{
		"port": port, "channel": channel, "network_id": networkID,
	}).Debug("Port modified")
	e.maybeSave(ctx)
	return nil
}

// RevertPort removes every VLAN from port
func (e *Engine) RevertPort(ctx context.Context, port string) error {
	err := e.guard("revert_port", func() error {
		if err := e.enterInterface(ctx, port); err != nil {
			return err
		}
		if err := e.runAll(ctx, e.cfg.Dialect.DisablePort(), stateInterface); err != nil {
			return err
		}
		return e.exitInterface(ctx)
	})
	if err != nil {
		return err
	}
	util.WithSwitch(e.cfg.Label).WithField("port", port).Debug("Port reverted")
	e.maybeSave(ctx)
	return nil
}

// GetPortNetworks reads back each port's channels, native first
func (e *Engine) GetPortNetworks(ctx context.Context, ports []string) (map[string][]driver.PortNetwork, error) {
	result := make(map[string][]driver.PortNetwork, len(ports))
	err := e.guard("get_port_networks", func() error {
		for _, port := range ports {
			st, err := e.portState(ctx, port)
			if err != nil {
				return fmt.Errorf("port %s: %w", port, err)
			}
			result[port] = st.Networks()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Disconnect leaves the CLI and closes the transport
func (e *Engine) Disconnect() error {
	if e.broken == nil {
		_ = e.exp.sendLine("exit")
	}
	return e.exp.close()
}

// maybeSave persists the running config when configured. Failures are
// logged; the change itself has already been applied.
func (e *Engine) maybeSave(ctx context.Context) {
	if !e.cfg.SaveConfig {
		return
	}
	for _, step := range e.cfg.Dialect.Save() {
		patterns := []*regexp.Regexp{e.prompts[stateMain]}
		if step.Until != nil {
			patterns = []*regexp.Regexp{step.Until, e.prompts[stateMain]}
		}
		err := e.exp.sendLine(step.Line)
		if err == nil {
			var idx int
			var before string
			idx, before, _, err = e.exp.expect(ctx, patterns...)
			switch {
			case err != nil:
			case errorLine.MatchString(before):
				err = fmt.Errorf("switch rejected %q: %s", step.Line, strings.TrimSpace(errorLine.FindString(before)))
			case step.Until != nil && idx != 0:
				err = fmt.Errorf("no confirmation after %q", step.Line)
			}
		}
		if err != nil {
			util.WithSwitch(e.cfg.Label).WithError(err).Warn("Saving running config failed")
			e.resync(ctx)
			return
		}
	}
	util.WithSwitch(e.cfg.Label).Debug("Running config saved")
}

// resync waits for the main prompt after an interrupted exchange. The
// session is marked unusable if the prompt does not come back.
func (e *Engine) resync(ctx context.Context) {
	e.exp.discard()
	if err := e.exp.sendLine(""); err != nil {
		e.broken = err
		return
	}
	if _, _, _, err := e.exp.expect(ctx, e.prompts[stateMain]); err != nil {
		e.broken = err
		return
	}
	e.state = stateMain
}

// Networks converts a port state to channels
func (s PortState) Networks() []driver.PortNetwork {
	return driver.TrunkNetworks(s.Native, s.Tagged)
}

// stripEcho drops the echoed command line from a command's output.
func stripEcho(out, line string) string {
	out = strings.TrimLeft(out, "\r\n")
	if rest, ok := strings.CutPrefix(out, line); ok {
		out = rest
	}
	return strings.TrimLeft(out, "\r\n")
}
