package console

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/newtron-network/metalnet/pkg/driver"
	"github.com/newtron-network/metalnet/pkg/driver/console/consoletest"
	"github.com/newtron-network/metalnet/pkg/util"
)

// iosDialect is a minimal IOS-like command set for exercising the engine.
type iosDialect struct{}

func (iosDialect) Setup() []string                     { return []string{"terminal length 0"} }
func (iosDialect) ConfigureCommand() string            { return "configure terminal" }
func (iosDialect) InterfaceCommand(port string) string { return "interface " + port }
func (iosDialect) EnableVLAN(v string) []string        { return []string{"switchport trunk allowed vlan add " + v} }
func (iosDialect) DisableVLAN(v string) []string       { return []string{"switchport trunk allowed vlan remove " + v} }

func (iosDialect) SetNative(v string) []string {
	return []string{"switchport trunk allowed vlan add " + v, "switchport trunk native vlan " + v}
}

func (iosDialect) DisableNative(v string) []string {
	return []string{"switchport trunk allowed vlan remove " + v, "no switchport trunk native vlan"}
}

func (iosDialect) DisablePort() []string {
	return []string{"switchport trunk allowed vlan none", "no switchport trunk native vlan"}
}

func (iosDialect) ShowPortCommand(port string) string { return "show interface " + port + " switchport" }

var (
	nativeLine  = regexp.MustCompile(`(?m)^Native: (\d*)`)
	allowedLine = regexp.MustCompile(`(?m)^Allowed: ([\d,]*)`)
)

func (iosDialect) ParsePort(out string) (PortState, error) {
	var st PortState
	m := allowedLine.FindStringSubmatch(out)
	if m == nil {
		return st, fmt.Errorf("no allowed list in %q", out)
	}
	st.Tagged = util.SplitCommaSeparated(m[1])
	if m := nativeLine.FindStringSubmatch(out); m != nil {
		st.Native = m[1]
	}
	return st, nil
}

func (iosDialect) Save() []Step {
	return []Step{
		{Line: "copy running-config startup-config", Until: regexp.MustCompile(`\[confirm\]`)},
		{Line: ""},
	}
}

func iosHandler(sw *consoletest.Switch, mode consoletest.Mode, iface, line string) (string, bool) {
	switch mode {
	case consoletest.Exec:
		if port, ok := strings.CutPrefix(line, "show interface "); ok {
			t := sw.Trunk(strings.TrimSuffix(port, " switchport"))
			return fmt.Sprintf("Native: %s\r\nAllowed: %s\r\n", t.Native, strings.Join(t.AllowedList(), ",")), true
		}
	case consoletest.Interface:
		t := sw.Trunk(iface)
		switch {
		case strings.HasPrefix(line, "switchport trunk allowed vlan add "):
			t.Allowed[strings.TrimPrefix(line, "switchport trunk allowed vlan add ")] = true
			return "", true
		case strings.HasPrefix(line, "switchport trunk allowed vlan remove "):
			delete(t.Allowed, strings.TrimPrefix(line, "switchport trunk allowed vlan remove "))
			return "", true
		case line == "switchport trunk allowed vlan none":
			t.Allowed = map[string]bool{}
			return "", true
		case strings.HasPrefix(line, "switchport trunk native vlan "):
			t.Native = strings.TrimPrefix(line, "switchport trunk native vlan ")
			return "", true
		case line == "no switchport trunk native vlan":
			t.Native = ""
			return "", true
		}
	}
	return "", false
}

func newFakeSwitch() *consoletest.Switch {
	return &consoletest.Switch{
		Hostname: "tor1",
		Handle:   iosHandler,
		Confirm: map[string]string{
			"copy running-config startup-config": "Destination filename [startup-config]? [confirm]",
		},
	}
}

func openEngine(t *testing.T, sw *consoletest.Switch, cfg Config) *Engine {
	t.Helper()
	if cfg.Label == "" {
		cfg.Label = "tor1"
	}
	cfg.Dialect = iosDialect{}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	e, err := Open(context.Background(), sw.Pipe(), cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { e.Disconnect() })
	return e
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestEngine_LoginAndEnable(t *testing.T) {
	sw := newFakeSwitch()
	sw.Username, sw.Password, sw.Unprivileged = "admin", "secret", true

	openEngine(t, sw, Config{Username: "admin", Password: "secret"})

	lines := sw.Lines()
	if !contains(lines, "enable") {
		t.Errorf("enable not sent: %q", lines)
	}
	if !contains(lines, "terminal length 0") {
		t.Errorf("setup commands not sent: %q", lines)
	}
}

func TestEngine_BadPassword(t *testing.T) {
	sw := newFakeSwitch()
	sw.Username, sw.Password = "admin", "secret"

	_, err := Open(context.Background(), sw.Pipe(), Config{
		Label: "tor1", Username: "admin", Password: "wrong", Dialect: iosDialect{}, Timeout: time.Second,
	})
	if !errors.Is(err, util.ErrDriver) || !strings.Contains(err.Error(), "password rejected") {
		t.Errorf("Open() error = %v", err)
	}
}

func TestEngine_NativeChannel(t *testing.T) {
	sw := newFakeSwitch()
	e := openEngine(t, sw, Config{})
	ctx := context.Background()

	if err := e.ModifyPort(ctx, "gi1/0/3", "vlan/native", "100"); err != nil {
		t.Fatalf("ModifyPort() error = %v", err)
	}
	if err := e.ModifyPort(ctx, "gi1/0/3", "vlan/native", "200"); err != nil {
		t.Fatalf("ModifyPort() error = %v", err)
	}

	// The old native VLAN is cleared before the new one is set.
	lines := sw.Lines()
	removeOld, addNew := -1, -1
	for i, l := range lines {
		switch l {
		case "switchport trunk allowed vlan remove 100":
			removeOld = i
		case "switchport trunk native vlan 200":
			addNew = i
		}
	}
	if removeOld < 0 || addNew < removeOld {
		t.Errorf("native change order wrong: %q", lines)
	}

	nets, err := e.GetPortNetworks(ctx, []string{"gi1/0/3"})
	if err != nil {
		t.Fatal(err)
	}
	want := []driver.PortNetwork{{Channel: "vlan/native", NetworkID: "200"}}
	if got := nets["gi1/0/3"]; len(got) != 1 || got[0] != want[0] {
		t.Errorf("GetPortNetworks() = %v, want %v", got, want)
	}

	if err := e.ModifyPort(ctx, "gi1/0/3", "vlan/native", ""); err != nil {
		t.Fatal(err)
	}
	nets, _ = e.GetPortNetworks(ctx, []string{"gi1/0/3"})
	if len(nets["gi1/0/3"]) != 0 {
		t.Errorf("after native detach: %v", nets["gi1/0/3"])
	}
}

func TestEngine_TaggedAndRevert(t *testing.T) {
	sw := newFakeSwitch()
	e := openEngine(t, sw, Config{})
	ctx := context.Background()

	steps := []struct{ channel, id string }{
		{"vlan/native", "100"},
		{"vlan/101", "101"},
		{"vlan/102", "102"},
		{"vlan/101", ""},
	}
	for _, s := range steps {
		if err := e.ModifyPort(ctx, "gi1/0/4", s.channel, s.id); err != nil {
			t.Fatalf("ModifyPort(%s, %q) error = %v", s.channel, s.id, err)
		}
	}

	nets, err := e.GetPortNetworks(ctx, []string{"gi1/0/4"})
	if err != nil {
		t.Fatal(err)
	}
	want := []driver.PortNetwork{
		{Channel: "vlan/native", NetworkID: "100"},
		{Channel: "vlan/102", NetworkID: "102"},
	}
	got := nets["gi1/0/4"]
	if len(got) != len(want) {
		t.Fatalf("GetPortNetworks() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("network[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if err := e.RevertPort(ctx, "gi1/0/4"); err != nil {
		t.Fatal(err)
	}
	nets, _ = e.GetPortNetworks(ctx, []string{"gi1/0/4"})
	if len(nets["gi1/0/4"]) != 0 {
		t.Errorf("after revert: %v", nets["gi1/0/4"])
	}
}

func TestEngine_RejectedCommand(t *testing.T) {
	sw := newFakeSwitch()
	sw.FailOn = "switchport trunk allowed vlan add 666"
	e := openEngine(t, sw, Config{})
	ctx := context.Background()

	err := e.ModifyPort(ctx, "gi1/0/5", "vlan/666", "666")
	if !errors.Is(err, util.ErrDriver) {
		t.Fatalf("ModifyPort() error = %v, want driver error", err)
	}
	if !strings.Contains(err.Error(), "Invalid input") {
		t.Errorf("error should carry the switch message: %v", err)
	}

	// The CLI was left in interface mode; the session refuses further work.
	if err := e.RevertPort(ctx, "gi1/0/5"); err == nil || !strings.Contains(err.Error(), "unusable") {
		t.Errorf("RevertPort() on a broken session = %v", err)
	}
}

func TestEngine_Timeout(t *testing.T) {
	sw := newFakeSwitch()
	sw.HangOn = "interface"
	e := openEngine(t, sw, Config{Timeout: 100 * time.Millisecond})

	err := e.RevertPort(context.Background(), "gi1/0/6")
	if !errors.Is(err, ErrTimeout) || !errors.Is(err, util.ErrDriver) {
		t.Errorf("RevertPort() error = %v, want timeout driver error", err)
	}
}

func TestEngine_InvalidChannel(t *testing.T) {
	e := openEngine(t, newFakeSwitch(), Config{})
	if err := e.ModifyPort(context.Background(), "gi1/0/1", "vxlan/5", "5"); !errors.Is(err, util.ErrDriver) {
		t.Errorf("ModifyPort() error = %v", err)
	}
}

func TestEngine_SaveConfig(t *testing.T) {
	sw := newFakeSwitch()
	e := openEngine(t, sw, Config{SaveConfig: true})

	if err := e.ModifyPort(context.Background(), "gi1/0/7", "vlan/native", "300"); err != nil {
		t.Fatal(err)
	}
	if !contains(sw.Lines(), "copy running-config startup-config") {
		t.Errorf("config not saved: %q", sw.Lines())
	}

	// The session stays usable after saving.
	if _, err := e.GetPortNetworks(context.Background(), []string{"gi1/0/7"}); err != nil {
		t.Errorf("GetPortNetworks() after save = %v", err)
	}
}

func TestEngine_SaveFailureIsNotFatal(t *testing.T) {
	sw := newFakeSwitch()
	sw.FailOn = "copy"
	e := openEngine(t, sw, Config{SaveConfig: true, Timeout: 200 * time.Millisecond})

	if err := e.ModifyPort(context.Background(), "gi1/0/8", "vlan/native", "301"); err != nil {
		t.Fatalf("save failure leaked into ModifyPort: %v", err)
	}
	nets, err := e.GetPortNetworks(context.Background(), []string{"gi1/0/8"})
	if err != nil {
		t.Fatal(err)
	}
	if len(nets["gi1/0/8"]) != 1 {
		t.Errorf("GetPortNetworks() = %v", nets)
	}
}

func TestPortStateNetworks(t *testing.T) {
	st := PortState{Native: "10", Tagged: []string{"10", "20", "30"}}
	got := st.Networks()
	want := []driver.PortNetwork{
		{Channel: "vlan/native", NetworkID: "10"},
		{Channel: "vlan/20", NetworkID: "20"},
		{Channel: "vlan/30", NetworkID: "30"},
	}
	if len(got) != len(want) {
		t.Fatalf("Networks() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Networks()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if n := (PortState{}).Networks(); n == nil || len(n) != 0 {
		t.Errorf("empty state: %#v", n)
	}
}

func TestStripEcho(t *testing.T) {
	tests := []struct {
		out, line, want string
	}{
		{"show vlan\r\nVLAN 10\r\n", "show vlan", "VLAN 10\r\n"},
		{"\r\nshow vlan\r\n", "show vlan", ""},
		{"no echo here", "show vlan", "no echo here"},
	}
	for _, tt := range tests {
		if got := stripEcho(tt.out, tt.line); got != tt.want {
			t.Errorf("stripEcho(%q, %q) = %q, want %q", tt.out, tt.line, got, tt.want)
		}
	}
}
