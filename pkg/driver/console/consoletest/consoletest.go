// Package consoletest provides a scripted switch CLI for testing console
// drivers over an in-memory pipe.
package consoletest

import (
	"bufio"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Mode is the fake CLI's prompt state.
type Mode int

const (
	Exec Mode = iota
	Config
	Interface
)

// Trunk is the VLAN state of one fake port.
type Trunk struct {
	Native  string
	Allowed map[string]bool
}

// AllowedList returns the allowed VLANs in numeric order
func (t *Trunk) AllowedList() []string {
	out := make([]string, 0, len(t.Allowed))
	for v := range t.Allowed {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i])
		b, _ := strconv.Atoi(out[j])
		return a < b
	})
	return out
}

// HandlerFunc handles a line the generic CLI does not know. iface is the
// port being configured in Interface mode. It returns the command output
// and false if the command is invalid.
type HandlerFunc func(sw *Switch, mode Mode, iface, line string) (string, bool)

// Switch is a fake IOS-like CLI.
type Switch struct {
	Hostname string
	// Username and Password enable a login dialogue when set.
	Username string
	Password string
	// Unprivileged starts the session at a ">" prompt; "enable" asks for
	// Password again.
	Unprivileged bool
	// ConfigureCommand enters Config mode. Defaults to "configure terminal".
	ConfigureCommand string
	Handle           HandlerFunc

	// Confirm maps command prefixes to a question the CLI asks before
	// running them. The next line answers it; any answer is accepted.
	Confirm map[string]string

	// FailOn makes lines with this prefix fail with an invalid-input error.
	FailOn string
	// HangOn makes lines with this prefix produce no output and no prompt.
	HangOn string

	mu     sync.Mutex
	lines  []string
	trunks map[string]*Trunk
}

// Trunk returns the state of port, creating it on first use
func (s *Switch) Trunk(port string) *Trunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trunks == nil {
		s.trunks = make(map[string]*Trunk)
	}
	t, ok := s.trunks[port]
	if !ok {
		t = &Trunk{Allowed: make(map[string]bool)}
		s.trunks[port] = t
	}
	return t
}

// Lines returns every line received after login
func (s *Switch) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Pipe starts serving one session and returns the client end.
func (s *Switch) Pipe() net.Conn {
	client, server := net.Pipe()
	go s.Serve(server)
	return client
}

// Serve runs one session on conn until the client exits or disconnects.
func (s *Switch) Serve(conn io.ReadWriteCloser) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	write := func(str string) bool {
		_, err := io.WriteString(conn, str)
		return err == nil
	}
	readLine := func() (string, bool) {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", false
		}
		return strings.TrimRight(line, "\r\n"), true
	}

	if s.Username != "" {
		if !write("\r\nUser Name:") {
			return
		}
		if _, ok := readLine(); !ok {
			return
		}
		for {
			if !write("\r\nPassword:") {
				return
			}
			pass, ok := readLine()
			if !ok {
				return
			}
			if pass == s.Password {
				break
			}
		}
	}

	privileged := !s.Unprivileged
	mode, iface := Exec, ""
	prompt := func() string {
		switch {
		case !privileged:
			return s.Hostname + ">"
		case mode == Config:
			return s.Hostname + "(config)#"
		case mode == Interface:
			return s.Hostname + "(config-if)#"
		}
		return s.Hostname + "#"
	}
	configure := s.ConfigureCommand
	if configure == "" {
		configure = "configure terminal"
	}

	if !write("\r\n" + prompt() + " ") {
		return
	}
	for {
		line, ok := readLine()
		if !ok {
			return
		}
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()

		if !write(line + "\r\n") {
			return
		}
		if s.HangOn != "" && strings.HasPrefix(line, s.HangOn) {
			continue
		}

		out, valid := "", true
		switch {
		case line == "":
		case s.FailOn != "" && strings.HasPrefix(line, s.FailOn):
			valid = false
		case s.confirmFor(line) != "":
			if !write(s.confirmFor(line)) {
				return
			}
			answer, ok := readLine()
			if !ok {
				return
			}
			s.mu.Lock()
			s.lines = append(s.lines, answer)
			s.mu.Unlock()
			out = answer + "\r\n[OK]\r\n"
		case !privileged:
			if line != "enable" {
				valid = false
				break
			}
			if !write("Password:") {
				return
			}
			if pass, ok := readLine(); !ok {
				return
			} else if pass == s.Password {
				privileged = true
			}
		case mode == Exec && line == "exit":
			return
		case mode == Exec && line == configure:
			mode = Config
		case mode == Exec && line == "terminal length 0":
		case mode == Config && strings.HasPrefix(line, "interface "):
			mode, iface = Interface, strings.TrimPrefix(line, "interface ")
		case mode == Config && line == "exit":
			mode = Exec
		case mode == Interface && line == "exit":
			mode, iface = Config, ""
		case line == "end":
			mode, iface = Exec, ""
		case s.Handle != nil:
			out, valid = s.Handle(s, mode, iface, line)
		default:
			valid = false
		}
		if !valid {
			out = "% Invalid input detected at '^' marker.\r\n"
		}
		if !write(out + prompt() + " ") {
			return
		}
	}
}

func (s *Switch) confirmFor(line string) string {
	for prefix, question := range s.Confirm {
		if strings.HasPrefix(line, prefix) {
			return question
		}
	}
	return ""
}
