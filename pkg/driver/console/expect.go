// Package console drives interactive switch CLIs. A stream runs a goexpect
// spawner over the transport for send-line / wait-for-pattern exchanges; an
// Engine layers the main, global-config and interface-config prompt states
// on top and applies port changes using a vendor Dialect.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	expect "github.com/google/goexpect"

	"github.com/newtron-network/metalnet/pkg/util"
)

// ErrTimeout is returned when no expected pattern arrives in time.
var ErrTimeout = errors.New("console: timed out waiting for switch output")

// checkInterval is how often goexpect polls for output it was not
// signalled about, and for a closed transport.
const checkInterval = 100 * time.Millisecond

// anyOutput matches whatever is buffered; used to discard stale output.
var anyOutput = regexp.MustCompile(`(?s).+`)

// stream is a goexpect session over a console transport. Patterns are
// tried in order and output after a match stays buffered for the next
// expect.
type stream struct {
	exp     *expect.GExpect
	label   string
	timeout time.Duration

	rw        io.ReadWriteCloser
	closed    chan struct{}
	eof       chan struct{}
	closeOnce sync.Once
	eofOnce   sync.Once
}

// newStream spawns an expecter over rw. timeout bounds each expect call.
func newStream(rw io.ReadWriteCloser, label string, timeout time.Duration) (*stream, error) {
	s := &stream{
		label:   label,
		timeout: timeout,
		rw:      rw,
		closed:  make(chan struct{}),
		eof:     make(chan struct{}),
	}
	exp, _, err := expect.SpawnGeneric(&expect.GenOptions{
		In:  rw,
		Out: readerFunc(s.read),
		Wait: func() error {
			<-s.closed
			return nil
		},
		Close: s.closeTransport,
		Check: s.alive,
	}, timeout, expect.PartialMatch(true), expect.SendTimeout(timeout), expect.CheckDuration(checkInterval))
	if err != nil {
		rw.Close()
		return nil, fmt.Errorf("console spawn: %w", err)
	}
	s.exp = exp
	return s, nil
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

// read marks the stream dead once the transport reports an error, so
// pending expects fail instead of waiting out their timeout.
func (s *stream) read(p []byte) (int, error) {
	n, err := s.rw.Read(p)
	if err != nil {
		s.eofOnce.Do(func() { close(s.eof) })
	}
	return n, err
}

func (s *stream) alive() bool {
	select {
	case <-s.closed:
		return false
	case <-s.eof:
		return false
	default:
		return true
	}
}

func (s *stream) closeTransport() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.rw.Close()
	})
	return err
}

// sendLine writes line followed by a newline
func (s *stream) sendLine(line string) error {
	util.WithSwitch(s.label).Debugf("console> %s", line)
	if err := s.exp.Send(line + "\n"); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}

// expect waits until one of patterns matches the buffered output. It
// returns the index of the first pattern that matches, the output before
// the match, and the submatches. The wait ends early when ctx is done.
func (s *stream) expect(ctx context.Context, patterns ...*regexp.Regexp) (int, string, []string, error) {
	if err := ctx.Err(); err != nil {
		return -1, "", nil, err
	}
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = max(left, time.Millisecond)
		}
	}
	// goexpect has no context support; closing the transport unblocks it.
	stop := context.AfterFunc(ctx, func() { s.exp.Close() })
	defer stop()

	cases := make([]expect.Caser, len(patterns))
	for i, re := range patterns {
		cases[i] = &expect.Case{R: re}
	}
	out, match, idx, err := s.exp.ExpectSwitchCase(cases, timeout)
	if err != nil {
		var te expect.TimeoutError
		switch {
		case ctx.Err() != nil:
			return -1, out, nil, ctx.Err()
		case errors.As(err, &te):
			util.WithSwitch(s.label).Debugf("console timeout, unread output: %q", tail(out, 200))
			return -1, out, nil, fmt.Errorf("%w (%s after %s)", ErrTimeout, describe(patterns), timeout)
		case !s.alive():
			return -1, out, nil, fmt.Errorf("console closed while waiting for %s: %w", describe(patterns), io.ErrUnexpectedEOF)
		}
		return -1, out, nil, fmt.Errorf("waiting for %s: %w", describe(patterns), err)
	}
	util.WithSwitch(s.label).Debugf("console< %q", tail(out, 400))
	return idx, strings.TrimSuffix(out, match[0]), match, nil
}

// discard drops output received so far
func (s *stream) discard() {
	_, _, _ = s.exp.Expect(anyOutput, time.Millisecond)
}

// close stops the spawner and closes the transport
func (s *stream) close() error {
	return s.exp.Close()
}

func describe(patterns []*regexp.Regexp) string {
	parts := make([]string, len(patterns))
	for i, re := range patterns {
		parts[i] = re.String()
	}
	return strings.Join(parts, " | ")
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
