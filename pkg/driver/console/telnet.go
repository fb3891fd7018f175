package console

import (
	"io"
	"sync"
)

// Telnet protocol bytes (RFC 854).
const (
	telnetSE   = 240
	telnetSB   = 250
	telnetWILL = 251
	telnetWONT = 252
	telnetDO   = 253
	telnetDONT = 254
	telnetIAC  = 255
)

type telnetState int

const (
	tsData telnetState = iota
	tsIAC
	tsOption
	tsSub
	tsSubIAC
)

// TelnetConn strips telnet commands from the byte stream and refuses every
// option the peer offers or requests, leaving a plain NVT.
type TelnetConn struct {
	rw io.ReadWriteCloser

	state telnetState
	verb  byte

	wmu sync.Mutex
}

// NewTelnetConn wraps an established connection
func NewTelnetConn(rw io.ReadWriteCloser) *TelnetConn {
	return &TelnetConn{rw: rw}
}

// Read returns data bytes only. It may return 0 bytes with a nil error
// when a read held only telnet commands.
func (t *TelnetConn) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	out := 0
	var replies []byte
	for _, b := range p[:n] {
		switch t.state {
		case tsData:
			if b == telnetIAC {
				t.state = tsIAC
				continue
			}
			p[out] = b
			out++
		case tsIAC:
			switch b {
			case telnetIAC:
				p[out] = b
				out++
				t.state = tsData
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				t.verb = b
				t.state = tsOption
			case telnetSB:
				t.state = tsSub
			default:
				t.state = tsData
			}
		case tsOption:
			switch t.verb {
			case telnetDO:
				replies = append(replies, telnetIAC, telnetWONT, b)
			case telnetWILL:
				replies = append(replies, telnetIAC, telnetDONT, b)
			}
			t.state = tsData
		case tsSub:
			if b == telnetIAC {
				t.state = tsSubIAC
			}
		case tsSubIAC:
			if b == telnetSE {
				t.state = tsData
			} else {
				t.state = tsSub
			}
		}
	}
	if len(replies) > 0 {
		if _, werr := t.write(replies); werr != nil && err == nil {
			err = werr
		}
	}
	return out, err
}

// Write escapes IAC bytes in p
func (t *TelnetConn) Write(p []byte) (int, error) {
	escaped := make([]byte, 0, len(p))
	for _, b := range p {
		if b == telnetIAC {
			escaped = append(escaped, telnetIAC)
		}
		escaped = append(escaped, b)
	}
	if _, err := t.write(escaped); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *TelnetConn) write(p []byte) (int, error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return t.rw.Write(p)
}

// Close closes the underlying connection
func (t *TelnetConn) Close() error {
	return t.rw.Close()
}
