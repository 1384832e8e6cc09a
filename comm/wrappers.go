package comm

import (
	"bytes"
	"io"
	"time"
)

// Terminator wraps a ReadWriter, appending the Tx terminator to writes and
// stripping the Rx terminator from reads.  It carries no buffer of its own.
type Terminator struct {
	rw     io.ReadWriter
	txTerm byte
	rxTerm byte
}

// NewTerminator wraps rw with the given terminators.
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, txTerm: tx, rxTerm: rx}
}

func (t *Terminator) Write(p []byte) (int, error) {
	n, err := t.rw.Write(append(bytes.TrimRight(p, "\r\n"), t.txTerm))
	if n > 0 {
		n-- // do not count the terminator toward the caller's bytes
	}
	return n, err
}

func (t *Terminator) Read(p []byte) (int, error) {
	n, err := t.rw.Read(p)
	for n > 0 && (p[n-1] == t.rxTerm || p[n-1] == '\r') {
		n--
	}
	return n, err
}

// SetDeadline forwards to the wrapped connection so a Timeout can be stacked
// outside a Terminator.
func (t *Terminator) SetDeadline(tm time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetDeadline(tm)
	}
	return nil
}

// Timeout wraps a ReadWriter whose underlying connection supports deadlines,
// arming the deadline before each operation.  If the connection has no
// deadline support the wrapper is a pass-through.
type Timeout struct {
	rw io.ReadWriter
	d  time.Duration
}

// NewTimeout wraps rw with a per-operation deadline of d.
func NewTimeout(rw io.ReadWriter, d time.Duration) *Timeout {
	return &Timeout{rw: rw, d: d}
}

func (t *Timeout) arm() {
	if dl, ok := t.rw.(deadliner); ok {
		dl.SetDeadline(time.Now().Add(t.d))
	}
}

func (t *Timeout) Write(p []byte) (int, error) {
	t.arm()
	return t.rw.Write(p)
}

func (t *Timeout) Read(p []byte) (int, error) {
	t.arm()
	return t.rw.Read(p)
}
