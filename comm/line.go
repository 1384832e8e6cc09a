package comm

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// deadliner is satisfied by net.Conn; serial ports manage their own read
// timeout and do not implement it.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// LineTransport adapts a byte-oriented connection into a terminated-ASCII
// Transport.  The zero value is not usable; construct with NewLineTransport.
type LineTransport struct {
	conn    io.ReadWriteCloser
	rdr     *bufio.Reader
	txTerm  byte
	rxTerm  byte
	timeout time.Duration
}

// LineOption customizes a LineTransport.
type LineOption func(*LineTransport)

// WithTerminators overrides the default newline terminators.
func WithTerminators(tx, rx byte) LineOption {
	return func(lt *LineTransport) {
		lt.txTerm = tx
		lt.rxTerm = rx
	}
}

// WithTimeout overrides DefaultTimeout for each operation.
func WithTimeout(d time.Duration) LineOption {
	return func(lt *LineTransport) {
		lt.timeout = d
	}
}

// NewLineTransport wraps conn.  A single buffered reader is held for the
// life of the transport so partial reads are never discarded between calls.
func NewLineTransport(conn io.ReadWriteCloser, opts ...LineOption) *LineTransport {
	lt := &LineTransport{
		conn:    conn,
		rdr:     bufio.NewReader(conn),
		txTerm:  '\n',
		rxTerm:  '\n',
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(lt)
	}
	return lt
}

func (lt *LineTransport) armDeadline() {
	if d, ok := lt.conn.(deadliner); ok {
		d.SetDeadline(time.Now().Add(lt.timeout))
	}
}

// Write sends one command with the Tx terminator appended.  Leading and
// trailing whitespace is stripped so callers may be sloppy about newlines.
func (lt *LineTransport) Write(cmd string) error {
	if lt.conn == nil {
		return ErrNotConnected
	}
	lt.armDeadline()
	_, err := fmt.Fprintf(lt.conn, "%s%c", strings.TrimSpace(cmd), lt.txTerm)
	if err != nil {
		return classify(err)
	}
	return nil
}

// ReadLine reads one response up to the Rx terminator and strips it, along
// with any carriage return preceding it.
func (lt *LineTransport) ReadLine() (string, error) {
	if lt.conn == nil {
		return "", ErrNotConnected
	}
	lt.armDeadline()
	s, err := lt.rdr.ReadString(lt.rxTerm)
	if err != nil {
		return "", classify(err)
	}
	s = strings.TrimRight(s, "\r\n")
	return s, nil
}

// Query sends cmd and reads the single-line response.
func (lt *LineTransport) Query(cmd string) (string, error) {
	if err := lt.Write(cmd); err != nil {
		return "", err
	}
	return lt.ReadLine()
}

// Close closes the underlying connection.  Closing an already-closed
// transport is a no-op.
func (lt *LineTransport) Close() error {
	if lt.conn == nil {
		return nil
	}
	err := lt.conn.Close()
	lt.conn = nil
	return err
}

// classify maps driver errors onto the package sentinels so callers can use
// errors.Is without knowing which backend is underneath.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if IsDisconnect(err) {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return err
}
