/*Package comm provides transports for communication with lab instruments.

A Transport is a line-oriented, half-duplex channel to one instrument.  Three
backends are provided:

	1.  raw TCP sockets, for LAN-GPIB gateways and VXI-style raw socket
	    instruments
	2.  RS-232 serial ports
	3.  Prologix GPIB-USB adapters, which multiplex a GPIB bus behind a
	    serial port

All backends speak terminated ASCII and surface timeouts and link loss as
distinguishable errors; the session layer bases its retry-or-fault decision
on that distinction.
*/
package comm

import (
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single transport operation.  The original bench
// setup used 10 seconds; precision readings at high NPLC can take seconds.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimeout is returned when the instrument does not respond within
	// the transport timeout.
	ErrTimeout = errors.New("comm: timeout waiting for instrument")

	// ErrDisconnected is returned when the link to the instrument is gone,
	// as opposed to merely slow.
	ErrDisconnected = errors.New("comm: instrument disconnected")

	// ErrNotConnected is generated when an operation is attempted on a
	// closed transport.
	ErrNotConnected = errors.New("comm: not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not
	// found in a response.
	ErrTerminatorNotFound = errors.New("comm: termination byte not found")
)

// Transport is a line-oriented channel to a single instrument.  Implementations
// are not concurrent safe; the owner must serialize access.
type Transport interface {
	// Write sends one command, appending the transmit terminator.
	Write(cmd string) error

	// ReadLine reads one terminated response, stripping the terminator.
	ReadLine() (string, error)

	// Query is Write followed by ReadLine.  Backends with read-after-write
	// semantics (Prologix) override the plumbing between the two.
	Query(cmd string) (string, error)

	io.Closer
}

// IsTimeout reports whether err represents a response deadline expiring,
// from this package or from the underlying net/serial layer.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// tarm/serial surfaces read timeouts as EOF on some platforms
	return false
}

// IsDisconnect reports whether err represents the link being gone.  Anything
// that is an I/O failure but not a timeout is treated as a disconnect; a
// device that keeps timing out is "very slow" until the OS tells us the
// conduit itself failed.
func IsDisconnect(err error) bool {
	if err == nil || IsTimeout(err) {
		return false
	}
	if errors.Is(err, ErrDisconnected) || errors.Is(err, ErrNotConnected) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// stringly-typed errors from older drivers
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "closed") || strings.Contains(s, "reset by peer") || strings.Contains(s, "broken pipe")
}
