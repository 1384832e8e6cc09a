package comm

import (
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// TCPSetup opens a new TCP connection and sets a timeout on connect, read,
// and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc which dials addr with an
// exponential backoff.  LAN-GPIB gateways drop the first connection attempt
// after an idle period and dislike being connection-thrashed; refusals are
// surfaced immediately, timeouts are retried.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		wasTimeout := false
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return err
				}
				wasTimeout = true
				return nil
			}
			wasTimeout = false
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err == nil && !wasTimeout {
			return conn, nil
		}
		if wasTimeout {
			return nil, fmt.Errorf("%w: connection timeout to %s", ErrTimeout, addr)
		}
		return nil, err
	}
}

// OpenTCP dials addr and returns a line transport over the socket.
func OpenTCP(addr string, timeout time.Duration, opts ...LineOption) (Transport, error) {
	conn, err := BackingOffTCPConnMaker(addr, timeout)()
	if err != nil {
		return nil, err
	}
	opts = append([]LineOption{WithTimeout(timeout)}, opts...)
	return NewLineTransport(conn, opts...), nil
}
