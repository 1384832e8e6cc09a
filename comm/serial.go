package comm

import (
	"io"
	"time"

	"github.com/tarm/serial"
)

// SerialConnMaker returns a CreationFunc which opens the named serial port.
// 9600 8N1 is the factory default for Keithley rear-panel RS-232.
func SerialConnMaker(port string, baud int, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        port,
			Baud:        baud,
			ReadTimeout: timeout,
		})
	}
}

// OpenSerial opens a serial-attached instrument as a line transport.  The
// serial driver enforces the read timeout itself; the line transport's
// deadline mechanism is inert for this backend.
func OpenSerial(port string, baud int, timeout time.Duration, opts ...LineOption) (Transport, error) {
	conn, err := SerialConnMaker(port, baud, timeout)()
	if err != nil {
		return nil, err
	}
	opts = append([]LineOption{WithTimeout(timeout)}, opts...)
	return NewLineTransport(conn, opts...), nil
}
