package comm

import (
	"bufio"
	"io"
	"strings"
	"time"

	"github.com/gotmc/prologix"
	"go.uber.org/multierr"
)

// PrologixTransport drives one GPIB instrument behind a Prologix GPIB-USB
// controller.  The controller is placed in controller-in-charge mode with
// read-after-write disabled, so every read must be solicited with an
// explicit ++read eoi.
type PrologixTransport struct {
	port io.ReadWriteCloser
	ctrl *prologix.Controller
	rdr  *bufio.Reader
}

// OpenPrologix opens the serial port at 115200 baud, configures the Prologix
// controller for the given GPIB primary address, and returns a Transport for
// the instrument behind it.
func OpenPrologix(port string, gpibAddr int, timeout time.Duration) (Transport, error) {
	conn, err := SerialConnMaker(port, 115200, timeout)()
	if err != nil {
		return nil, err
	}
	ctrl, err := prologix.NewController(conn, gpibAddr, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &PrologixTransport{
		port: conn,
		ctrl: ctrl,
		rdr:  bufio.NewReader(conn),
	}, nil
}

// Write sends one SCPI command to the addressed instrument.
func (pt *PrologixTransport) Write(cmd string) error {
	if pt.port == nil {
		return ErrNotConnected
	}
	if err := pt.ctrl.Command("%s", cmd); err != nil {
		return classify(err)
	}
	return nil
}

// ReadLine solicits a read from the instrument and returns one terminated
// line.  A persistent buffered reader is used rather than the controller's
// own Query path, which constructs a fresh reader per call and can drop
// bytes already buffered from the port.
func (pt *PrologixTransport) ReadLine() (string, error) {
	if pt.port == nil {
		return "", ErrNotConnected
	}
	if err := pt.ctrl.CommandController("read eoi"); err != nil {
		return "", classify(err)
	}
	s, err := pt.rdr.ReadString('\n')
	if err != nil {
		return "", classify(err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// Query sends cmd and solicits the response.
func (pt *PrologixTransport) Query(cmd string) (string, error) {
	if err := pt.Write(cmd); err != nil {
		return "", err
	}
	return pt.ReadLine()
}

// Close returns the instrument to local front-panel control and closes the
// serial port.  Idempotent.
func (pt *PrologixTransport) Close() error {
	if pt.port == nil {
		return nil
	}
	var err error
	err = multierr.Append(err, pt.ctrl.FrontPanel(true))
	err = multierr.Append(err, pt.port.Close())
	pt.port = nil
	return err
}
