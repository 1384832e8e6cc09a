package session

import (
	"fmt"
	"time"

	"github.com/transport-lab/nanodaq/comm"
	"github.com/transport-lab/nanodaq/visa"
)

// OpenFunc turns a parsed VISA resource into an open transport.
type OpenFunc func(res visa.Resource, timeout time.Duration) (comm.Transport, error)

// Open is the default opener.  TCPIP resources dial the raw SCPI socket and
// ASRL resources open the local serial port at the Keithley factory default
// rate.  GPIB resources need a bus conduit the resource string does not
// name; use PrologixOpener or GatewayOpener for those.
func Open(res visa.Resource, timeout time.Duration) (comm.Transport, error) {
	switch res.Class {
	case visa.TCPIP:
		return comm.OpenTCP(res.Endpoint(), timeout)
	case visa.ASRL:
		return comm.OpenSerial(fmt.Sprintf("/dev/ttyS%d", res.Board), 9600, timeout)
	case visa.GPIB:
		return nil, fmt.Errorf("GPIB resource needs a conduit: configure a Prologix port or a LAN gateway")
	}
	return nil, fmt.Errorf("unsupported resource class %s", res.Class)
}

// PrologixOpener returns an opener that routes GPIB resources through a
// Prologix GPIB-USB controller on the named serial port.  Non-GPIB resources
// fall through to the default opener.
func PrologixOpener(port string) OpenFunc {
	return func(res visa.Resource, timeout time.Duration) (comm.Transport, error) {
		if res.Class == visa.GPIB {
			return comm.OpenPrologix(port, res.PrimaryAddr, timeout)
		}
		return Open(res, timeout)
	}
}

// GatewayOpener returns an opener that routes GPIB resources through a
// Prologix-style LAN gateway listening at hostport.  The gateway is put in
// auto mode so instrument responses are forwarded without per-read
// solicitation.  Non-GPIB resources fall through to the default opener.
func GatewayOpener(hostport string) OpenFunc {
	return func(res visa.Resource, timeout time.Duration) (comm.Transport, error) {
		if res.Class != visa.GPIB {
			return Open(res, timeout)
		}
		tr, err := comm.OpenTCP(hostport, timeout)
		if err != nil {
			return nil, err
		}
		for _, setup := range []string{
			"++mode 1",
			fmt.Sprintf("++addr %d", res.PrimaryAddr),
			"++auto 1",
			"++eoi 1",
		} {
			if err := tr.Write(setup); err != nil {
				tr.Close()
				return nil, err
			}
		}
		return tr, nil
	}
}
