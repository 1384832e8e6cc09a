// Package visa parses VISA resource address strings into typed descriptors.
// Only the resource classes used by bench GPIB/serial/LAN instruments are
// understood; no VISA library is involved.
package visa

import (
	"fmt"
	"strconv"
	"strings"
)

// Class is the transport family named by a resource string.
type Class int

const (
	// GPIB is a GPIB board resource, e.g. "GPIB0::15::INSTR".
	GPIB Class = iota

	// TCPIP is a LAN instrument, e.g. "TCPIP0::10.0.0.5::5025::SOCKET".
	TCPIP

	// ASRL is a serial port resource, e.g. "ASRL2::INSTR".
	ASRL
)

var classNames = map[Class]string{
	GPIB:  "GPIB",
	TCPIP: "TCPIP",
	ASRL:  "ASRL",
}

func (c Class) String() string { return classNames[c] }

// Resource is a parsed VISA resource string.
type Resource struct {
	Class Class

	// Board is the interface index, the digit suffix on the class token.
	Board int

	// PrimaryAddr is the GPIB primary address, or the serial port index for
	// ASRL resources.
	PrimaryAddr int

	// Host and Port are populated for TCPIP resources.
	Host string
	Port int
}

// Parse converts a VISA resource string into a Resource.  The grammar is
// case-insensitive and the trailing "::INSTR"/"::SOCKET" suffix is optional.
func Parse(s string) (Resource, error) {
	var r Resource
	pieces := strings.Split(strings.TrimSpace(s), "::")
	if len(pieces) < 2 || pieces[0] == "" {
		return r, fmt.Errorf("visa: malformed resource string %q", s)
	}
	head := strings.ToUpper(pieces[0])
	// drop the INSTR/SOCKET suffix, it carries no routing information
	last := strings.ToUpper(pieces[len(pieces)-1])
	if last == "INSTR" || last == "SOCKET" {
		pieces = pieces[:len(pieces)-1]
	}

	switch {
	case strings.HasPrefix(head, "GPIB"):
		r.Class = GPIB
		board, err := boardIndex(head, "GPIB")
		if err != nil {
			return r, fmt.Errorf("visa: %q: %v", s, err)
		}
		r.Board = board
		if len(pieces) < 2 {
			return r, fmt.Errorf("visa: resource string %q has no primary address", s)
		}
		addr, err := strconv.Atoi(pieces[1])
		if err != nil {
			return r, fmt.Errorf("visa: %q: bad GPIB primary address %q", s, pieces[1])
		}
		if addr < 0 || addr > 30 {
			return r, fmt.Errorf("visa: %q: GPIB primary address %d out of range 0-30", s, addr)
		}
		r.PrimaryAddr = addr
	case strings.HasPrefix(head, "TCPIP"):
		r.Class = TCPIP
		board, err := boardIndex(head, "TCPIP")
		if err != nil {
			return r, fmt.Errorf("visa: %q: %v", s, err)
		}
		r.Board = board
		if len(pieces) < 2 || pieces[1] == "" {
			return r, fmt.Errorf("visa: %q: empty host", s)
		}
		r.Host = pieces[1]
		r.Port = 5025 // SCPI raw socket convention
		if len(pieces) > 2 {
			port, err := strconv.Atoi(pieces[2])
			if err != nil {
				return r, fmt.Errorf("visa: %q: bad port %q", s, pieces[2])
			}
			r.Port = port
		}
	case strings.HasPrefix(head, "ASRL"):
		r.Class = ASRL
		idx, err := boardIndex(head, "ASRL")
		if err != nil {
			return r, fmt.Errorf("visa: %q: %v", s, err)
		}
		r.Board = idx
		r.PrimaryAddr = idx
	default:
		return r, fmt.Errorf("visa: unsupported resource class in %q", s)
	}
	return r, nil
}

// Endpoint returns the dialable form of a TCPIP resource.
func (r Resource) Endpoint() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func boardIndex(head, prefix string) (int, error) {
	digits := head[len(prefix):]
	if digits == "" {
		return 0, nil
	}
	idx, err := strconv.Atoi(digits)
	if err != nil {
		return 0, fmt.Errorf("bad board index %q", digits)
	}
	return idx, nil
}
