// Package scpi provides primitives for working with devices that have SCPI
// interfaces: a pooled communication helper, and the dialect abstraction
// which maps semantic measurement intents onto one instrument model's
// command grammar.
package scpi

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/transport-lab/nanodaq/comm"
)

const respBufSize = 1500

// SCPI is a type for encapsulating SCPI communication over a connection pool.
// It is used for ad-hoc conversations (identity probes, error-queue drains)
// where no session owns the instrument; the session layer drives a dedicated
// comm.Transport instead.
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message to ensure the device
	// accepted the input.
	Handshaking bool
}

// Write sends a command to the device.  If s.Handshaking is true, it also
// requests an error response and checks that it is OK.  It is assumed this
// is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	conn, err := s.Pool.Get()
	if err != nil {
		return err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap = comm.NewTimeout(wrap, comm.DefaultTimeout)
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return err
	}
	if s.Handshaking {
		buf := make([]byte, respBufSize)
		n, err := wrap.Read(buf)
		if err != nil {
			return err
		}
		resp := string(buf[:n])
		if len(resp) < 2 || resp[0:2] != "+0" {
			return fmt.Errorf("scpi: device rejected command: %s", resp)
		}
	}
	return nil
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism.
func (s *SCPI) WriteRead(cmds ...string) (string, error) {
	var resp string
	conn, err := s.Pool.Get()
	if err != nil {
		return resp, err
	}
	defer func() { s.Pool.ReturnWithError(conn, err) }()
	var wrap io.ReadWriter
	wrap = comm.NewTerminator(conn, '\n', '\n')
	wrap = comm.NewTimeout(wrap, comm.DefaultTimeout)
	if s.Handshaking {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	str := strings.Join(cmds, " ")
	_, err = io.WriteString(wrap, str)
	if err != nil {
		return resp, err
	}
	buf := make([]byte, respBufSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return resp, err
	}
	resp = string(buf[:n])
	if s.Handshaking {
		pieces := strings.Split(resp, ";")
		errS := pieces[len(pieces)-1]
		if len(errS) < 2 || errS[:2] != "+0" {
			return resp, fmt.Errorf("scpi: device reported error: %s", errS)
		}
		return strings.Join(pieces[:len(pieces)-1], ""), nil
	}
	return resp, err
}

// ReadString sends a command to the device, then reads the response and
// returns it as a decoded ASCII or UTF-8 string.
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(resp, "\r\n"), nil
}

// ReadFloat sends a command to the device, then reads the response and
// parses it as a floating point value.
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(resp), 64)
}

// ReadBool sends a command to the device, then reads the response and parses
// it as a boolean.
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(strings.TrimSpace(resp))
}

// ReadInt sends a command to the device, then reads the response and parses
// it as an integer.
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Raw sends a command to the device and returns a response if it was a
// query, else a blank string.
func (s *SCPI) Raw(str string) (string, error) {
	prev := s.Handshaking
	s.Handshaking = false
	defer func() { s.Handshaking = prev }()
	if strings.Contains(str, "?") {
		return s.ReadString(str)
	}
	return "", s.Write(str)
}

// PopError gets a single error from the queue on the device.
func (s *SCPI) PopError() error {
	str, err := s.ReadString("SYSTem:ERRor?")
	if err != nil {
		return err
	}
	if len(str) >= 2 && str[0:2] == "+0" {
		return nil
	}
	return errors.New(str)
}

// AllErrors returns all errors from the device as a list.  A dead link stops
// the drain rather than spinning on it.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if comm.IsTimeout(err) || comm.IsDisconnect(err) {
			break
		}
	}
	return errs
}
