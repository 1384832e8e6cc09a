package session

import (
	"errors"
	"fmt"
)

// ErrInstrumentUnresponsive marks the hard failure mode: the link to the
// instrument is gone and the session has entered the Faulted state.  Only
// Close followed by a fresh Connect recovers.
var ErrInstrumentUnresponsive = errors.New("session: instrument unresponsive")

// ErrNotConfigured is returned by Acquire before a configuration has been
// applied.
var ErrNotConfigured = errors.New("session: not configured")

// ConnectionError reports a failure to establish or probe the instrument
// link.  The session remains Disconnected.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConfigurationRejectedError reports a configuration the instrument (or the
// dialect's bounds check) refused.  The session keeps its previous state and
// previously applied configuration.
type ConfigurationRejectedError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationRejectedError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("session: configuration rejected: %s", e.Reason)
	}
	return fmt.Sprintf("session: configuration rejected: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationRejectedError) Unwrap() error { return e.Err }
