package scpi

import (
	"errors"
	"fmt"
)

// ErrUnsupportedIntent is returned by Dialect.Build when the dialect has no
// command mapping for the requested intent.
var ErrUnsupportedIntent = errors.New("scpi: dialect has no mapping for intent")

// InvalidParameterError indicates a configuration parameter outside the
// instrument's documented limits.  It is raised before any command is sent.
type InvalidParameterError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("scpi: invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// MalformedResponseError indicates instrument response bytes that do not
// match the expected grammar for an intent.
type MalformedResponseError struct {
	Intent Intent
	Raw    string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("scpi: malformed response to %s: %q: %s", e.Intent, e.Raw, e.Reason)
}
