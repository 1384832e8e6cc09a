package scpi

import (
	"fmt"
	"strconv"
	"strings"
)

// Intent is a semantic instrument operation, independent of any one model's
// command grammar.
type Intent int

const (
	// IntentReset returns the instrument to its power-on defaults.
	IntentReset Intent = iota

	// IntentClearStatus clears the status and error queues.
	IntentClearStatus

	// IntentIdentify requests the *IDN? identification string.
	IntentIdentify

	// IntentSetFunction selects the measurement function (volts, amps).
	IntentSetFunction

	// IntentSetRange sets a fixed measurement range.
	IntentSetRange

	// IntentSetAutoRange enables autoranging.
	IntentSetAutoRange

	// IntentQueryRange reads back the configured range.
	IntentQueryRange

	// IntentSetNPLC sets the integration time in power line cycles.
	IntentSetNPLC

	// IntentQueryNPLC reads back the integration time.
	IntentQueryNPLC

	// IntentSetAverageCount sets the averaging filter depth.
	IntentSetAverageCount

	// IntentQueryAverageCount reads back the averaging filter depth.
	IntentQueryAverageCount

	// IntentEnableAveraging turns the averaging filter on.
	IntentEnableAveraging

	// IntentSetTriggerSource selects the trigger source.
	IntentSetTriggerSource

	// IntentQueryTriggerSource reads back the trigger source.
	IntentQueryTriggerSource

	// IntentRead triggers and fetches one reading.
	IntentRead
)

var intentNames = map[Intent]string{
	IntentReset:              "reset",
	IntentClearStatus:        "clear-status",
	IntentIdentify:           "identify",
	IntentSetFunction:        "set-function",
	IntentSetRange:           "set-range",
	IntentSetAutoRange:       "set-auto-range",
	IntentQueryRange:         "query-range",
	IntentSetNPLC:            "set-nplc",
	IntentQueryNPLC:          "query-nplc",
	IntentSetAverageCount:    "set-average-count",
	IntentQueryAverageCount:  "query-average-count",
	IntentEnableAveraging:    "enable-averaging",
	IntentSetTriggerSource:   "set-trigger-source",
	IntentQueryTriggerSource: "query-trigger-source",
	IntentRead:               "read",
}

func (i Intent) String() string {
	if s, ok := intentNames[i]; ok {
		return s
	}
	return fmt.Sprintf("intent(%d)", int(i))
}

// TriggerMode selects how a reading is initiated.
type TriggerMode int

const (
	// TriggerImmediate triggers internally as soon as a reading is
	// requested.
	TriggerImmediate TriggerMode = iota

	// TriggerExternal waits for the rear-panel trigger link.
	TriggerExternal
)

func (t TriggerMode) String() string {
	switch t {
	case TriggerImmediate:
		return "immediate"
	case TriggerExternal:
		return "external"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// MeasurementConfig is the full measurement setup applied to an instrument
// before acquisition.  All fields are validated against the target dialect's
// documented bounds before any command is sent; partial configuration is
// never applied.
type MeasurementConfig struct {
	// Range is the fixed measurement range in instrument-native units.
	// Ignored when AutoRange is true.
	Range float64 `yaml:"range" koanf:"range"`

	// AutoRange lets the instrument pick its own range.
	AutoRange bool `yaml:"autoRange" koanf:"autoRange"`

	// NPLC is the integration time in power line cycles.
	NPLC float64 `yaml:"nplc" koanf:"nplc"`

	// AverageCount is the depth of the averaging filter, >= 1.
	AverageCount int `yaml:"averageCount" koanf:"averageCount"`

	// Trigger selects immediate or external triggering.
	Trigger TriggerMode `yaml:"-" koanf:"-"`

	// TriggerSource is the config-facing spelling of Trigger.
	TriggerSource string `yaml:"trigger" koanf:"trigger"`

	// DeltaCurrent is the source amplitude in amps for delta-mode dialects;
	// the source alternates between +DeltaCurrent and -DeltaCurrent.
	// Ignored by plain measurement dialects.
	DeltaCurrent float64 `yaml:"deltaCurrent" koanf:"deltaCurrent"`

	// DeltaDelay is the settling time in seconds between a source reversal
	// and the reading taken after it.
	DeltaDelay float64 `yaml:"deltaDelay" koanf:"deltaDelay"`

	// DeltaCount is how many reading pairs a delta sweep takes before the
	// source stops on its own.
	DeltaCount int `yaml:"deltaCount" koanf:"deltaCount"`
}

// Normalize reconciles the yaml-facing TriggerSource spelling with the
// Trigger enum and applies defaults for zero fields.  It is called once when
// config is loaded, before the dialect validates bounds.
func (c *MeasurementConfig) Normalize() error {
	switch strings.ToLower(strings.TrimSpace(c.TriggerSource)) {
	case "", "imm", "immediate":
		c.Trigger = TriggerImmediate
	case "ext", "external":
		c.Trigger = TriggerExternal
	default:
		return &InvalidParameterError{
			Field:  "trigger",
			Value:  c.TriggerSource,
			Reason: "must be immediate or external",
		}
	}
	return nil
}

// ConfigStep is one closed-loop configuration exchange: write Set, then read
// back with Query and check the echo with Verify.  A write is never assumed
// to have succeeded.
type ConfigStep struct {
	// Field names the MeasurementConfig field this step applies, for error
	// reporting.
	Field string

	// Set is the command that applies the value.  Empty means the step only
	// checks the instrument's answer to Query (e.g. a link presence probe).
	Set string

	// Query is the echo query confirming acceptance.  Empty means the step
	// has no read-back (e.g. filter enable on instruments that NAK it).
	Query string

	// Verify checks the echo response.  Nil accepts any response.
	Verify func(resp string) error
}

// Dialect maps semantic intents onto one instrument model's SCPI grammar.
// Implementations are pure and deterministic; they perform no I/O and are
// safe for concurrent use.
type Dialect interface {
	// Name identifies the instrument model, e.g. "keithley-2182a".
	Name() string

	// Build renders the command string for an intent.  It fails with
	// ErrUnsupportedIntent if the dialect has no mapping, and with
	// InvalidParameterError if a parameter is outside the instrument's
	// documented limits.
	Build(intent Intent, args ...interface{}) (string, error)

	// ParseResponse interprets the raw response to a query intent as a
	// numeric value.  It fails with MalformedResponseError if the bytes do
	// not match the expected grammar.
	ParseResponse(intent Intent, raw string) (float64, error)

	// ConfigSequence expands a MeasurementConfig into the ordered list of
	// closed-loop steps which apply it.  Validation errors surface here,
	// before any I/O happens.
	ConfigSequence(cfg MeasurementConfig) ([]ConfigStep, error)
}

// ParseASCIIFloat parses a bare SCPI numeric response ("+1.234567E-03").
// It enforces the grammar strictly; garbage, empty responses, and trailing
// junk all error rather than producing a number.
func ParseASCIIFloat(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty response")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric payload %q", raw)
	}
	return v, nil
}

// VerifyFloatEcho returns a ConfigStep verifier which parses the echo as a
// float and requires it to match want within a relative tolerance.
// Instruments echo values in their own formatting (e.g. "1.000000E+00" for
// NPLC 1), so exact string comparison is useless.
func VerifyFloatEcho(want, relTol float64) func(string) error {
	return func(resp string) error {
		got, err := ParseASCIIFloat(resp)
		if err != nil {
			return err
		}
		diff := got - want
		if diff < 0 {
			diff = -diff
		}
		lim := relTol * want
		if lim < 0 {
			lim = -lim
		}
		if lim == 0 {
			lim = relTol
		}
		if diff > lim {
			return fmt.Errorf("echo %v does not match requested %v", got, want)
		}
		return nil
	}
}

// VerifyStringEcho returns a verifier requiring the echo to equal one of the
// accepted spellings, case-insensitively.
func VerifyStringEcho(accept ...string) func(string) error {
	return func(resp string) error {
		got := strings.TrimSpace(resp)
		for _, a := range accept {
			if strings.EqualFold(got, a) {
				return nil
			}
		}
		return fmt.Errorf("echo %q not among accepted %v", got, accept)
	}
}
