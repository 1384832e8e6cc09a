package keithley

import (
	"fmt"
	"strings"

	"github.com/transport-lab/nanodaq/scpi"
)

// 2182A documented limits
const (
	nanovoltNPLCMin   = 0.01
	nanovoltNPLCMax   = 60
	nanovoltFilterMin = 1
	nanovoltFilterMax = 100
	nanovoltRangeMax  = 120 // volts; the instrument selects the next range up
)

var nanovoltCommands = commandTable{
	scpi.IntentReset:              "*RST",
	scpi.IntentClearStatus:        "*CLS",
	scpi.IntentIdentify:           "*IDN?",
	scpi.IntentSetFunction:        ":SENS:FUNC 'VOLT'",
	scpi.IntentSetRange:           ":SENS:VOLT:RANG %G",
	scpi.IntentSetAutoRange:       ":SENS:VOLT:RANG:AUTO ON",
	scpi.IntentQueryRange:         ":SENS:VOLT:RANG?",
	scpi.IntentSetNPLC:            ":SENS:VOLT:NPLC %G",
	scpi.IntentQueryNPLC:          ":SENS:VOLT:NPLC?",
	scpi.IntentSetAverageCount:    ":SENS:VOLT:DFIL:COUN %d",
	scpi.IntentQueryAverageCount:  ":SENS:VOLT:DFIL:COUN?",
	scpi.IntentEnableAveraging:    ":SENS:VOLT:DFIL:STAT ON",
	scpi.IntentSetTriggerSource:   ":TRIG:SOUR %s",
	scpi.IntentQueryTriggerSource: ":TRIG:SOUR?",
	scpi.IntentRead:               ":READ?",
}

// Nanovoltmeter is the SCPI dialect of the Keithley 2182A nanovoltmeter.
// Readings are plain signed floats in volts.  Averaging uses the digital
// filter (DFILter) tree rather than the generic AVERage tree.
type Nanovoltmeter struct{}

var _ scpi.Dialect = Nanovoltmeter{}

// Name implements scpi.Dialect.
func (Nanovoltmeter) Name() string { return "keithley-2182a" }

// Build implements scpi.Dialect.
func (n Nanovoltmeter) Build(intent scpi.Intent, args ...interface{}) (string, error) {
	switch intent {
	case scpi.IntentSetRange:
		if err := requireFloatArg(intent, args); err != nil {
			return "", err
		}
		v := args[0].(float64)
		if v <= 0 || v > nanovoltRangeMax {
			return "", &scpi.InvalidParameterError{
				Field:  "range",
				Value:  v,
				Reason: fmt.Sprintf("must be in (0, %d] volts", nanovoltRangeMax),
			}
		}
	case scpi.IntentSetNPLC:
		if err := requireFloatArg(intent, args); err != nil {
			return "", err
		}
		v := args[0].(float64)
		if v < nanovoltNPLCMin || v > nanovoltNPLCMax {
			return "", &scpi.InvalidParameterError{
				Field:  "nplc",
				Value:  v,
				Reason: fmt.Sprintf("must be in [%G, %G]", float64(nanovoltNPLCMin), float64(nanovoltNPLCMax)),
			}
		}
	case scpi.IntentSetAverageCount:
		if err := requireIntArg(intent, args); err != nil {
			return "", err
		}
		v := args[0].(int)
		if v < nanovoltFilterMin || v > nanovoltFilterMax {
			return "", &scpi.InvalidParameterError{
				Field:  "averageCount",
				Value:  v,
				Reason: fmt.Sprintf("must be in [%d, %d]", nanovoltFilterMin, nanovoltFilterMax),
			}
		}
	case scpi.IntentSetTriggerSource:
		if len(args) != 1 {
			return "", &scpi.InvalidParameterError{Field: "trigger", Value: args, Reason: "expected one trigger source"}
		}
	}
	return buildFromTable(nanovoltCommands, intent, args...)
}

// ParseResponse implements scpi.Dialect.  All 2182A numeric responses,
// including readings, are bare ASCII floats.
func (n Nanovoltmeter) ParseResponse(intent scpi.Intent, raw string) (float64, error) {
	v, err := scpi.ParseASCIIFloat(raw)
	if err != nil {
		return 0, &scpi.MalformedResponseError{Intent: intent, Raw: raw, Reason: err.Error()}
	}
	return v, nil
}

// TriggerSourceMnemonic spells a TriggerMode the way the 2182A wants it.
func (n Nanovoltmeter) TriggerSourceMnemonic(t scpi.TriggerMode) string {
	if t == scpi.TriggerExternal {
		return "EXT"
	}
	return "IMM"
}

// ConfigSequence implements scpi.Dialect.
func (n Nanovoltmeter) ConfigSequence(cfg scpi.MeasurementConfig) ([]scpi.ConfigStep, error) {
	var steps []scpi.ConfigStep
	appendCmd := func(field string, intent scpi.Intent, args ...interface{}) error {
		cmd, err := n.Build(intent, args...)
		if err != nil {
			return err
		}
		steps = append(steps, scpi.ConfigStep{Field: field, Set: cmd})
		return nil
	}
	appendEcho := func(field string, setIntent, queryIntent scpi.Intent, verify func(string) error, args ...interface{}) error {
		set, err := n.Build(setIntent, args...)
		if err != nil {
			return err
		}
		query, err := n.Build(queryIntent)
		if err != nil {
			return err
		}
		steps = append(steps, scpi.ConfigStep{Field: field, Set: set, Query: query, Verify: verify})
		return nil
	}

	if cfg.NPLC <= 0 {
		return nil, &scpi.InvalidParameterError{Field: "nplc", Value: cfg.NPLC, Reason: "must be positive"}
	}
	if cfg.AverageCount < 1 {
		return nil, &scpi.InvalidParameterError{Field: "averageCount", Value: cfg.AverageCount, Reason: "must be >= 1"}
	}

	if err := appendCmd("reset", scpi.IntentReset); err != nil {
		return nil, err
	}
	if err := appendCmd("reset", scpi.IntentClearStatus); err != nil {
		return nil, err
	}
	if err := appendCmd("function", scpi.IntentSetFunction); err != nil {
		return nil, err
	}
	if cfg.AutoRange {
		if err := appendCmd("range", scpi.IntentSetAutoRange); err != nil {
			return nil, err
		}
	} else {
		if err := appendEcho("range", scpi.IntentSetRange, scpi.IntentQueryRange,
			rangeAtLeast(cfg.Range), cfg.Range); err != nil {
			return nil, err
		}
	}
	if err := appendEcho("nplc", scpi.IntentSetNPLC, scpi.IntentQueryNPLC,
		scpi.VerifyFloatEcho(cfg.NPLC, echoTolerance), cfg.NPLC); err != nil {
		return nil, err
	}
	if err := appendEcho("averageCount", scpi.IntentSetAverageCount, scpi.IntentQueryAverageCount,
		scpi.VerifyFloatEcho(float64(cfg.AverageCount), echoTolerance), cfg.AverageCount); err != nil {
		return nil, err
	}
	if cfg.AverageCount > 1 {
		if err := appendCmd("averageCount", scpi.IntentEnableAveraging); err != nil {
			return nil, err
		}
	}
	mn := n.TriggerSourceMnemonic(cfg.Trigger)
	if err := appendEcho("trigger", scpi.IntentSetTriggerSource, scpi.IntentQueryTriggerSource,
		scpi.VerifyStringEcho(mn, cfg.Trigger.String()), mn); err != nil {
		return nil, err
	}
	return steps, nil
}

// rangeAtLeast accepts a range echo that is >= the requested value; the
// instrument snaps a requested range up to the next one it has.
func rangeAtLeast(want float64) func(string) error {
	return func(resp string) error {
		got, err := scpi.ParseASCIIFloat(resp)
		if err != nil {
			return err
		}
		if got < want*(1-echoTolerance) {
			return fmt.Errorf("instrument selected range %G below requested %G", got, want)
		}
		return nil
	}
}

func requireFloatArg(intent scpi.Intent, args []interface{}) error {
	if len(args) != 1 {
		return &scpi.InvalidParameterError{Field: intent.String(), Value: args, Reason: "expected one numeric parameter"}
	}
	if _, ok := args[0].(float64); !ok {
		return &scpi.InvalidParameterError{Field: intent.String(), Value: args[0], Reason: "expected float64"}
	}
	return nil
}

func requireIntArg(intent scpi.Intent, args []interface{}) error {
	if len(args) != 1 {
		return &scpi.InvalidParameterError{Field: intent.String(), Value: args, Reason: "expected one integer parameter"}
	}
	if _, ok := args[0].(int); !ok {
		return &scpi.InvalidParameterError{Field: intent.String(), Value: args[0], Reason: "expected int"}
	}
	return nil
}

// trimUnitSuffix strips trailing unit letters from a reading field, e.g.
// "-1.234E-03A" -> "-1.234E-03".  Shared with the picoammeter dialect.
func trimUnitSuffix(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "AVADCOHMS")
}
