package keithley

import (
	"fmt"
	"strings"

	"github.com/transport-lab/nanodaq/scpi"
)

// 6485 documented limits
const (
	picoNPLCMin   = 0.01
	picoNPLCMax   = 50
	picoFilterMin = 1
	picoFilterMax = 100
	picoRangeMax  = 0.021 // amps; 2nA through 20mA ranges
)

var picoCommands = commandTable{
	scpi.IntentReset:              "*RST",
	scpi.IntentClearStatus:        "*CLS",
	scpi.IntentIdentify:           "*IDN?",
	scpi.IntentSetFunction:        ":CONF:CURR",
	scpi.IntentSetRange:           ":SENS:CURR:RANG %G",
	scpi.IntentSetAutoRange:       ":SENS:CURR:RANG:AUTO ON",
	scpi.IntentQueryRange:         ":SENS:CURR:RANG?",
	scpi.IntentSetNPLC:            ":SENS:CURR:NPLC %G",
	scpi.IntentQueryNPLC:          ":SENS:CURR:NPLC?",
	scpi.IntentSetAverageCount:    ":SENS:AVER:COUN %d",
	scpi.IntentQueryAverageCount:  ":SENS:AVER:COUN?",
	scpi.IntentEnableAveraging:    ":SENS:AVER:STAT ON",
	scpi.IntentSetTriggerSource:   ":TRIG:SOUR %s",
	scpi.IntentQueryTriggerSource: ":TRIG:SOUR?",
	scpi.IntentRead:               ":READ?",
}

// Picoammeter is the SCPI dialect of the Keithley 6485 picoammeter.
// Readings come back as a comma-separated element list whose first element
// carries a unit suffix: "-1.234567E-03A,+8.23E+03,+0.000E+00".  Averaging
// uses the generic AVERage filter tree with a repeating filter.
type Picoammeter struct{}

var _ scpi.Dialect = Picoammeter{}

// Name implements scpi.Dialect.
func (Picoammeter) Name() string { return "keithley-6485" }

// Build implements scpi.Dialect.
func (p Picoammeter) Build(intent scpi.Intent, args ...interface{}) (string, error) {
	switch intent {
	case scpi.IntentSetRange:
		if err := requireFloatArg(intent, args); err != nil {
			return "", err
		}
		v := args[0].(float64)
		if v <= 0 || v > picoRangeMax {
			return "", &scpi.InvalidParameterError{
				Field:  "range",
				Value:  v,
				Reason: fmt.Sprintf("must be in (0, %G] amps", float64(picoRangeMax)),
			}
		}
	case scpi.IntentSetNPLC:
		if err := requireFloatArg(intent, args); err != nil {
			return "", err
		}
		v := args[0].(float64)
		if v < picoNPLCMin || v > picoNPLCMax {
			return "", &scpi.InvalidParameterError{
				Field:  "nplc",
				Value:  v,
				Reason: fmt.Sprintf("must be in [%G, %G]", float64(picoNPLCMin), float64(picoNPLCMax)),
			}
		}
	case scpi.IntentSetAverageCount:
		if err := requireIntArg(intent, args); err != nil {
			return "", err
		}
		v := args[0].(int)
		if v < picoFilterMin || v > picoFilterMax {
			return "", &scpi.InvalidParameterError{
				Field:  "averageCount",
				Value:  v,
				Reason: fmt.Sprintf("must be in [%d, %d]", picoFilterMin, picoFilterMax),
			}
		}
	case scpi.IntentSetTriggerSource:
		if len(args) != 1 {
			return "", &scpi.InvalidParameterError{Field: "trigger", Value: args, Reason: "expected one trigger source"}
		}
	}
	return buildFromTable(picoCommands, intent, args...)
}

// ParseResponse implements scpi.Dialect.  Read responses are element lists;
// query echoes are bare floats.
func (p Picoammeter) ParseResponse(intent scpi.Intent, raw string) (float64, error) {
	if intent == scpi.IntentRead {
		return p.parseReading(raw)
	}
	v, err := scpi.ParseASCIIFloat(raw)
	if err != nil {
		return 0, &scpi.MalformedResponseError{Intent: intent, Raw: raw, Reason: err.Error()}
	}
	return v, nil
}

func (p Picoammeter) parseReading(raw string) (float64, error) {
	fields := strings.Split(strings.TrimSpace(raw), ",")
	first := trimUnitSuffix(fields[0])
	if first == "" {
		return 0, &scpi.MalformedResponseError{Intent: scpi.IntentRead, Raw: raw, Reason: "empty reading element"}
	}
	v, err := scpi.ParseASCIIFloat(first)
	if err != nil {
		return 0, &scpi.MalformedResponseError{Intent: scpi.IntentRead, Raw: raw, Reason: err.Error()}
	}
	return v, nil
}

// TriggerSourceMnemonic spells a TriggerMode the way the 6485 wants it; its
// external trigger input is the trigger link, not an EXT BNC.
func (p Picoammeter) TriggerSourceMnemonic(t scpi.TriggerMode) string {
	if t == scpi.TriggerExternal {
		return "TLIN"
	}
	return "IMM"
}

// ConfigSequence implements scpi.Dialect.
func (p Picoammeter) ConfigSequence(cfg scpi.MeasurementConfig) ([]scpi.ConfigStep, error) {
	var steps []scpi.ConfigStep
	appendCmd := func(field string, intent scpi.Intent, args ...interface{}) error {
		cmd, err := p.Build(intent, args...)
		if err != nil {
			return err
		}
		steps = append(steps, scpi.ConfigStep{Field: field, Set: cmd})
		return nil
	}
	appendEcho := func(field string, setIntent, queryIntent scpi.Intent, verify func(string) error, args ...interface{}) error {
		set, err := p.Build(setIntent, args...)
		if err != nil {
			return err
		}
		query, err := p.Build(queryIntent)
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
		// repeating filter: refill the window for every reading so
		// averaged samples are independent
		steps = append(steps, scpi.ConfigStep{Field: "averageCount", Set: ":SENS:AVER:TCON REP"})
	}
	mn := p.TriggerSourceMnemonic(cfg.Trigger)
	accepted := []string{mn}
	if cfg.Trigger == scpi.TriggerExternal {
		accepted = append(accepted, "TLINK")
	}
	if err := appendEcho("trigger", scpi.IntentSetTriggerSource, scpi.IntentQueryTriggerSource,
		scpi.VerifyStringEcho(accepted...), mn); err != nil {
		return nil, err
	}
	return steps, nil
}
