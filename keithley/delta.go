package keithley

import (
	"fmt"

	"github.com/transport-lab/nanodaq/scpi"
)

// 6221 delta-mode documented limits
const (
	deltaCurrentMax = 0.105 // amps
	deltaDelayMin   = 1e-3  // seconds
	deltaDelayMax   = 9999.999
	deltaCountMax   = 65536
)

var deltaCommands = commandTable{
	scpi.IntentReset:       "*RST",
	scpi.IntentClearStatus: "*CLS",
	scpi.IntentIdentify:    "*IDN?",
	scpi.IntentRead:        "SENS:DATA:FRES?",
}

// DeltaBridge is the SCPI dialect of a Keithley 6221 current source driving
// a 2182A nanovoltmeter in delta mode.  The session talks only to the 6221;
// voltmeter setup rides over the RS-232 bridge between the two instruments,
// and readings are the polarity-compensated voltages the source computes
// from each reversal pair.
//
// A configured bridge is armed and sourcing: the sweep starts when the
// configuration sequence completes and ends on its own after DeltaCount
// pairs.  Reads past the end of the sweep time out softly.
type DeltaBridge struct{}

var _ scpi.Dialect = DeltaBridge{}

// Name implements scpi.Dialect.
func (DeltaBridge) Name() string { return "keithley-6221-delta" }

// Build implements scpi.Dialect.  Only the shared intents exist here; the
// delta source tree is emitted by ConfigSequence.
func (d DeltaBridge) Build(intent scpi.Intent, args ...interface{}) (string, error) {
	return buildFromTable(deltaCommands, intent, args...)
}

// ParseResponse implements scpi.Dialect.  With FORM:ELEM READ the 6221
// serves one bare float per fresh-reading query.
func (d DeltaBridge) ParseResponse(intent scpi.Intent, raw string) (float64, error) {
	v, err := scpi.ParseASCIIFloat(raw)
	if err != nil {
		return 0, &scpi.MalformedResponseError{Intent: intent, Raw: raw, Reason: err.Error()}
	}
	return v, nil
}

// relay wraps a command for the 6221's serial bridge to the 2182A.
func relay(cmd string) string {
	return fmt.Sprintf("SYST:COMM:SER:SEND \"%s\"", cmd)
}

// verifyLinkPresent checks the SOUR:DELT:NVPR? echo; the 6221 answers 1 only
// when it can see a 2182A on the serial link.
func verifyLinkPresent(resp string) error {
	v, err := scpi.ParseASCIIFloat(resp)
	if err != nil {
		return err
	}
	if v != 1 {
		return fmt.Errorf("2182A not detected on the serial link (NVPR=%G)", v)
	}
	return nil
}

// ConfigSequence implements scpi.Dialect.
func (d DeltaBridge) ConfigSequence(cfg scpi.MeasurementConfig) ([]scpi.ConfigStep, error) {
	if cfg.NPLC < nanovoltNPLCMin || cfg.NPLC > nanovoltNPLCMax {
		return nil, &scpi.InvalidParameterError{
			Field:  "nplc",
			Value:  cfg.NPLC,
			Reason: fmt.Sprintf("must be in [%G, %G]", float64(nanovoltNPLCMin), float64(nanovoltNPLCMax)),
		}
	}
	if cfg.DeltaCurrent <= 0 || cfg.DeltaCurrent > deltaCurrentMax {
		return nil, &scpi.InvalidParameterError{
			Field:  "deltaCurrent",
			Value:  cfg.DeltaCurrent,
			Reason: fmt.Sprintf("must be in (0, %G] amps", float64(deltaCurrentMax)),
		}
	}
	if cfg.DeltaDelay < deltaDelayMin || cfg.DeltaDelay > deltaDelayMax {
		return nil, &scpi.InvalidParameterError{
			Field:  "deltaDelay",
			Value:  cfg.DeltaDelay,
			Reason: fmt.Sprintf("must be in [%G, %G] seconds", float64(deltaDelayMin), float64(deltaDelayMax)),
		}
	}
	if cfg.DeltaCount < 1 || cfg.DeltaCount > deltaCountMax {
		return nil, &scpi.InvalidParameterError{
			Field:  "deltaCount",
			Value:  cfg.DeltaCount,
			Reason: fmt.Sprintf("must be in [1, %d] pairs", deltaCountMax),
		}
	}

	I := cfg.DeltaCurrent
	echo := func(field, set, query string, want float64) scpi.ConfigStep {
		return scpi.ConfigStep{
			Field:  field,
			Set:    set,
			Query:  query,
			Verify: scpi.VerifyFloatEcho(want, echoTolerance),
		}
	}
	steps := []scpi.ConfigStep{
		{Field: "reset", Set: "*RST"},
		{Field: "reset", Set: "*CLS"},
		{Field: "reset", Set: relay("*RST")},
		{Field: "link", Query: "SOUR:DELT:NVPR?", Verify: verifyLinkPresent},
		{Field: "function", Set: relay("SENS:FUNC 'VOLT'")},
		{Field: "nplc", Set: relay(fmt.Sprintf("SENS:VOLT:NPLC %G", cfg.NPLC))},
		{Field: "trigger", Set: relay("TRIG:SOUR EXT")},
		{Field: "trigger", Set: relay("TRIG:COUN INF")},
		echo("deltaCurrent", fmt.Sprintf("SOUR:DELT:HIGH %G", I), "SOUR:DELT:HIGH?", I),
		echo("deltaCurrent", fmt.Sprintf("SOUR:DELT:LOW %G", -I), "SOUR:DELT:LOW?", -I),
		echo("deltaDelay", fmt.Sprintf("SOUR:DELT:DEL %G", cfg.DeltaDelay), "SOUR:DELT:DEL?", cfg.DeltaDelay),
		echo("deltaCount", fmt.Sprintf("SOUR:DELT:COUN %d", cfg.DeltaCount), "SOUR:DELT:COUN?", float64(cfg.DeltaCount)),
		{Field: "deltaCount", Set: "SOUR:DELT:CAB ON"},
		echo("deltaCount", fmt.Sprintf("TRAC:POIN %d", cfg.DeltaCount), "TRAC:POIN?", float64(cfg.DeltaCount)),
		{Field: "reading", Set: "FORM:ELEM READ"},
		{Field: "arm", Set: "SOUR:DELT:ARM"},
		{Field: "arm", Set: "INIT:IMM"},
	}
	return steps, nil
}
