/*Package keithley provides SCPI dialects for the Keithley bench instruments
used on the transport measurement setup: the 2182A nanovoltmeter and the
6485 picoammeter.

The two models share the generic SCPI skeleton but differ in their sense
trees, filter grammars, trigger source spellings, and reading formats; each
difference lives here so the session and acquisition layers stay
model-agnostic.
*/
package keithley

import (
	"fmt"

	"github.com/transport-lab/nanodaq/scpi"
)

type commandTable map[scpi.Intent]string

// buildFromTable renders an intent against a dialect's command table.
// Parameter bounds are checked by the caller before this runs.
func buildFromTable(t commandTable, intent scpi.Intent, args ...interface{}) (string, error) {
	format, ok := t[intent]
	if !ok {
		return "", fmt.Errorf("%w: %s", scpi.ErrUnsupportedIntent, intent)
	}
	if len(args) == 0 {
		return format, nil
	}
	return fmt.Sprintf(format, args...), nil
}

// echoTolerance is the relative mismatch allowed between a requested value
// and the instrument's echo of it; instruments round requested values to
// what their hardware supports.
const echoTolerance = 1e-6
