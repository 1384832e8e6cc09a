/*Package sim provides a simulated SCPI instrument for offline development
and deterministic tests.

The simulator implements comm.Transport and behaves like a well-mannered
Keithley: set commands are remembered and echoed back by the matching query,
so closed-loop configuration passes against it, and read queries serve
canned readings from a script.  Timeouts, garbage responses, and link loss
are injectable per reading.
*/
package sim

import (
	"fmt"
	"strings"
	"sync"

	"github.com/transport-lab/nanodaq/comm"
)

// ReadResult is one scripted answer to :READ?.
type ReadResult struct {
	Raw string
	Err error
}

// Instrument is a scripted SCPI instrument.  It is concurrent safe so a
// status probe may race the acquisition loop, as happens in the service.
type Instrument struct {
	// Model is the *IDN? response.
	Model string

	mu       sync.Mutex
	settings map[string]string
	fixed    map[string]string
	script   []ReadResult
	readFn   func(n int) string
	pending  *ReadResult
	reads    int
	closed   bool
	dead     bool
}

// New creates a simulated instrument with the given identity.  With no
// script and no generator, :READ? yields a slow deterministic ramp.
func New(model string) *Instrument {
	return &Instrument{
		Model:    model,
		settings: map[string]string{},
		readFn: func(n int) string {
			return fmt.Sprintf("%+.6E", 1.0e-3+float64(n%7)*1e-6)
		},
	}
}

// NewNanovoltmeter simulates a 2182A.
func NewNanovoltmeter() *Instrument {
	return New("KEITHLEY INSTRUMENTS INC.,MODEL 2182A,0123456,C02 /A02")
}

// NewPicoammeter simulates a 6485.
func NewPicoammeter() *Instrument {
	i := New("KEITHLEY INSTRUMENTS INC.,MODEL 6485,4301987,B04")
	i.readFn = func(n int) string {
		// 6485 element list: reading with unit, timestamp, status
		return fmt.Sprintf("%+.6EA,+0.000000E+00,+0.000000E+00", 2.5e-9+float64(n%5)*1e-12)
	}
	return i
}

// NewDeltaBridge simulates a 6221 current source with a 2182A on its serial
// link: the link-presence query answers 1 even after *RST, and fresh
// readings are microvolt-scale.
func NewDeltaBridge() *Instrument {
	i := New("KEITHLEY INSTRUMENTS INC.,MODEL 6221,1352429,D03")
	i.fixed = map[string]string{"SOUR:DELT:NVPR": "1"}
	i.readFn = func(n int) string {
		return fmt.Sprintf("%+.6E", 1.0e-6+float64(n%9)*1e-9)
	}
	return i
}

// Enqueue appends scripted readings consumed by :READ? before the generator
// takes over again.
func (i *Instrument) Enqueue(results ...ReadResult) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.script = append(i.script, results...)
}

// EnqueueReadings is Enqueue for plain successful raw responses.
func (i *Instrument) EnqueueReadings(raws ...string) {
	for _, r := range raws {
		i.Enqueue(ReadResult{Raw: r})
	}
}

// EnqueueTimeouts schedules n read timeouts.
func (i *Instrument) EnqueueTimeouts(n int) {
	for k := 0; k < n; k++ {
		i.Enqueue(ReadResult{Err: comm.ErrTimeout})
	}
}

// Disconnect simulates the link dropping; every subsequent operation fails
// with comm.ErrDisconnected until the instrument is replaced.
func (i *Instrument) Disconnect() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dead = true
}

// ReadAttempts reports how many :READ? attempts the instrument has served,
// including ones that timed out.
func (i *Instrument) ReadAttempts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reads
}

// Setting returns the remembered value for a set-command stem, e.g.
// ":SENS:VOLT:NPLC".
func (i *Instrument) Setting(stem string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.settings[strings.ToUpper(stem)]
	return v, ok
}

// Write implements comm.Transport.
func (i *Instrument) Write(cmd string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return comm.ErrNotConnected
	}
	if i.dead {
		return comm.ErrDisconnected
	}
	cmd = strings.TrimSpace(cmd)
	if strings.HasSuffix(cmd, "?") {
		res := i.answer(cmd)
		i.pending = &res
		return nil
	}
	switch cmd {
	case "*RST":
		i.settings = map[string]string{}
	case "*CLS":
		// status model not simulated
	default:
		if idx := strings.LastIndex(cmd, " "); idx > 0 {
			i.settings[strings.ToUpper(cmd[:idx])] = cmd[idx+1:]
		}
	}
	return nil
}

// ReadLine implements comm.Transport.
func (i *Instrument) ReadLine() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return "", comm.ErrNotConnected
	}
	if i.dead {
		return "", comm.ErrDisconnected
	}
	if i.pending == nil {
		return "", comm.ErrTimeout // nothing was asked; a real bus just hangs
	}
	res := *i.pending
	i.pending = nil
	return res.Raw, res.Err
}

// Query implements comm.Transport.
func (i *Instrument) Query(cmd string) (string, error) {
	if err := i.Write(cmd); err != nil {
		return "", err
	}
	return i.ReadLine()
}

// Close implements comm.Transport.  Idempotent.
func (i *Instrument) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// answer resolves a query against the identity, the read script, or the
// remembered settings.  Caller holds the lock.
func (i *Instrument) answer(cmd string) ReadResult {
	upper := strings.ToUpper(cmd)
	switch {
	case upper == "*IDN?":
		return ReadResult{Raw: i.Model}
	case strings.HasSuffix(upper, "READ?"), strings.HasSuffix(upper, "FRES?"):
		i.reads++
		if len(i.script) > 0 {
			res := i.script[0]
			i.script = i.script[1:]
			if comm.IsDisconnect(res.Err) {
				i.dead = true
			}
			return res
		}
		return ReadResult{Raw: i.readFn(i.reads)}
	default:
		stem := strings.TrimSuffix(upper, "?")
		if v, ok := i.settings[stem]; ok {
			return ReadResult{Raw: v}
		}
		if v, ok := i.fixed[stem]; ok {
			return ReadResult{Raw: v}
		}
		return ReadResult{Raw: "0"}
	}
}
