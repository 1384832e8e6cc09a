/*Package session owns the lifetime of one instrument connection: the VISA
resource, the transport underneath it, the applied measurement configuration,
and the state machine that gates which operations are legal when.

The state graph is strict:

	Disconnected --Connect--> Connected --Configure--> Configured
	Configured <--> Acquiring      (Acquire starts it, EndAcquisition ends it)
	any I/O state --link lost--> Faulted
	any state --Close--> Disconnected

Faulted is terminal until the operator closes and reconnects; a session never
quietly resurrects a dead bus.
*/
package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transport-lab/nanodaq/comm"
	"github.com/transport-lab/nanodaq/logging"
	"github.com/transport-lab/nanodaq/scpi"
	"github.com/transport-lab/nanodaq/visa"
	"go.uber.org/multierr"
)

// State is the session lifecycle state.
type State int32

const (
	// Disconnected means no transport is open.
	Disconnected State = iota

	// Connected means the transport is open and the instrument answered
	// *IDN?, but no measurement configuration has been applied.
	Connected

	// Configured means a measurement configuration was applied and verified.
	Configured

	// Acquiring means an acquisition run is in progress.
	Acquiring

	// Faulted means the instrument stopped responding; the session refuses
	// further I/O until closed and reconnected.
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	case Configured:
		return "Configured"
	case Acquiring:
		return "Acquiring"
	case Faulted:
		return "Faulted"
	}
	return "Unknown"
}

// Sample is one acquisition result.  Valid is false when the read failed
// softly after retries; Value is meaningless then.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Valid bool      `json:"valid"`
}

// DefaultReadRetries is how many times Acquire attempts a reading before
// declaring the sample invalid.
const DefaultReadRetries = 3

// Session is an instrument session.  All methods are safe for concurrent
// use; I/O-bearing operations serialize on an internal lock while State and
// the other accessors never block behind in-flight I/O.
type Session struct {
	mu      sync.Mutex
	state   atomic.Int32
	addr    string
	dialect scpi.Dialect
	tr      comm.Transport
	cfg     *scpi.MeasurementConfig
	idn     string

	timeout     time.Duration
	retries     int
	open        OpenFunc
	onSoftError func(error)
	log         logging.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout sets the per-operation I/O timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) { s.timeout = d }
}

// WithReadRetries sets how many attempts Acquire makes per sample.
func WithReadRetries(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithLogger plugs in a logger; the default discards.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithOpener replaces how the VISA resource is turned into a transport.
func WithOpener(fn OpenFunc) Option {
	return func(s *Session) { s.open = fn }
}

// WithTransport injects an already-open transport, bypassing resource
// opening entirely.  Used with simulated instruments.
func WithTransport(tr comm.Transport) Option {
	return func(s *Session) {
		s.open = func(visa.Resource, time.Duration) (comm.Transport, error) {
			return tr, nil
		}
	}
}

// WithSoftErrorHandler registers a callback invoked whenever a sample is
// declared invalid after retries.  The callback runs on the acquiring
// goroutine; keep it short.
func WithSoftErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onSoftError = fn }
}

// New creates a session for the instrument at a VISA resource address,
// speaking the given dialect.  No I/O happens until Connect.
func New(addr string, dialect scpi.Dialect, opts ...Option) *Session {
	s := &Session{
		addr:    addr,
		dialect: dialect,
		timeout: comm.DefaultTimeout,
		retries: DefaultReadRetries,
		open:    Open,
		log:     logging.Null{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State reports the current lifecycle state without blocking behind I/O.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Address returns the VISA resource address the session was created with.
func (s *Session) Address() string { return s.addr }

// Identity returns the instrument's *IDN? response, empty until connected.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idn
}

// Config returns a copy of the applied measurement configuration and whether
// one exists.
func (s *Session) Config() (scpi.MeasurementConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return scpi.MeasurementConfig{}, false
	}
	return *s.cfg, true
}

// Dialect returns the dialect the session speaks.
func (s *Session) Dialect() scpi.Dialect { return s.dialect }

// Connect parses the resource address, opens the transport, and probes the
// instrument with an identification query.  Any failure leaves the session
// Disconnected with nothing half-open.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.State(); st != Disconnected {
		return &ConnectionError{Addr: s.addr, Err: errSessionState("connect", st)}
	}
	res, err := visa.Parse(s.addr)
	if err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	tr, err := s.open(res, s.timeout)
	if err != nil {
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	probe, err := s.dialect.Build(scpi.IntentIdentify)
	if err != nil {
		tr.Close()
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	idn, err := tr.Query(probe)
	if err != nil {
		tr.Close()
		return &ConnectionError{Addr: s.addr, Err: err}
	}
	s.tr = tr
	s.idn = idn
	s.state.Store(int32(Connected))
	s.log.Infof("connected %s: %s", s.addr, idn)
	return nil
}

// Configure applies a measurement configuration closed-loop: every
// value-carrying command is read back and the echo verified before the next
// one is sent.  On rejection the previously applied configuration, if any,
// is restored and the session keeps its prior state.  A configuration can
// not be changed while an acquisition run is active.
func (s *Session) Configure(cfg scpi.MeasurementConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st := s.State(); st {
	case Connected, Configured:
	default:
		return &ConfigurationRejectedError{Reason: errSessionState("configure", st).Error()}
	}
	steps, err := s.dialect.ConfigSequence(cfg)
	if err != nil {
		return rejectFrom(err)
	}
	if err := s.applySteps(steps); err != nil {
		if comm.IsDisconnect(err) {
			s.fault("configure", err)
			return ErrInstrumentUnresponsive
		}
		s.rollback()
		return rejectFrom(err)
	}
	applied := cfg
	s.cfg = &applied
	s.state.Store(int32(Configured))
	s.log.Infof("configured %s: nplc=%G avg=%d autorange=%v trigger=%s",
		s.dialect.Name(), cfg.NPLC, cfg.AverageCount, cfg.AutoRange, cfg.Trigger)
	return nil
}

// applySteps runs one configuration sequence.  Caller holds the lock.
func (s *Session) applySteps(steps []scpi.ConfigStep) error {
	for _, st := range steps {
		if st.Set != "" {
			if err := s.tr.Write(st.Set); err != nil {
				return stepError(st, err)
			}
		}
		if st.Query == "" {
			continue
		}
		resp, err := s.tr.Query(st.Query)
		if err != nil {
			return stepError(st, err)
		}
		if st.Verify != nil {
			if err := st.Verify(resp); err != nil {
				return stepError(st, err)
			}
		}
	}
	return nil
}

// rollback re-applies the previously accepted configuration after a rejected
// one left the instrument in a mixed state.  Best effort: the instrument
// already accepted this sequence once.  Caller holds the lock.
func (s *Session) rollback() {
	if s.cfg == nil {
		return
	}
	steps, err := s.dialect.ConfigSequence(*s.cfg)
	if err == nil {
		err = s.applySteps(steps)
	}
	if err != nil {
		s.log.Warnf("rollback to prior configuration failed: %v", err)
	}
}

// Acquire triggers and fetches one reading.  A reading that keeps failing
// softly (timeout, malformed bytes) is retried up to the configured attempt
// count and then returned as an invalid sample with a nil error; the soft
// error handler is told why.  A lost link faults the session and returns
// ErrInstrumentUnresponsive.  On a Faulted session Acquire fails immediately
// without touching the bus.
func (s *Session) Acquire() (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st := s.State(); st {
	case Configured:
		s.state.Store(int32(Acquiring))
	case Acquiring:
	case Faulted:
		return Sample{Time: time.Now(), Valid: false}, ErrInstrumentUnresponsive
	default:
		return Sample{Time: time.Now(), Valid: false}, ErrNotConfigured
	}
	readCmd, err := s.dialect.Build(scpi.IntentRead)
	if err != nil {
		return Sample{Time: time.Now(), Valid: false}, err
	}
	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		raw, err := s.tr.Query(readCmd)
		if err != nil {
			if comm.IsDisconnect(err) {
				s.fault("read", err)
				return Sample{Time: time.Now(), Valid: false}, ErrInstrumentUnresponsive
			}
			lastErr = err
			s.log.Debugf("read attempt %d/%d failed: %v", attempt+1, s.retries, err)
			continue
		}
		v, err := s.dialect.ParseResponse(scpi.IntentRead, raw)
		if err != nil {
			lastErr = err
			s.log.Debugf("read attempt %d/%d malformed: %v", attempt+1, s.retries, err)
			continue
		}
		return Sample{Time: time.Now(), Value: v, Valid: true}, nil
	}
	s.log.Warnf("sample invalid after %d attempts: %v", s.retries, lastErr)
	if s.onSoftError != nil {
		s.onSoftError(lastErr)
	}
	return Sample{Time: time.Now(), Valid: false}, nil
}

// EndAcquisition returns an Acquiring session to Configured.  The
// acquisition loop calls this when a run stops; it is a no-op in any other
// state.
func (s *Session) EndAcquisition() {
	s.state.CompareAndSwap(int32(Acquiring), int32(Configured))
}

// Close tears the transport down and returns the session to Disconnected.
// Idempotent; the applied configuration does not survive a close.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.tr != nil {
		err = multierr.Append(err, s.tr.Close())
		s.tr = nil
	}
	s.cfg = nil
	s.idn = ""
	s.state.Store(int32(Disconnected))
	return err
}

// fault marks the session Faulted.  Caller holds the lock.
func (s *Session) fault(op string, err error) {
	s.state.Store(int32(Faulted))
	s.log.Errorf("session faulted during %s: %v", op, err)
}

func errSessionState(op string, st State) error {
	return &stateError{op: op, state: st}
}

type stateError struct {
	op    string
	state State
}

func (e *stateError) Error() string {
	return "cannot " + e.op + " while " + e.state.String()
}

// rejectFrom shapes a dialect or step error into a ConfigurationRejectedError,
// preserving the parameter field when one was identified.
func rejectFrom(err error) error {
	var ipe *scpi.InvalidParameterError
	if errors.As(err, &ipe) {
		return &ConfigurationRejectedError{Field: ipe.Field, Reason: ipe.Reason, Err: err}
	}
	var fe *fieldError
	if errors.As(err, &fe) {
		return &ConfigurationRejectedError{Field: fe.field, Reason: fe.err.Error(), Err: err}
	}
	return &ConfigurationRejectedError{Reason: err.Error(), Err: err}
}

// stepError tags a transport or verification failure with the config field
// it happened on.
func stepError(st scpi.ConfigStep, err error) error {
	return &fieldError{field: st.Field, err: err}
}

type fieldError struct {
	field string
	err   error
}

func (e *fieldError) Error() string {
	return e.field + ": " + e.err.Error()
}

func (e *fieldError) Unwrap() error { return e.err }
