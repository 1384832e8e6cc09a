package session_test

import (
	"errors"
	"testing"

	"github.com/transport-lab/nanodaq/comm"
	"github.com/transport-lab/nanodaq/keithley"
	"github.com/transport-lab/nanodaq/scpi"
	"github.com/transport-lab/nanodaq/session"
	"github.com/transport-lab/nanodaq/sim"
)

func nanovoltSession(t *testing.T, inst *sim.Instrument) *session.Session {
	t.Helper()
	s := session.New("GPIB0::15::INSTR", keithley.Nanovoltmeter{},
		session.WithTransport(inst))
	t.Cleanup(func() { s.Close() })
	return s
}

func goodConfig() scpi.MeasurementConfig {
	return scpi.MeasurementConfig{Range: 1e-3, NPLC: 1, AverageCount: 10, Trigger: scpi.TriggerImmediate}
}

func TestLifecycleHappyPath(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	s := nanovoltSession(t, inst)
	if s.State() != session.Disconnected {
		t.Fatalf("fresh session state = %s", s.State())
	}
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if s.State() != session.Connected {
		t.Fatalf("state after connect = %s", s.State())
	}
	if s.Identity() == "" {
		t.Error("identity empty after connect")
	}
	if err := s.Configure(goodConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if s.State() != session.Configured {
		t.Fatalf("state after configure = %s", s.State())
	}

	inst.EnqueueReadings("1.234E-03", "1.236E-03")
	sam, err := s.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !sam.Valid || sam.Value != 1.234e-3 {
		t.Errorf("first sample = %+v", sam)
	}
	if s.State() != session.Acquiring {
		t.Errorf("state during run = %s", s.State())
	}
	sam, err = s.Acquire()
	if err != nil || !sam.Valid || sam.Value != 1.236e-3 {
		t.Errorf("second sample = %+v, err=%v", sam, err)
	}
	s.EndAcquisition()
	if s.State() != session.Configured {
		t.Errorf("state after run = %s", s.State())
	}
}

func TestConfigureDrivesClosedLoopEchoes(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	s := nanovoltSession(t, inst)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Configure(goodConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for stem, want := range map[string]string{
		":SENS:VOLT:RANG":      "0.001",
		":SENS:VOLT:NPLC":      "1",
		":SENS:VOLT:DFIL:COUN": "10",
		":TRIG:SOUR":           "IMM",
	} {
		got, ok := inst.Setting(stem)
		if !ok || got != want {
			t.Errorf("%s = %q (present=%v), want %q", stem, got, ok, want)
		}
	}
}

func TestConfigureRejectionPreservesPriorState(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	s := nanovoltSession(t, inst)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// rejected before any I/O: out-of-bounds averaging
	bad := goodConfig()
	bad.AverageCount = 0
	err := s.Configure(bad)
	var rej *session.ConfigurationRejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected ConfigurationRejectedError, got %v", err)
	}
	if rej.Field != "averageCount" {
		t.Errorf("rejected field = %q", rej.Field)
	}
	if s.State() != session.Connected {
		t.Errorf("state after rejected configure = %s, want Connected", s.State())
	}
	if _, ok := s.Config(); ok {
		t.Error("rejected configure left a configuration applied")
	}

	// now apply a good one, then reject another; the good one must survive
	if err := s.Configure(goodConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	bad = goodConfig()
	bad.NPLC = 500
	if err := s.Configure(bad); err == nil {
		t.Fatal("out-of-bounds nplc accepted")
	}
	if s.State() != session.Configured {
		t.Errorf("state after second rejection = %s, want Configured", s.State())
	}
	cfg, ok := s.Config()
	if !ok || cfg.NPLC != 1 {
		t.Errorf("prior configuration not preserved: %+v (ok=%v)", cfg, ok)
	}
}

func TestConfigureRejectedWhileAcquiring(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	s := nanovoltSession(t, inst)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Configure(goodConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := s.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := s.Configure(goodConfig()); err == nil {
		t.Error("configure accepted while acquiring")
	}
	if s.State() != session.Acquiring {
		t.Errorf("state = %s, want Acquiring", s.State())
	}
}

func TestSoftFailureRetriesExactlyThreeTimes(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	var soft []error
	s := session.New("GPIB0::15::INSTR", keithley.Nanovoltmeter{},
		session.WithTransport(inst),
		session.WithSoftErrorHandler(func(err error) { soft = append(soft, err) }))
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Configure(goodConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}

	before := inst.ReadAttempts()
	inst.EnqueueTimeouts(3)
	sam, err := s.Acquire()
	if err != nil {
		t.Fatalf("soft failure must not return an error, got %v", err)
	}
	if sam.Valid {
		t.Error("sample valid after exhausted retries")
	}
	if got := inst.ReadAttempts() - before; got != 3 {
		t.Errorf("read attempts = %d, want exactly 3", got)
	}
	if len(soft) != 1 {
		t.Fatalf("soft error handler called %d times, want 1", len(soft))
	}
	if !errors.Is(soft[0], comm.ErrTimeout) {
		t.Errorf("soft error = %v, want timeout", soft[0])
	}
	if s.State() != session.Acquiring {
		t.Errorf("state after soft failure = %s, want Acquiring", s.State())
	}

	// a good reading right after recovers without operator action
	inst.EnqueueReadings("1.234E-03")
	sam, err = s.Acquire()
	if err != nil || !sam.Valid {
		t.Errorf("recovery sample = %+v, err=%v", sam, err)
	}
}

func TestMalformedReadingsAreSoftFailures(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	s := nanovoltSession(t, inst)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Configure(goodConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	inst.EnqueueReadings("garbage", "++9.9E37,,", "")
	sam, err := s.Acquire()
	if err != nil {
		t.Fatalf("malformed reads must stay soft, got %v", err)
	}
	if sam.Valid {
		t.Error("sample valid despite three malformed responses")
	}
	if s.State() != session.Acquiring {
		t.Errorf("state = %s, want Acquiring", s.State())
	}
}

func TestLinkLossFaultsTheSession(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	s := nanovoltSession(t, inst)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Configure(goodConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	inst.Enqueue(sim.ReadResult{Err: comm.ErrDisconnected})
	sam, err := s.Acquire()
	if !errors.Is(err, session.ErrInstrumentUnresponsive) {
		t.Fatalf("expected ErrInstrumentUnresponsive, got %v", err)
	}
	if sam.Valid {
		t.Error("sample valid on link loss")
	}
	if s.State() != session.Faulted {
		t.Fatalf("state = %s, want Faulted", s.State())
	}

	// a faulted session refuses further I/O without touching the bus
	before := inst.ReadAttempts()
	if _, err := s.Acquire(); !errors.Is(err, session.ErrInstrumentUnresponsive) {
		t.Errorf("acquire on faulted session: %v", err)
	}
	if inst.ReadAttempts() != before {
		t.Error("faulted acquire touched the bus")
	}
	if err := s.Configure(goodConfig()); err == nil {
		t.Error("configure accepted on faulted session")
	}

	// close + reconnect is the recovery path
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != session.Disconnected {
		t.Errorf("state after close = %s", s.State())
	}
}

func TestConnectFailureLeavesDisconnected(t *testing.T) {
	s := session.New("GPIB0::99::INSTR", keithley.Nanovoltmeter{})
	err := s.Connect()
	var ce *session.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if s.State() != session.Disconnected {
		t.Errorf("state = %s, want Disconnected", s.State())
	}
	// acquire and configure are refused before connect
	if _, err := s.Acquire(); err == nil {
		t.Error("acquire accepted while disconnected")
	}
	if err := s.Configure(goodConfig()); err == nil {
		t.Error("configure accepted while disconnected")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	s := nanovoltSession(t, inst)
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if s.State() != session.Disconnected {
		t.Errorf("state = %s", s.State())
	}
	if _, ok := s.Config(); ok {
		t.Error("configuration survived close")
	}
}

func TestDeltaBridgeConfiguresOverSerialLink(t *testing.T) {
	inst := sim.NewDeltaBridge()
	s := session.New("GPIB0::12::INSTR", keithley.DeltaBridge{},
		session.WithTransport(inst))
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cfg := scpi.MeasurementConfig{NPLC: 1, DeltaCurrent: 100e-6, DeltaDelay: 0.1, DeltaCount: 20}
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	for stem, want := range map[string]string{
		"SOUR:DELT:HIGH": "0.0001",
		"SOUR:DELT:LOW":  "-0.0001",
		"SOUR:DELT:DEL":  "0.1",
		"SOUR:DELT:COUN": "20",
		"TRAC:POIN":      "20",
	} {
		got, ok := inst.Setting(stem)
		if !ok || got != want {
			t.Errorf("%s = %q (ok=%v), want %q", stem, got, ok, want)
		}
	}

	inst.EnqueueReadings("+1.052000E-06")
	sam, err := s.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !sam.Valid || sam.Value != 1.052e-6 {
		t.Errorf("sample = %+v", sam)
	}
}

func TestDeltaBridgeRejectsWithoutVoltmeterOnLink(t *testing.T) {
	// a bare 6221 answers the link query with 0
	inst := sim.New("KEITHLEY INSTRUMENTS INC.,MODEL 6221,1352429,D03")
	s := session.New("GPIB0::12::INSTR", keithley.DeltaBridge{},
		session.WithTransport(inst))
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cfg := scpi.MeasurementConfig{NPLC: 1, DeltaCurrent: 100e-6, DeltaDelay: 0.1, DeltaCount: 20}
	err := s.Configure(cfg)
	var rej *session.ConfigurationRejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected ConfigurationRejectedError, got %v", err)
	}
	if rej.Field != "link" {
		t.Errorf("rejection field = %q, want link", rej.Field)
	}
	if s.State() != session.Connected {
		t.Errorf("state after rejection = %s, want Connected", s.State())
	}
}
