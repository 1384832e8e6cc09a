package acquire_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transport-lab/nanodaq/acquire"
	"github.com/transport-lab/nanodaq/comm"
	"github.com/transport-lab/nanodaq/keithley"
	"github.com/transport-lab/nanodaq/scpi"
	"github.com/transport-lab/nanodaq/session"
	"github.com/transport-lab/nanodaq/sim"
)

// runReady returns a configured session over a simulated 2182A.
func runReady(t *testing.T) (*session.Session, *sim.Instrument) {
	t.Helper()
	inst := sim.NewNanovoltmeter()
	s := session.New("GPIB0::15::INSTR", keithley.Nanovoltmeter{}, session.WithTransport(inst))
	t.Cleanup(func() { s.Close() })
	if err := s.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	cfg := scpi.MeasurementConfig{AutoRange: true, NPLC: 0.01, AverageCount: 1}
	if err := s.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return s, inst
}

// collector accumulates samples concurrency-safely.
type collector struct {
	mu      sync.Mutex
	samples []session.Sample
}

func (c *collector) add(s session.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, s)
}

func (c *collector) all() []session.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]session.Sample, len(c.samples))
	copy(out, c.samples)
	return out
}

func TestLoopDeliversSamplesInOrder(t *testing.T) {
	s, inst := runReady(t)
	inst.EnqueueReadings("1.0E-03", "2.0E-03", "3.0E-03")
	var c collector
	lp := acquire.New(s, 0, c.add)
	if err := lp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for len(c.all()) < 3 {
		time.Sleep(time.Millisecond)
	}
	lp.Stop()
	if err := lp.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got := c.all()
	want := []float64{1e-3, 2e-3, 3e-3}
	for i, w := range want {
		if !got[i].Valid || got[i].Value != w {
			t.Errorf("sample %d = %+v, want value %G", i, got[i], w)
		}
	}
	if s.State() != session.Configured {
		t.Errorf("session state after stop = %s, want Configured", s.State())
	}
}

func TestLoopEnforcesMinimumSpacing(t *testing.T) {
	s, _ := runReady(t)
	const interval = 20 * time.Millisecond
	var c collector
	lp := acquire.New(s, interval, c.add)
	if err := lp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for len(c.all()) < 4 {
		time.Sleep(time.Millisecond)
	}
	lp.Stop()
	if err := lp.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got := c.all()
	for i := 1; i < 4; i++ {
		gap := got[i].Time.Sub(got[i-1].Time)
		// generous floor: scheduler jitter may stretch but never shrink it
		if gap < interval/2 {
			t.Errorf("gap %d->%d = %v, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestStopIsCooperativeAndIdempotent(t *testing.T) {
	s, _ := runReady(t)
	var c collector
	lp := acquire.New(s, time.Millisecond, c.add)
	if err := lp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for len(c.all()) < 1 {
		time.Sleep(time.Millisecond)
	}
	lp.Stop()
	lp.Stop()
	lp.Stop()
	if err := lp.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// no samples arrive after Wait returned
	n := len(c.all())
	time.Sleep(10 * time.Millisecond)
	if len(c.all()) != n {
		t.Error("samples delivered after Wait returned")
	}
}

func TestStopBeforeStart(t *testing.T) {
	s, _ := runReady(t)
	lp := acquire.New(s, 0, func(session.Sample) {})
	lp.Stop()
	if err := lp.Wait(); err != nil {
		t.Errorf("wait on never-started loop: %v", err)
	}
	if err := lp.Start(); err == nil {
		t.Error("start accepted after stop")
	}
}

func TestConsumerPanicDoesNotKillTheRun(t *testing.T) {
	s, inst := runReady(t)
	inst.EnqueueReadings("1.0E-03", "2.0E-03")
	var c collector
	first := true
	lp := acquire.New(s, 0, func(sam session.Sample) {
		if first {
			first = false
			panic("consumer bug")
		}
		c.add(sam)
	})
	if err := lp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for len(c.all()) < 1 {
		time.Sleep(time.Millisecond)
	}
	lp.Stop()
	if err := lp.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := c.all(); len(got) == 0 || got[0].Value != 2e-3 {
		t.Errorf("run did not survive consumer panic: %+v", c.all())
	}
}

func TestInvalidSamplesAreDeliveredNotDropped(t *testing.T) {
	s, inst := runReady(t)
	inst.EnqueueReadings("1.0E-03")
	inst.EnqueueTimeouts(3)
	inst.EnqueueReadings("2.0E-03")
	var c collector
	lp := acquire.New(s, 0, c.add)
	if err := lp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	for len(c.all()) < 3 {
		time.Sleep(time.Millisecond)
	}
	lp.Stop()
	if err := lp.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got := c.all()
	if !got[0].Valid || got[1].Valid || !got[2].Valid {
		t.Errorf("validity pattern = [%v %v %v], want [true false true]",
			got[0].Valid, got[1].Valid, got[2].Valid)
	}
}

func TestFaultStopsTheRunAndFiresHandlerOnce(t *testing.T) {
	s, inst := runReady(t)
	inst.EnqueueReadings("1.0E-03")
	inst.Enqueue(sim.ReadResult{Err: comm.ErrDisconnected})
	var c collector
	var faults []error
	lp := acquire.New(s, 0, c.add,
		acquire.WithFaultHandler(func(err error) { faults = append(faults, err) }))
	if err := lp.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := lp.Wait()
	if !errors.Is(err, session.ErrInstrumentUnresponsive) {
		t.Fatalf("wait = %v, want ErrInstrumentUnresponsive", err)
	}
	if len(faults) != 1 || !errors.Is(faults[0], session.ErrInstrumentUnresponsive) {
		t.Errorf("fault handler calls = %v, want exactly one unresponsive", faults)
	}
	// the good sample acquired before the fault was still delivered
	got := c.all()
	if len(got) != 1 || !got[0].Valid {
		t.Errorf("samples before fault = %+v", got)
	}
	if s.State() != session.Faulted {
		t.Errorf("session state = %s, want Faulted", s.State())
	}
}
