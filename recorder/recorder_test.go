package recorder_test

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/transport-lab/nanodaq/recorder"
	"github.com/transport-lab/nanodaq/session"
)

func sampleAt(sec int, v float64, valid bool) session.Sample {
	return session.Sample{
		Time:  time.Date(2024, 3, 1, 12, 0, sec, 0, time.UTC),
		Value: v,
		Valid: valid,
	}
}

func TestCSVRows(t *testing.T) {
	var buf bytes.Buffer
	c, err := recorder.NewCSV(&buf)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := c.Record(sampleAt(1, 1.234e-3, true)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := c.Record(sampleAt(2, 0, false)); err != nil {
		t.Fatalf("record invalid: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "time" || rows[0][1] != "value" || rows[0][2] != "valid" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "1.234E-03" || rows[1][2] != "true" {
		t.Errorf("valid row = %v", rows[1])
	}
	if _, err := time.Parse(time.RFC3339Nano, rows[1][0]); err != nil {
		t.Errorf("timestamp %q not RFC3339Nano: %v", rows[1][0], err)
	}
	// invalid samples keep their row; the value cell is empty
	if rows[2][1] != "" || rows[2][2] != "false" {
		t.Errorf("invalid row = %v", rows[2])
	}
}

func TestCSVCloseIdempotentAndRefusesLateRecords(t *testing.T) {
	var buf bytes.Buffer
	c, err := recorder.NewCSV(&buf)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := c.Record(sampleAt(1, 1, true)); err == nil {
		t.Error("record accepted after close")
	}
}

func TestRingOverwritesOldest(t *testing.T) {
	r := recorder.NewRing(3)
	for i := 0; i < 5; i++ {
		if err := r.Record(sampleAt(i, float64(i), true)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	for i, want := range []float64{2, 3, 4} {
		if snap[i].Value != want {
			t.Errorf("snap[%d].Value = %G, want %G", i, snap[i].Value, want)
		}
	}
	if r.Count() != 5 {
		t.Errorf("count = %d, want 5", r.Count())
	}
	latest, ok := r.Latest()
	if !ok || latest.Value != 4 {
		t.Errorf("latest = %+v (ok=%v)", latest, ok)
	}
	recent := r.Recent(2)
	if len(recent) != 2 || recent[0].Value != 3 || recent[1].Value != 4 {
		t.Errorf("recent(2) = %+v", recent)
	}
}

func TestRingEmptyAndInvalidSamples(t *testing.T) {
	r := recorder.NewRing(4)
	if _, ok := r.Latest(); ok {
		t.Error("empty ring reported a latest sample")
	}
	if snap := r.Snapshot(); len(snap) != 0 {
		t.Errorf("empty snapshot = %+v", snap)
	}
	r.Record(sampleAt(0, 1e-3, true))
	r.Record(sampleAt(1, 0, false))
	snap := r.Snapshot()
	if len(snap) != 2 || !snap[0].Valid || snap[1].Valid {
		t.Errorf("snapshot = %+v", snap)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Record(session.Sample) error { f.calls++; return errSinkDown }
func (f *failingSink) Close() error                { return nil }

var errSinkDown = errors.New("sink down")

func TestTeeDeliversToAllDespiteErrors(t *testing.T) {
	ring := recorder.NewRing(8)
	bad := &failingSink{}
	tee := recorder.Tee{bad, ring}
	err := tee.Record(sampleAt(0, 2e-9, true))
	if !errors.Is(err, errSinkDown) {
		t.Errorf("tee error = %v, want sink down", err)
	}
	if ring.Count() != 1 {
		t.Error("healthy sink starved by failing sibling")
	}
	if bad.calls != 1 {
		t.Errorf("failing sink calls = %d", bad.calls)
	}
	if err := tee.Close(); err != nil {
		t.Errorf("tee close: %v", err)
	}
}
