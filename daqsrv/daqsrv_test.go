package daqsrv_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/transport-lab/nanodaq/daqsrv"
	"github.com/transport-lab/nanodaq/keithley"
	"github.com/transport-lab/nanodaq/session"
	"github.com/transport-lab/nanodaq/sim"
)

func newTestServer(t *testing.T) (*httptest.Server, *sim.Instrument) {
	t.Helper()
	inst := sim.NewNanovoltmeter()
	sess := session.New("GPIB0::15::INSTR", keithley.Nanovoltmeter{},
		session.WithTransport(inst))
	if err := sess.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv := daqsrv.New(sess, 64, daqsrv.WithInterval(time.Millisecond))
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
		sess.Close()
	})
	return ts, inst
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func configure(t *testing.T, base string) {
	t.Helper()
	resp := postJSON(t, base+"/configure",
		`{"autoRange": true, "nplc": 0.01, "averageCount": 1, "trigger": "immediate"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("configure status = %d", resp.StatusCode)
	}
}

func TestStatusAndIdn(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	defer resp.Body.Close()
	var st struct {
		State    string `json:"state"`
		Identity string `json:"identity"`
		Running  bool   `json:"running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "Connected" || st.Running {
		t.Errorf("status = %+v", st)
	}
	if !strings.Contains(st.Identity, "2182A") {
		t.Errorf("identity = %q", st.Identity)
	}

	resp2, err := http.Get(ts.URL + "/idn")
	if err != nil {
		t.Fatalf("GET idn: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("idn status = %d", resp2.StatusCode)
	}
}

func TestConfigureRejectionSurfacesField(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/configure",
		`{"autoRange": true, "nplc": 1, "averageCount": 0}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "averageCount") {
		t.Errorf("error body %q does not name the field", body)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t)
	configure(t, ts.URL)

	// start before configure-again conflicts are covered elsewhere; start now
	resp := postJSON(t, ts.URL+"/start", `{"interval": "1ms"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// second start conflicts
	resp = postJSON(t, ts.URL+"/start", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", resp.StatusCode)
	}

	// let some samples accumulate
	deadline := time.Now().Add(2 * time.Second)
	for {
		r, err := http.Get(ts.URL + "/latest")
		if err != nil {
			t.Fatalf("GET latest: %v", err)
		}
		r.Body.Close()
		if r.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no samples before deadline")
		}
		time.Sleep(time.Millisecond)
	}

	resp = postJSON(t, ts.URL+"/stop", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	var stopped struct {
		Samples int `json:"samples"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stopped); err != nil {
		t.Fatalf("decode stop: %v", err)
	}
	if stopped.Samples < 1 {
		t.Errorf("samples = %d, want >= 1", stopped.Samples)
	}

	// stop again conflicts
	resp = postJSON(t, ts.URL+"/stop", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second stop status = %d, want 409", resp.StatusCode)
	}

	// recent returns an ordered slice
	r, err := http.Get(ts.URL + "/recent?n=5")
	if err != nil {
		t.Fatalf("GET recent: %v", err)
	}
	defer r.Body.Close()
	var samples []session.Sample
	if err := json.NewDecoder(r.Body).Decode(&samples); err != nil {
		t.Fatalf("decode recent: %v", err)
	}
	if len(samples) == 0 {
		t.Fatal("recent returned nothing")
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].Time.Before(samples[i-1].Time) {
			t.Errorf("samples out of order at %d", i)
		}
	}
}

func TestFaultHookFiresOncePerDeadRun(t *testing.T) {
	inst := sim.NewNanovoltmeter()
	sess := session.New("GPIB0::15::INSTR", keithley.Nanovoltmeter{},
		session.WithTransport(inst))
	if err := sess.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	faults := make(chan error, 2)
	srv := daqsrv.New(sess, 64,
		daqsrv.WithInterval(time.Millisecond),
		daqsrv.WithFaultHook(func(err error) { faults <- err }))
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
		sess.Close()
	})

	configure(t, ts.URL)
	resp := postJSON(t, ts.URL+"/start", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	inst.Disconnect()

	select {
	case err := <-faults:
		if !errors.Is(err, session.ErrInstrumentUnresponsive) {
			t.Errorf("hook got %v, want ErrInstrumentUnresponsive", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fault hook never fired")
	}
	select {
	case err := <-faults:
		t.Fatalf("fault hook fired twice, second: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartRequiresConfiguredSession(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := postJSON(t, ts.URL+"/start", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("start on unconfigured session = %d, want 409", resp.StatusCode)
	}
}

func TestLatestBeforeAnySample(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/latest")
	if err != nil {
		t.Fatalf("GET latest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("latest status = %d, want 404", resp.StatusCode)
	}
}
