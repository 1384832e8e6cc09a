package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/theckman/yacspin"
	"go.uber.org/multierr"

	"github.com/transport-lab/nanodaq/comm"
	"github.com/transport-lab/nanodaq/daqsrv"
	"github.com/transport-lab/nanodaq/keithley"
	"github.com/transport-lab/nanodaq/logging"
	"github.com/transport-lab/nanodaq/metrics"
	"github.com/transport-lab/nanodaq/recorder"
	"github.com/transport-lab/nanodaq/scpi"
	"github.com/transport-lab/nanodaq/session"
	"github.com/transport-lab/nanodaq/sim"
	"github.com/transport-lab/nanodaq/visa"
)

// Conduit names how a GPIB resource reaches the bus.
type Conduit struct {
	// Prologix is the serial port of a Prologix GPIB-USB adapter,
	// e.g. /dev/ttyUSB0
	Prologix string `yaml:"prologix" koanf:"prologix"`

	// Gateway is the host:port of a Prologix-style LAN gateway
	Gateway string `yaml:"gateway" koanf:"gateway"`
}

// Config is the server configuration
type Config struct {
	// Addr is the address (host and port) the HTTP server listens on
	Addr string `yaml:"addr" koanf:"addr"`

	// Resource is the VISA-style address of the instrument
	Resource string `yaml:"resource" koanf:"resource"`

	// Instrument selects the dialect, e.g. "2182a" or "6485"
	Instrument string `yaml:"instrument" koanf:"instrument"`

	// Conduit configures GPIB access
	Conduit Conduit `yaml:"conduit" koanf:"conduit"`

	// Mock substitutes a simulated instrument for the real one
	Mock bool `yaml:"mock" koanf:"mock"`

	// Timeout is the per-operation I/O timeout as a Go duration string
	Timeout string `yaml:"timeout" koanf:"timeout"`

	// Interval is the minimum spacing between samples as a Go duration string
	Interval string `yaml:"interval" koanf:"interval"`

	// CSV is the path samples are recorded to; empty disables the file
	CSV string `yaml:"csv" koanf:"csv"`

	// RingSize is how many samples the live buffer holds
	RingSize int `yaml:"ringSize" koanf:"ringSize"`

	// Debug enables human-readable debug logging
	Debug bool `yaml:"debug" koanf:"debug"`

	// Measure is the measurement setup applied at startup
	Measure scpi.MeasurementConfig `yaml:"measure" koanf:"measure"`
}

func defaultConfig() Config {
	return Config{
		Addr:       ":8080",
		Resource:   "GPIB0::15::INSTR",
		Instrument: "2182a",
		Timeout:    "10s",
		Interval:   "250ms",
		CSV:        "nanodaq.csv",
		RingSize:   4096,
		Measure: scpi.MeasurementConfig{
			Range:         1e-3,
			NPLC:          1,
			AverageCount:  10,
			TriggerSource: "immediate",
		},
	}
}

// App bundles everything run() needs to serve and tear down.
type App struct {
	Router http.Handler
	Srv    *daqsrv.Server
	Sess   *session.Session
	Log    logging.Logger

	sinks recorder.Sink
}

// Close releases the session and flushes the sinks.
func (a *App) Close() error {
	var err error
	if a.sinks != nil {
		err = multierr.Append(err, a.sinks.Close())
	}
	err = multierr.Append(err, a.Sess.Close())
	return err
}

func dialectFor(name string) (scpi.Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "2182a", "nanovoltmeter":
		return keithley.Nanovoltmeter{}, nil
	case "6485", "picoammeter":
		return keithley.Picoammeter{}, nil
	case "6221", "delta":
		return keithley.DeltaBridge{}, nil
	}
	return nil, fmt.Errorf("unknown instrument %q; see nanodaq help", name)
}

func mockFor(d scpi.Dialect) *sim.Instrument {
	switch d.Name() {
	case (keithley.Picoammeter{}).Name():
		return sim.NewPicoammeter()
	case (keithley.DeltaBridge{}).Name():
		return sim.NewDeltaBridge()
	}
	return sim.NewNanovoltmeter()
}

// buildApp turns a Config into a connected, configured, routable server.
func buildApp(c Config) (*App, error) {
	logger, err := logging.New(c.Debug)
	if err != nil {
		return nil, err
	}
	dialect, err := dialectFor(c.Instrument)
	if err != nil {
		return nil, err
	}
	timeout, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return nil, fmt.Errorf("bad timeout: %w", err)
	}
	interval, err := time.ParseDuration(c.Interval)
	if err != nil {
		return nil, fmt.Errorf("bad interval: %w", err)
	}
	if err := c.Measure.Normalize(); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	mets := metrics.New(reg)

	opts := []session.Option{
		session.WithTimeout(timeout),
		session.WithLogger(logger),
		session.WithSoftErrorHandler(mets.SoftError),
	}
	switch {
	case c.Mock:
		opts = append(opts, session.WithTransport(mockFor(dialect)))
	case c.Conduit.Prologix != "":
		opts = append(opts, session.WithOpener(session.PrologixOpener(c.Conduit.Prologix)))
	case c.Conduit.Gateway != "":
		opts = append(opts, session.WithOpener(session.GatewayOpener(c.Conduit.Gateway)))
	}
	sess := session.New(c.Resource, dialect, opts...)

	if err := connectWithSpinner(sess, c.Resource); err != nil {
		return nil, err
	}
	if err := sess.Configure(c.Measure); err != nil {
		sess.Close()
		return nil, err
	}
	logger.Infof("instrument: %s", sess.Identity())

	sinks := recorder.Tee{mets}
	if c.CSV != "" {
		csv, err := recorder.NewCSVFile(c.CSV)
		if err != nil {
			sess.Close()
			return nil, err
		}
		sinks = append(sinks, csv)
		logger.Infof("recording to %s", c.CSV)
	}

	srv := daqsrv.New(sess, c.RingSize,
		daqsrv.WithSink(sinks),
		daqsrv.WithInterval(interval),
		daqsrv.WithLogger(logger),
		daqsrv.WithFaultHook(mets.Fault))

	rootMux := chi.NewRouter()
	rootMux.Use(middleware.Logger)
	rootMux.Mount("/daq", http.StripPrefix("/daq", srv.Mux()))
	rootMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	rootMux.Get("/state", func(w http.ResponseWriter, r *http.Request) {
		st := sess.State()
		mets.ObserveState(st)
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(st.String()))
	})

	return &App{
		Router: rootMux,
		Srv:    srv,
		Sess:   sess,
		Log:    logger,
		sinks:  sinks,
	}, nil
}

// probeReport is what an ad-hoc conversation with an unowned instrument
// learned: its identity and whatever the error queue held.
type probeReport struct {
	Identity string
	Faults   []error
}

// probeInstrument talks to the instrument without building a session: one
// pooled connection, an identity query, and a drain of the SCPI error queue.
// Only LAN resources can be probed this way; GPIB conduits and serial ports
// are single-owner and go through a session.
func probeInstrument(resource string, timeout time.Duration) (probeReport, error) {
	var rep probeReport
	res, err := visa.Parse(resource)
	if err != nil {
		return rep, err
	}
	if res.Class != visa.TCPIP {
		return rep, fmt.Errorf("probe needs a TCPIP resource, not %s", res.Class)
	}
	pool := comm.NewPool(1, timeout, comm.BackingOffTCPConnMaker(res.Endpoint(), timeout))
	s := &scpi.SCPI{Pool: pool}
	rep.Identity, err = s.ReadString("*IDN?")
	if err != nil {
		return rep, err
	}
	rep.Faults = s.AllErrors()
	return rep, nil
}

// connectWithSpinner wraps Connect in a terminal spinner; a GPIB gateway
// waking from idle can take a few seconds.
func connectWithSpinner(sess *session.Session, resource string) error {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[59],
		Suffix:            " connecting to " + resource,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	})
	if err != nil {
		// no spinner is no reason not to run
		return sess.Connect()
	}
	spin.Start()
	if err := sess.Connect(); err != nil {
		spin.StopFail()
		return err
	}
	spin.Stop()
	return nil
}
