// nanodaq serves a Keithley nanovoltmeter or picoammeter over HTTP and
// records acquisition runs to CSV.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "nanodaq.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(defaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `nanodaq drives a Keithley 2182A nanovoltmeter or 6485 picoammeter and
exposes the session over HTTP.  Samples stream to a CSV file and a live ring
buffer; Prometheus metrics are served on /metrics.

Usage:
	nanodaq <command>

Commands:
	run
	probe
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `nanodaq is configured via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Supported instruments and matching "instrument" fields, case insensitive:
- Keithley 2182A nanovoltmeter:        "2182a", "nanovoltmeter"
- Keithley 6485 picoammeter:           "6485", "picoammeter"
- Keithley 6221/2182A delta bridge:    "6221", "delta"

The delta bridge drives the 6221 current source with the 2182A behind its
RS-232 link; set measure.deltaCurrent, measure.deltaDelay, and
measure.deltaCount alongside nplc.

The resource field is a VISA-style address:
- GPIB0::15::INSTR        behind a Prologix adapter (set conduit.prologix)
                          or a LAN gateway (set conduit.gateway)
- TCPIP0::host::5025::SOCKET   a raw SCPI socket
- ASRL2::INSTR            a local serial port

With mock: true the server runs against a simulated instrument, useful for
developing clients with no hardware on the bench.

nanodaq probe opens an ad-hoc connection to a TCPIP resource, prints the
instrument identity, and drains its SCPI error queue.

Measurement parameters are applied closed-loop at startup: every value is
read back from the instrument and a mismatch aborts the launch.  They can be
changed at runtime with POST /daq/configure while no run is active.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

// probe asks the configured instrument who it is and drains its error queue,
// without opening a session.  Useful for checking a bench address before
// committing to a run.
func probe() {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	timeout, err := time.ParseDuration(c.Timeout)
	if err != nil {
		log.Fatalf("bad timeout: %v", err)
	}
	rep, err := probeInstrument(c.Resource, timeout)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(rep.Identity)
	if len(rep.Faults) == 0 {
		fmt.Println("error queue clear")
		return
	}
	for _, e := range rep.Faults {
		fmt.Printf("error queue: %v\n", e)
	}
}

func pversion() {
	fmt.Printf("nanodaq version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	app, err := buildApp(c)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	httpServer := &http.Server{Addr: c.Addr, Handler: app.Router}
	go func() {
		app.Log.Infof("now listening for requests at %s", c.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	app.Log.Infof("shutting down; stopping any active run")
	app.Srv.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "probe":
		probe()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
