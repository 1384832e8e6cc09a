/*Package daqsrv exposes an instrument session and its acquisition loop over
HTTP, so a measurement can be driven from a browser, curl, or the plotting
clients without linking against this module.

The wrapper owns the run: exactly one acquisition loop exists at a time, the
loop feeds the live ring plus whatever durable sinks the caller supplied, and
stopping waits for the in-flight sample before answering.
*/
package daqsrv

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/transport-lab/nanodaq/acquire"
	"github.com/transport-lab/nanodaq/logging"
	"github.com/transport-lab/nanodaq/recorder"
	"github.com/transport-lab/nanodaq/scpi"
	"github.com/transport-lab/nanodaq/session"

	"goji.io"
	"goji.io/pat"
)

// Server wraps one session in an HTTP interface.
type Server struct {
	sess      *session.Session
	ring      *recorder.Ring
	extra     recorder.Sink
	interval  time.Duration
	log       logging.Logger
	faultHook func(error)

	mu      sync.Mutex
	loop    *acquire.Loop
	lastErr error

	// RouteTable maps goji patterns to http handlers
	RouteTable map[goji.Pattern]http.HandlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithSink attaches a durable sink (CSV file, metrics) fed alongside the
// live ring.
func WithSink(s recorder.Sink) Option {
	return func(srv *Server) { srv.extra = s }
}

// WithInterval sets the default minimum sample spacing for runs started over
// HTTP.
func WithInterval(d time.Duration) Option {
	return func(srv *Server) { srv.interval = d }
}

// WithLogger plugs in a logger.
func WithLogger(l logging.Logger) Option {
	return func(srv *Server) { srv.log = l }
}

// WithFaultHook registers a callback fired once per run that dies on a lost
// instrument, e.g. a metrics counter.  It runs on the loop goroutine.
func WithFaultHook(fn func(error)) Option {
	return func(srv *Server) { srv.faultHook = fn }
}

// New creates a Server around a session with a live ring of the given
// capacity.  The route table is pre-configured; mount it with Mux.
func New(sess *session.Session, ringCapacity int, opts ...Option) *Server {
	srv := &Server{
		sess: sess,
		ring: recorder.NewRing(ringCapacity),
		log:  logging.Null{},
	}
	for _, o := range opts {
		o(srv)
	}
	srv.RouteTable = map[goji.Pattern]http.HandlerFunc{
		pat.Get("/status"):     srv.HTTPStatus,
		pat.Get("/idn"):        srv.HTTPIdn,
		pat.Get("/latest"):     srv.HTTPLatest,
		pat.Get("/recent"):     srv.HTTPRecent,
		pat.Post("/configure"): srv.HTTPConfigure,
		pat.Post("/start"):     srv.HTTPStart,
		pat.Post("/stop"):      srv.HTTPStop,
	}
	return srv
}

// Mux binds the route table onto a goji mux suitable for mounting under a
// URL stem.
func (srv *Server) Mux() *goji.Mux {
	mux := goji.NewMux()
	for p, h := range srv.RouteTable {
		mux.HandleFunc(p, h)
	}
	return mux
}

// Ring exposes the live sample buffer, e.g. for sharing with a metrics
// scraper.
func (srv *Server) Ring() *recorder.Ring { return srv.ring }

// Shutdown stops any active run and waits for it.
func (srv *Server) Shutdown() {
	srv.mu.Lock()
	loop := srv.loop
	srv.mu.Unlock()
	if loop != nil {
		loop.Stop()
		loop.Wait()
	}
}

type statusPayload struct {
	State    string `json:"state"`
	Identity string `json:"identity"`
	Address  string `json:"address"`
	Running  bool   `json:"running"`
	Samples  int    `json:"samples"`
	LastErr  string `json:"lastError,omitempty"`
}

// HTTPStatus reports session state, identity, and run progress as JSON.
func (srv *Server) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	srv.mu.Lock()
	running := srv.loop != nil
	lastErr := ""
	if srv.lastErr != nil {
		lastErr = srv.lastErr.Error()
	}
	srv.mu.Unlock()
	encodeJSON(w, statusPayload{
		State:    srv.sess.State().String(),
		Identity: srv.sess.Identity(),
		Address:  srv.sess.Address(),
		Running:  running,
		Samples:  srv.ring.Count(),
		LastErr:  lastErr,
	})
}

// HTTPIdn returns the instrument identification as text/plain.
func (srv *Server) HTTPIdn(w http.ResponseWriter, r *http.Request) {
	idn := srv.sess.Identity()
	if idn == "" {
		http.Error(w, "not connected", http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(idn))
}

// HTTPLatest returns the most recent sample as JSON, 404 before any sample
// exists.
func (srv *Server) HTTPLatest(w http.ResponseWriter, r *http.Request) {
	sam, ok := srv.ring.Latest()
	if !ok {
		http.Error(w, "no samples yet", http.StatusNotFound)
		return
	}
	encodeJSON(w, sam)
}

// HTTPRecent returns up to ?n= samples oldest-first, the whole ring by
// default.
func (srv *Server) HTTPRecent(w http.ResponseWriter, r *http.Request) {
	n := srv.ring.Count()
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = v
	}
	samples := srv.ring.Recent(n)
	if samples == nil {
		samples = []session.Sample{}
	}
	encodeJSON(w, samples)
}

type configRequest struct {
	Range        float64 `json:"range"`
	AutoRange    bool    `json:"autoRange"`
	NPLC         float64 `json:"nplc"`
	AverageCount int     `json:"averageCount"`
	Trigger      string  `json:"trigger"`
	DeltaCurrent float64 `json:"deltaCurrent"`
	DeltaDelay   float64 `json:"deltaDelay"`
	DeltaCount   int     `json:"deltaCount"`
}

// HTTPConfigure applies a measurement configuration from a JSON body.
// Rejections come back as 422 with the offending field in the message.
func (srv *Server) HTTPConfigure(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := scpi.MeasurementConfig{
		Range:         req.Range,
		AutoRange:     req.AutoRange,
		NPLC:          req.NPLC,
		AverageCount:  req.AverageCount,
		TriggerSource: req.Trigger,
		DeltaCurrent:  req.DeltaCurrent,
		DeltaDelay:    req.DeltaDelay,
		DeltaCount:    req.DeltaCount,
	}
	if err := cfg.Normalize(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err := srv.sess.Configure(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type startRequest struct {
	// Interval is a Go duration string, e.g. "250ms"; empty uses the server
	// default.
	Interval string `json:"interval"`
}

// HTTPStart begins an acquisition run.  409 if one is already active.
func (srv *Server) HTTPStart(w http.ResponseWriter, r *http.Request) {
	interval := srv.interval
	if r.Body != nil {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Interval != "" {
			d, err := time.ParseDuration(req.Interval)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			interval = d
		}
		r.Body.Close()
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.loop != nil {
		http.Error(w, "run already active", http.StatusConflict)
		return
	}
	if st := srv.sess.State(); st != session.Configured {
		http.Error(w, "session is "+st.String()+", want Configured", http.StatusConflict)
		return
	}
	sinks := recorder.Tee{srv.ring}
	if srv.extra != nil {
		sinks = append(sinks, srv.extra)
	}
	srv.lastErr = nil
	loop := acquire.New(srv.sess, interval, func(sam session.Sample) {
		if err := sinks.Record(sam); err != nil {
			srv.log.Errorf("sink error: %v", err)
		}
	}, acquire.WithLogger(srv.log), acquire.WithFaultHandler(srv.onFault))
	if err := loop.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	srv.loop = loop
	w.WriteHeader(http.StatusOK)
}

// HTTPStop stops the active run, waits for the in-flight sample, and reports
// how many samples the ring has seen.  409 if no run is active.
func (srv *Server) HTTPStop(w http.ResponseWriter, r *http.Request) {
	srv.mu.Lock()
	loop := srv.loop
	srv.mu.Unlock()
	if loop == nil {
		http.Error(w, "no active run", http.StatusConflict)
		return
	}
	loop.Stop()
	err := loop.Wait()
	srv.mu.Lock()
	srv.loop = nil
	if err != nil {
		srv.lastErr = err
	}
	srv.mu.Unlock()
	encodeJSON(w, map[string]interface{}{"samples": srv.ring.Count()})
}

// onFault records why a run died; the loop goroutine has already delivered
// every earlier sample.
func (srv *Server) onFault(err error) {
	srv.mu.Lock()
	srv.lastErr = err
	srv.loop = nil
	srv.mu.Unlock()
	srv.log.Errorf("acquisition run died: %v", err)
	if srv.faultHook != nil {
		srv.faultHook(err)
	}
}

func encodeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
