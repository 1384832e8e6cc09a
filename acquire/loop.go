/*Package acquire runs the acquisition loop: acquire a sample, hand it to the
consumer, wait out the pacing interval, repeat.

The loop is acquire-then-next rather than fixed-timer: a reading that takes
longer than the interval (high NPLC, deep averaging, retries) simply pushes
the next one out.  The interval is a minimum idle spacing between the start
of consecutive acquisitions, enforced with a token-bucket limiter.

Stopping is cooperative.  Stop never aborts an in-flight instrument read; it
marks the run finished and the loop exits once the current iteration
completes.  Every sample acquired before the stop took effect is delivered,
in order, before Wait returns.
*/
package acquire

import (
	"context"
	"sync"
	"time"

	"github.com/transport-lab/nanodaq/logging"
	"github.com/transport-lab/nanodaq/session"
	"golang.org/x/time/rate"
)

// Loop drives one acquisition run against a configured session.  A Loop is
// single-use; create a new one for each run.
type Loop struct {
	sess     *session.Session
	limiter  *rate.Limiter
	onSample func(session.Sample)
	onFault  func(error)
	log      logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	mu      sync.Mutex
	runErr  error
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger plugs in a logger; the default discards.
func WithLogger(l logging.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// WithFaultHandler registers a callback invoked at most once, when the run
// dies on a hard session error.  It runs on the loop goroutine after the
// final sample has been delivered.
func WithFaultHandler(fn func(error)) Option {
	return func(lp *Loop) { lp.onFault = fn }
}

// New creates a loop over sess delivering every sample, valid or not, to
// onSample in acquisition order.  interval is the minimum spacing between
// consecutive acquisition starts; zero or negative means free-running.
func New(sess *session.Session, interval time.Duration, onSample func(session.Sample), opts ...Option) *Loop {
	lp := &Loop{
		sess:     sess,
		onSample: onSample,
		done:     make(chan struct{}),
		log:      logging.Null{},
	}
	lp.ctx, lp.cancel = context.WithCancel(context.Background())
	if interval > 0 {
		lp.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	for _, o := range opts {
		o(lp)
	}
	return lp
}

// Start launches the run goroutine.  It fails if the loop was already
// started or already stopped.
func (lp *Loop) Start() error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	if lp.started {
		return errAlreadyStarted
	}
	if lp.ctx.Err() != nil {
		return errStopped
	}
	lp.started = true
	go lp.run()
	return nil
}

// Stop requests a cooperative stop.  Safe to call at any time, any number of
// times, from any goroutine, including before Start.
func (lp *Loop) Stop() {
	lp.cancel()
}

// Wait blocks until the run goroutine has exited and every acquired sample
// has been delivered.  It returns the error that killed the run, or nil
// after a clean stop.  Waiting on a never-started loop returns immediately.
func (lp *Loop) Wait() error {
	lp.mu.Lock()
	started := lp.started
	lp.mu.Unlock()
	if !started {
		return nil
	}
	<-lp.done
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.runErr
}

func (lp *Loop) run() {
	defer close(lp.done)
	defer lp.sess.EndAcquisition()
	n := 0
	for {
		if lp.limiter != nil {
			if err := lp.limiter.Wait(lp.ctx); err != nil {
				// stop arrived during the idle gap
				lp.log.Infof("run stopped after %d samples", n)
				return
			}
		} else if lp.ctx.Err() != nil {
			lp.log.Infof("run stopped after %d samples", n)
			return
		}
		sam, err := lp.sess.Acquire()
		if err != nil {
			lp.setErr(err)
			lp.log.Errorf("run died after %d samples: %v", n, err)
			if lp.onFault != nil {
				lp.deliverFault(err)
			}
			return
		}
		n++
		lp.deliver(sam)
		if lp.ctx.Err() != nil {
			lp.log.Infof("run stopped after %d samples", n)
			return
		}
	}
}

func (lp *Loop) setErr(err error) {
	lp.mu.Lock()
	lp.runErr = err
	lp.mu.Unlock()
}

// deliver hands one sample to the consumer.  A panicking consumer loses its
// own sample but never kills the run.
func (lp *Loop) deliver(sam session.Sample) {
	defer func() {
		if r := recover(); r != nil {
			lp.log.Errorf("sample consumer panicked: %v", r)
		}
	}()
	lp.onSample(sam)
}

func (lp *Loop) deliverFault(err error) {
	defer func() {
		if r := recover(); r != nil {
			lp.log.Errorf("fault handler panicked: %v", r)
		}
	}()
	lp.onFault(err)
}

type loopError string

func (e loopError) Error() string { return string(e) }

const (
	errAlreadyStarted = loopError("acquire: loop already started")
	errStopped        = loopError("acquire: loop already stopped")
)
