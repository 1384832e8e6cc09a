package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables and functions needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds one or more connections to a device that will be closed if they
// are not in use, and re-opened as needed.  It is concurrent safe.  Pools
// must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	onLease int                     // number of connections given out, <= cap(conns)
	timeout time.Duration           // time after all connections return before freeing them
	conns   chan io.ReadWriteCloser // the circular buffer of connections
	timer   *time.Timer             // destroys idle connections after timeout
	maker   CreationFunc

	reclaiming bool
	mu         sync.Mutex
}

// NewPool creates a Pool which holds up to maxSize connections made by maker,
// closing them all after the pool has been fully idle for timeout.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	p := &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		timer:   time.NewTimer(timeout),
		maker:   maker,
	}
	p.timer.Stop() // nothing to reclaim yet
	return p
}

// Get retrieves a connection from the pool, blocking until one is available
// if all are in use.  The caller has exclusive use of the returned
// ReadWriter.  When done, return it with Put, or discard it with Destroy if
// it has gone bad.  A connection from a Get that errored must not be
// returned to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.timer.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) > 0 {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	if p.onLease == p.maxSize {
		ret := <-p.conns
		p.onLease++
		return ret, nil
	}
	c, err := p.maker()
	if err == nil {
		p.onLease++
	}
	return c, err
}

// Put restores a connection to the pool.  It may be reused, or will be freed
// after all connections are returned and the timeout has elapsed.  The
// channel send happens before the lock is taken; a Get blocked on the channel
// holds the lock, and the buffered send is what unblocks it.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.conns <- rwc
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	if len(p.conns) == p.maxSize {
		p.startReclaim()
	}
}

// Destroy immediately frees a connection from the pool.  Use instead of Put
// when the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	rwc.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError puts rw back if err is nil or benign, and destroys it if
// the error indicates the connection itself is no good.  Intended for use in
// a deferred call bracketing one conversation with the device.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if rw == nil {
		return
	}
	if err != nil && (IsTimeout(err) || IsDisconnect(err)) {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool or given out from it.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently given out.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// startReclaim spawns a goroutine which closes all pooled connections after
// the idle timeout elapses.
func (p *Pool) startReclaim() {
	if p.reclaiming {
		return
	}
	p.reclaiming = true
	p.timer.Reset(p.timeout)
	go func() {
		<-p.timer.C
		p.mu.Lock()
		defer p.mu.Unlock()
		for len(p.conns) > 0 {
			c := <-p.conns
			c.Close()
		}
		p.reclaiming = false
	}()
}
