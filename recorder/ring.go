package recorder

import (
	"sync"

	"github.com/brandondube/ringo"
	"github.com/transport-lab/nanodaq/session"
)

// Ring keeps the most recent samples in fixed-size ring buffers for the live
// HTTP views.  The ringo buffers are not concurrent safe themselves, so Ring
// guards them; the acquisition loop appends while status requests read.
type Ring struct {
	mu     sync.Mutex
	values ringo.CircleF64
	valid  ringo.CircleF64
	times  ringo.CircleTime
	count  int
	cap    int
}

// NewRing creates a ring sink holding up to capacity samples.
func NewRing(capacity int) *Ring {
	r := &Ring{cap: capacity}
	r.values.Init(capacity)
	r.valid.Init(capacity)
	r.times.Init(capacity)
	return r
}

// Record implements Sink.
func (r *Ring) Record(s session.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := 0.0
	flag := 0.0
	if s.Valid {
		v = s.Value
		flag = 1
	}
	r.values.Append(v)
	r.valid.Append(flag)
	r.times.Append(s.Time)
	r.count++
	return nil
}

// Close implements Sink.  The buffers remain readable after close so a
// finished run can still be inspected.
func (r *Ring) Close() error { return nil }

// Count reports how many samples have been recorded over the life of the
// ring, including ones that have since been overwritten.
func (r *Ring) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Latest returns the most recent sample, or false if nothing has been
// recorded yet.
func (r *Ring) Latest() (session.Sample, bool) {
	all := r.Snapshot()
	if len(all) == 0 {
		return session.Sample{}, false
	}
	return all[len(all)-1], true
}

// Recent returns up to n samples ending with the most recent, oldest first.
func (r *Ring) Recent(n int) []session.Sample {
	all := r.Snapshot()
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all
}

// Snapshot returns everything currently buffered, oldest first.
func (r *Ring) Snapshot() []session.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return nil
	}
	vals := r.values.Contiguous()
	flags := r.valid.Contiguous()
	times := r.times.Contiguous()
	out := make([]session.Sample, len(vals))
	for i := range vals {
		out[i] = session.Sample{
			Time:  times[i],
			Value: vals[i],
			Valid: flags[i] != 0,
		}
	}
	return out
}
