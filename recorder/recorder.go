/*Package recorder persists acquisition samples.  A Sink receives every
sample a run produces, valid or not; the CSV sink is the durable record a
measurement session leaves behind, the Ring sink backs the live HTTP views,
and Tee fans one run out to both.
*/
package recorder

import (
	"io"

	"github.com/transport-lab/nanodaq/session"
	"go.uber.org/multierr"
)

// Sink consumes samples in acquisition order.
type Sink interface {
	Record(s session.Sample) error
	io.Closer
}

// Tee duplicates every sample to each member sink.
type Tee []Sink

// Record implements Sink.  All members see the sample even when an earlier
// one errors.
func (t Tee) Record(s session.Sample) error {
	var err error
	for _, snk := range t {
		err = multierr.Append(err, snk.Record(s))
	}
	return err
}

// Close implements Sink, closing every member.
func (t Tee) Close() error {
	var err error
	for _, snk := range t {
		err = multierr.Append(err, snk.Close())
	}
	return err
}
