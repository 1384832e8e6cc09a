package recorder

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/transport-lab/nanodaq/session"
)

// CSV writes one row per sample: RFC3339Nano timestamp, the value in
// exponential notation, and the validity flag.  Invalid samples keep their
// row with an empty value column so gaps in a run stay visible in the file.
type CSV struct {
	w      *csv.Writer
	closer io.Closer
	closed bool
}

// NewCSV wraps an open writer and emits the header row.  If w is also an
// io.Closer it is closed with the sink.
func NewCSV(w io.Writer) (*CSV, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"time", "value", "valid"}); err != nil {
		return nil, err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, err
	}
	c := &CSV{w: cw}
	if cl, ok := w.(io.Closer); ok {
		c.closer = cl
	}
	return c, nil
}

// NewCSVFile creates path, truncating any previous file, and returns a CSV
// sink over it.
func NewCSVFile(path string) (*CSV, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	c, err := NewCSV(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Record implements Sink.  Every row is flushed through to the underlying
// writer so an interrupted run keeps everything acquired before the
// interruption.
func (c *CSV) Record(s session.Sample) error {
	if c.closed {
		return os.ErrClosed
	}
	value := ""
	if s.Valid {
		value = strconv.FormatFloat(s.Value, 'E', -1, 64)
	}
	row := []string{
		s.Time.Format(time.RFC3339Nano),
		value,
		strconv.FormatBool(s.Valid),
	}
	if err := c.w.Write(row); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Close implements Sink.  Idempotent.
func (c *CSV) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.w.Flush()
	err := c.w.Error()
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
