// Package progress renders indexing progress on a terminal.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/johndauphine/catalog-etl/internal/etl"
)

// Tracker counts committed chunks and shows a spinner with the number of
// documents loaded. It implements etl.Observer.
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	docs      atomic.Int64
	rows      atomic.Int64
	chunks    atomic.Int64
	startTime time.Time
}

var _ etl.Observer = (*Tracker)(nil)

// New creates a tracker writing to stderr.
func New() *Tracker {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a tracker writing to w.
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{
		out:       w,
		startTime: time.Now(),
		bar: progressbar.NewOptions64(
			-1,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("Indexing"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("docs"),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetRenderBlankState(true),
		),
	}
}

// ChunkCommitted advances the spinner by the chunk's document count.
func (t *Tracker) ChunkCommitted(ev etl.ChunkEvent) {
	t.chunks.Add(1)
	t.rows.Add(int64(ev.Rows))
	t.docs.Add(int64(ev.Documents))
	t.bar.Describe(fmt.Sprintf("Indexing %s", ev.Table))
	t.bar.Add64(int64(ev.Documents))
}

// Documents returns the number of documents seen so far.
func (t *Tracker) Documents() int64 {
	return t.docs.Load()
}

// Chunks returns the number of committed chunks seen so far.
func (t *Tracker) Chunks() int64 {
	return t.chunks.Load()
}

// Finish stops the spinner and prints a summary line.
func (t *Tracker) Finish() {
	t.bar.Finish()

	elapsed := time.Since(t.startTime)
	docsPerSec := float64(t.docs.Load()) / elapsed.Seconds()

	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "Indexed %d documents from %d rows in %d chunks in %s (%.0f docs/sec)\n",
		t.docs.Load(), t.rows.Load(), t.chunks.Load(), elapsed.Round(time.Millisecond), docsPerSec)
}
