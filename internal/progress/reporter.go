// Package progress renders byte counters as an overwritable status line and
// keeps a history of completion samples for the current session.
package progress

import (
	"fmt"
	"io"
	"math/bits"
	"sync"

	"github.com/fatih/color"
)

// MiB is the size at which counts switch from bytes to MiB.
const MiB = 1 << 20

// Sample is one recorded progress observation.
type Sample struct {
	Filename   string
	BytesSoFar int64
	BytesTotal int64
	Percent    int
}

// Reporter writes transient progress lines and records samples.
// It is safe for concurrent use.
type Reporter struct {
	mu      sync.Mutex
	out     io.Writer
	color   *color.Color
	samples []Sample
	dirty   bool
	// fresh forces the next Update to be recorded.
	fresh bool
}

// NewReporter returns a reporter writing to out. A nil out uses color.Output.
func NewReporter(out io.Writer) *Reporter {
	if out == nil {
		out = color.Output
	}
	return &Reporter{
		out:   out,
		color: color.New(color.FgCyan),
	}
}

// Percent returns floor(100*soFar/total) clamped to [0,100].
// It returns 0 when total is not positive.
func Percent(soFar, total int64) int {
	if total <= 0 || soFar <= 0 {
		return 0
	}
	if soFar >= total {
		return 100
	}
	hi, lo := bits.Mul64(uint64(soFar), 100)
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int(q)
}

// FormatSize renders n using the unit selected by total.
func FormatSize(n, total int64) string {
	if total >= MiB {
		return fmt.Sprintf("%.2f MiB", float64(n)/float64(MiB))
	}
	return fmt.Sprintf("%.2f B", float64(n))
}

// FormatLine returns the status line for one observation.
func FormatLine(filename string, soFar, total int64) string {
	return fmt.Sprintf("Transfer of %s is at %s/%s  (%d%%)",
		filename, FormatSize(soFar, total), FormatSize(total, total), Percent(soFar, total))
}

// Update renders the status line, overwriting the previous one, and records
// the sample. Within one transfer, repeated observations with an unchanged
// percent for the same file are displayed but not recorded, which bounds
// the history to 101 samples per transfer. The first observation after Done
// is always recorded.
func (r *Reporter) Update(filename string, soFar, total int64) Sample {
	s := Sample{
		Filename:   filename,
		BytesSoFar: soFar,
		BytesTotal: total,
		Percent:    Percent(soFar, total),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.samples); r.fresh || n == 0 || r.samples[n-1].Filename != filename || r.samples[n-1].Percent != s.Percent {
		r.samples = append(r.samples, s)
	}
	r.fresh = false
	r.color.Fprint(r.out, "\r"+FormatLine(filename, soFar, total))
	r.dirty = true
	return s
}

// Func binds filename and returns a callback suitable for transfer loops.
func (r *Reporter) Func(filename string) func(soFar, total int64) {
	return func(soFar, total int64) {
		r.Update(filename, soFar, total)
	}
}

// Done ends the current transfer: the status line is terminated so later
// output does not overwrite it, and the next Update starts a new record.
func (r *Reporter) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fresh = true
	if !r.dirty {
		return
	}
	fmt.Fprintln(r.out)
	r.dirty = false
}

// Samples returns a copy of the recorded history.
func (r *Reporter) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, len(r.samples))
	copy(out, r.samples)
	return out
}

// Percents returns the percent of every recorded sample for filename.
func (r *Reporter) Percents(filename string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, s := range r.samples {
		if s.Filename == filename {
			out = append(out, s.Percent)
		}
	}
	return out
}
