// Package latency accumulates one-way latency samples taken off dummy
// cover-traffic packets (spec §8: a dummy packet's payload is the sender's
// wall-clock time, so the receiver can diff against its own clock) and
// periodically flushes them to a CSV file, matching
// original_source/helpers/session.py's receiver() method, which batches
// exactly 2500 samples before appending a CSV row to latencies.txt.
package latency

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/btcsuite/btclog"
)

// flushEvery is the sample count that triggers a CSV append, per spec §8.
const flushEvery = 2500

// Tracker accumulates one-way latency samples and flushes them to disk in
// batches, printing a running mean each flush the way the teacher's
// per-subsystem loggers report periodic summaries.
type Tracker struct {
	mu      sync.Mutex
	path    string
	log     btclog.Logger
	samples []float64
	total   float64
	count   int64
}

// NewTracker builds a Tracker that appends batches to path.
func NewTracker(path string, log btclog.Logger) *Tracker {
	return &Tracker{
		path: path,
		log:  log,
	}
}

// Observe records one one-way latency sample, in seconds. When the batch
// reaches flushEvery samples it is appended to the CSV file and the
// running mean is logged.
func (t *Tracker) Observe(diffSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, diffSeconds)
	t.total += diffSeconds
	t.count++

	if len(t.samples) >= flushEvery {
		t.flushLocked()
	}
}

// Flush forces any buffered samples to disk, regardless of batch size.
// Intended for graceful shutdown.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) == 0 {
		return nil
	}
	return t.flushLocked()
}

func (t *Tracker) flushLocked() error {
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		if t.log != nil {
			t.log.Errorf("latency: opening %s: %v", t.path, err)
		}
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	row := make([]string, len(t.samples))
	for i, s := range t.samples {
		row[i] = strconv.FormatFloat(s, 'f', -1, 64)
	}
	if err := w.Write(row); err != nil {
		if t.log != nil {
			t.log.Errorf("latency: writing %s: %v", t.path, err)
		}
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	mean := t.total / float64(t.count)
	if t.log != nil {
		t.log.Infof("latency: mean one-way delay %s over %d samples", fmt.Sprintf("%.3fs", mean), t.count)
	}

	t.samples = t.samples[:0]
	return nil
}

// Mean returns the running mean across every sample observed so far,
// including ones already flushed.
func (t *Tracker) Mean() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return t.total / float64(t.count)
}
