package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// BatchProgress displays progress while batch windows are worked off a queue
type BatchProgress struct {
	bar       *pb.ProgressBar
	quiet     bool
	out       io.Writer
	startTime time.Time
	total     int64
	processed int64
	failed    int64
	mutex     sync.RWMutex
}

// BatchSummary contains final statistics for a queue run
type BatchSummary struct {
	Total     int64
	Processed int64
	Failed    int64
	Elapsed   time.Duration
	// PerSecond is the rate of successfully processed windows
	PerSecond float64
}

// NewBatchProgress creates a tracker for total windows. A quiet tracker
// only counts.
func NewBatchProgress(total int64, quiet bool) *BatchProgress {
	return NewBatchProgressWithOutput(total, quiet, os.Stderr)
}

// NewBatchProgressWithOutput is NewBatchProgress writing to out
func NewBatchProgressWithOutput(total int64, quiet bool, out io.Writer) *BatchProgress {
	tracker := &BatchProgress{
		quiet:     quiet,
		out:       out,
		startTime: time.Now(),
		total:     total,
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{string . "failed"}} {{rtime . "ETA %s"}}`
		bar := pb.New64(total).SetTemplate(pb.ProgressBarTemplate(tmpl)).SetWriter(out)
		bar.Set("prefix", "Importing windows: ")
		bar.Set("failed", "failed: 0")
		tracker.bar = bar.Start()
	}

	return tracker
}

// Add records the outcome of one window
func (p *BatchProgress) Add(ok bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if ok {
		p.processed++
	} else {
		p.failed++
	}

	if p.bar != nil {
		p.bar.SetCurrent(p.processed + p.failed)
		p.bar.Set("failed", fmt.Sprintf("failed: %d", p.failed))
	}
}

// Finish completes the progress bar and returns the run summary
func (p *BatchProgress) Finish() *BatchSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	elapsed := time.Since(p.startTime)

	if p.bar != nil {
		p.bar.Finish()
	}

	summary := &BatchSummary{
		Total:     p.total,
		Processed: p.processed,
		Failed:    p.failed,
		Elapsed:   elapsed,
	}
	if elapsed > 0 {
		summary.PerSecond = float64(p.processed) / elapsed.Seconds()
	}

	if !p.quiet {
		p.displaySummary(summary)
	}

	return summary
}

// displaySummary prints the queue run statistics
func (p *BatchProgress) displaySummary(summary *BatchSummary) {
	fmt.Fprintf(p.out, "\n")
	fmt.Fprintf(p.out, "Processed %d of %d windows\n", summary.Processed, summary.Total)
	if summary.Failed > 0 {
		fmt.Fprintf(p.out, "Failed: %d (left queued for redelivery)\n", summary.Failed)
	}
	fmt.Fprintf(p.out, "Total time: %v\n", summary.Elapsed.Round(time.Millisecond))
}

// Stats returns the current counters and completion percentage
func (p *BatchProgress) Stats() (processed, failed int64, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.total > 0 {
		percentage = float64(p.processed+p.failed) / float64(p.total) * 100
	}
	return p.processed, p.failed, percentage
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *BatchProgress) IsQuiet() bool {
	return p.quiet
}
