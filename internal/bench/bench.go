// Package bench drives a concurrent synthesis load test against a
// Dispatcher and reports latency percentiles and success rate, per
// SPEC_FULL §12's bench command. Adapted from the teacher's
// internal/bench/bench.go (Stats/ComputeStats, FormatTable/FormatJSON
// shape); the RTF/audio-duration concept the teacher measured does not
// apply here since the Dispatcher's caller never sees raw audio — only
// the file path a worker wrote to — so this package measures latency
// and success instead.
package bench

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ttsworkerd/internal/dispatcher"
)

// Dispatcher is the subset of *dispatcher.Dispatcher the bench harness
// needs, kept narrow so it can be driven against a fake in tests.
type Dispatcher interface {
	Synthesize(ctx context.Context, req dispatcher.SynthesisRequest) (dispatcher.SynthesisResult, error)
}

// RunResult holds the outcome of a single synthesis call.
type RunResult struct {
	Index     int
	Success   bool
	Duration  time.Duration
	ErrorKind string
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	SuccessRate float64
}

// Options configures a Run.
type Options struct {
	Text        string
	Voice       string
	Requests    int
	Concurrency int
	Timeout     time.Duration
}

// Run issues Options.Requests calls to d.Synthesize across
// Options.Concurrency goroutines and returns one RunResult per call, in
// request order (results[i].Index == i), whatever order the calls
// complete in.
func Run(ctx context.Context, d Dispatcher, opts Options) []RunResult {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	jobs := make(chan int, opts.Requests)
	for i := 0; i < opts.Requests; i++ {
		jobs <- i
	}
	close(jobs)

	results := make([]RunResult, opts.Requests)

	var wg sync.WaitGroup
	for w := 0; w < opts.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = runOne(ctx, d, opts, idx)
			}
		}()
	}
	wg.Wait()

	return results
}

func runOne(ctx context.Context, d Dispatcher, opts Options, idx int) RunResult {
	reqCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	req := dispatcher.SynthesisRequest{
		RequestID: uuid.NewString(),
		Text:      opts.Text,
		Voice:     opts.Voice,
	}

	start := time.Now()
	result, err := d.Synthesize(reqCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		return RunResult{Index: idx, Success: false, Duration: elapsed, ErrorKind: err.Error()}
	}
	if !result.Success {
		kind := "unknown"
		if result.Error != nil {
			kind = string(result.Error.Kind)
		}
		return RunResult{Index: idx, Success: false, Duration: elapsed, ErrorKind: kind}
	}

	return RunResult{Index: idx, Success: true, Duration: elapsed}
}

// ComputeStats calculates min/max/mean/percentiles and success rate
// across a slice of RunResults. The slice must be non-empty.
func ComputeStats(runs []RunResult) Stats {
	if len(runs) == 0 {
		return Stats{}
	}

	durations := make([]time.Duration, len(runs))
	var successCount int
	var sum time.Duration
	for i, r := range runs {
		durations[i] = r.Duration
		sum += r.Duration
		if r.Success {
			successCount++
		}
	}

	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	return Stats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        sum / time.Duration(len(durations)),
		P50:         percentile(sorted, 0.50),
		P95:         percentile(sorted, 0.95),
		P99:         percentile(sorted, 0.99),
		SuccessRate: float64(successCount) / float64(len(runs)),
	}
}

// percentile returns the p-th percentile (0 < p <= 1) of a pre-sorted
// slice, linearly interpolating between the two samples around rank
// p*(n-1).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-7s  %10s  %9s\n", "Run", "Success", "MS", "Error")
	fmt.Fprintln(sb, strings.Repeat("-", 42))

	for _, r := range runs {
		success := "yes"
		if !r.Success {
			success = "no"
		}
		fmt.Fprintf(sb, "%-5d  %-7s  %10.1f  %9s\n",
			r.Index+1, success, float64(r.Duration.Milliseconds()), r.ErrorKind)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 42))
	fmt.Fprintf(sb, "min=%.1fms  mean=%.1fms  max=%.1fms  p50=%.1fms  p95=%.1fms  p99=%.1fms  success_rate=%.1f%%\n",
		float64(stats.Min.Milliseconds()),
		float64(stats.Mean.Milliseconds()),
		float64(stats.Max.Milliseconds()),
		float64(stats.P50.Milliseconds()),
		float64(stats.P95.Milliseconds()),
		float64(stats.P99.Milliseconds()),
		stats.SuccessRate*100,
	)

	fmt.Fprint(w, sb.String())
}

// jsonReport is the top-level JSON structure emitted by FormatJSON.
type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Success    bool    `json:"success"`
	DurationMS float64 `json:"duration_ms"`
	ErrorKind  string  `json:"error_kind,omitempty"`
}

type jsonStats struct {
	MinMS       float64 `json:"min_ms"`
	MeanMS      float64 `json:"mean_ms"`
	MaxMS       float64 `json:"max_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	SuccessRate float64 `json:"success_rate"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:       float64(stats.Min.Milliseconds()),
			MeanMS:      float64(stats.Mean.Milliseconds()),
			MaxMS:       float64(stats.Max.Milliseconds()),
			P50MS:       float64(stats.P50.Milliseconds()),
			P95MS:       float64(stats.P95.Milliseconds()),
			P99MS:       float64(stats.P99.Milliseconds()),
			SuccessRate: stats.SuccessRate,
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Success:    r.Success,
			DurationMS: float64(r.Duration.Milliseconds()),
			ErrorKind:  r.ErrorKind,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
