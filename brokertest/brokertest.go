// Package brokertest provides stress testing for sink connections.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"daqlink/sink"
	"daqlink/tag"
)

// TestConfig holds configuration for the sink stress test.
type TestConfig struct {
	// Duration is how long to run each test
	Duration time.Duration
	// NumTags is the number of simulated tags per equipment
	NumTags int
	// NumEquipment is the number of simulated equipment
	NumEquipment int
	// Workers is the number of concurrent publishers per sink
	Workers int
}

// DefaultTestConfig returns sensible defaults for stress testing.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration:     10 * time.Second,
		NumTags:      100,
		NumEquipment: 50,
		Workers:      4,
	}
}

// TestResult holds the results from one sink stress test.
type TestResult struct {
	Sink         string
	Duration     time.Duration
	MessagesSent int64
	Errors       int64
	Throughput   float64 // messages per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MaxLatency   time.Duration
	Success      bool
	Error        error
}

// errNoValues is reported for backends that only accept filter records.
var errNoValues = errors.New("sink does not accept values")

// Runner executes sink stress tests.
type Runner struct {
	backends []sink.Backend
	testCfg  TestConfig
	out      io.Writer
	results  []TestResult
}

// NewRunner creates a new stress test runner. Progress and the final report
// are written to out.
func NewRunner(backends []sink.Backend, testCfg TestConfig, out io.Writer) *Runner {
	if testCfg.Workers <= 0 {
		testCfg.Workers = 1
	}
	if testCfg.NumTags <= 0 {
		testCfg.NumTags = 1
	}
	if testCfg.NumEquipment <= 0 {
		testCfg.NumEquipment = 1
	}
	return &Runner{
		backends: backends,
		testCfg:  testCfg,
		out:      out,
	}
}

// Run stress tests every backend in turn and prints the report.
func (r *Runner) Run(ctx context.Context) []TestResult {
	r.printHeader()
	for _, b := range r.backends {
		r.results = append(r.results, r.testBackend(ctx, b))
	}
	r.printReport()
	return r.results
}

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  SINK STRESS TEST")
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "    Duration:            %v\n", r.testCfg.Duration)
	fmt.Fprintf(r.out, "    Simulated equipment: %d\n", r.testCfg.NumEquipment)
	fmt.Fprintf(r.out, "    Tags per equipment:  %d\n", r.testCfg.NumTags)
	fmt.Fprintf(r.out, "    Workers per sink:    %d\n", r.testCfg.Workers)
	fmt.Fprintln(r.out)
}

// testBackend connects b, floods it with values and closes it again.
func (r *Runner) testBackend(ctx context.Context, b sink.Backend) TestResult {
	result := TestResult{Sink: b.Name()}
	fmt.Fprintf(r.out, "  Testing: %s ... ", b.Name())

	p, ok := b.(sink.ValuePublisher)
	if !ok {
		result.Error = errNoValues
		fmt.Fprintf(r.out, "SKIPPED\n")
		return result
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := b.Connect(connectCtx)
	cancel()
	if err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		fmt.Fprintf(r.out, "FAILED - %v\n", result.Error)
		return result
	}
	defer b.Close()

	result = r.runStress(ctx, p, result)
	if result.Success {
		fmt.Fprintf(r.out, "DONE\n")
	} else {
		fmt.Fprintf(r.out, "FAILED\n")
	}
	return result
}

// runStress publishes random values from several workers until the test
// duration elapses or ctx is cancelled.
func (r *Runner) runStress(ctx context.Context, p sink.ValuePublisher, result TestResult) TestResult {
	var sent, failed int64
	latencies := make([]time.Duration, 0, 10000)
	var latencyMu sync.Mutex

	stressCtx, cancel := context.WithTimeout(ctx, r.testCfg.Duration)
	defer cancel()

	startTime := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < r.testCfg.Workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			local := make([]time.Duration, 0, 1000)
			defer func() {
				latencyMu.Lock()
				latencies = append(latencies, local...)
				latencyMu.Unlock()
			}()

			for stressCtx.Err() == nil {
				v := r.randomValue(rnd)

				// Publishes may outlive the test deadline.
				msgCtx, msgCancel := context.WithTimeout(ctx, 30*time.Second)
				msgStart := time.Now()
				err := p.PublishValue(msgCtx, v)
				latency := time.Since(msgStart)
				msgCancel()

				if err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&sent, 1)
				local = append(local, latency)
			}
		}(time.Now().UnixNano() + int64(w))
	}
	wg.Wait()

	result.Duration = time.Since(startTime)
	result.MessagesSent = sent
	result.Errors = failed
	if secs := result.Duration.Seconds(); secs > 0 {
		result.Throughput = float64(sent) / secs
	}

	// Consider success if error rate is < 1%
	if total := sent + failed; total > 0 {
		result.Success = sent > 0 && float64(failed)/float64(total) < 0.01
	}

	if len(latencies) > 0 {
		result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	}
	return result
}

func (r *Runner) randomValue(rnd *rand.Rand) tag.Value {
	eq := rnd.Intn(r.testCfg.NumEquipment)
	id := int64(rnd.Intn(r.testCfg.NumTags) + 1)
	now := time.Now()
	return tag.Value{
		TagID:           id,
		TagName:         fmt.Sprintf("stress.tag%d", id),
		Equipment:       fmt.Sprintf("stress-%d", eq),
		Value:           rnd.Float64() * 1000,
		Quality:         tag.NewQuality(tag.QualityOK, ""),
		SourceTimestamp: now,
		DAQTimestamp:    now,
		Priority:        tag.PriorityMedium,
		Kind:            tag.KindTag,
	}
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]

	return
}

// printReport prints a formatted summary report.
func (r *Runner) printReport() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  TEST RESULTS")
	fmt.Fprintln(r.out)

	if len(r.results) == 0 {
		fmt.Fprintln(r.out, "  No enabled sinks found in configuration.")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintf(r.out, "  %-24s %16s %14s  %s\n", "Sink", "Throughput", "Messages", "Status")

	passed, failed := 0, 0
	for _, result := range r.results {
		status := "PASS"
		if result.Success {
			passed++
		} else {
			status = "FAIL"
			failed++
		}
		name := result.Sink
		if len(name) > 24 {
			name = name[:24]
		}
		throughput := fmt.Sprintf("%.0f msg/s", result.Throughput)
		fmt.Fprintf(r.out, "  %-24s %16s %14d  %s\n", name, throughput, result.MessagesSent, status)
	}
	fmt.Fprintln(r.out)

	for _, result := range r.results {
		if result.Error != nil {
			continue
		}
		fmt.Fprintf(r.out, "  %s:\n", result.Sink)
		fmt.Fprintf(r.out, "    Duration:   %v\n", result.Duration.Round(time.Millisecond))
		fmt.Fprintf(r.out, "    Messages:   %d sent, %d errors\n", result.MessagesSent, result.Errors)
		fmt.Fprintf(r.out, "    Throughput: %.1f msg/s\n", result.Throughput)
		if result.AvgLatency > 0 {
			fmt.Fprintf(r.out, "    Latency:    avg: %v, p50: %v, p95: %v, p99: %v, max: %v\n",
				result.AvgLatency.Round(time.Microsecond),
				result.P50Latency.Round(time.Microsecond),
				result.P95Latency.Round(time.Microsecond),
				result.P99Latency.Round(time.Microsecond),
				result.MaxLatency.Round(time.Microsecond))
		}
		fmt.Fprintln(r.out)
	}

	fmt.Fprintf(r.out, "  Summary: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		fmt.Fprintln(r.out, "  FAILED TESTS:")
		for _, result := range r.results {
			if result.Success {
				continue
			}
			errMsg := "no messages sent"
			if result.Error != nil {
				errMsg = result.Error.Error()
			} else if result.Errors > 0 {
				errMsg = fmt.Sprintf("%d publish errors", result.Errors)
			}
			fmt.Fprintf(r.out, "    - %s: %s\n", result.Sink, errMsg)
		}
	}
	fmt.Fprintln(r.out)
}
