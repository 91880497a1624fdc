// Package metrics collects the counters of a replay run, forwards them to an
// optional sink and produces the final report.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
)

// Metrics collects run counters. Counters are updated atomically; the
// per-operation breakdown is guarded by mu.
type Metrics struct {
	mu  sync.RWMutex
	ops map[string]*opStats

	processed int64 // Requests sent, successful or not
	failed    int64 // Requests whose final attempt failed
	corrupt   int64 // Lines that could not be decoded
	retries   int64 // Extra attempts after throttling
	skipped   int64 // Requests not sent because of dry run

	sink      Sink
	startTime time.Time
}

type opStats struct {
	count   int64
	errors  int64
	latency time.Duration
}

// NewMetrics creates a Metrics instance. A nil sink is replaced by NoopSink.
func NewMetrics(sink Sink) *Metrics {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Metrics{
		ops:       make(map[string]*opStats),
		sink:      sink,
		startTime: time.Now(),
	}
}

// RecordRequest counts one sent request of op that took d. A non-empty
// errName marks it failed and is sent to the sink as a tag.
func (m *Metrics) RecordRequest(op string, d time.Duration, errName string) {
	atomic.AddInt64(&m.processed, 1)
	failed := errName != ""
	if failed {
		atomic.AddInt64(&m.failed, 1)
	}

	m.mu.Lock()
	s, ok := m.ops[op]
	if !ok {
		s = &opStats{}
		m.ops[op] = s
	}
	s.count++
	s.latency += d
	if failed {
		s.errors++
	}
	m.mu.Unlock()

	tags := []string{"op:" + op}
	_ = m.sink.Histogram("request.latency_ms", float64(d.Microseconds())/1000, tags)
	if failed {
		_ = m.sink.Count("request.errors", 1, append(tags, "error:"+errName))
		return
	}
	_ = m.sink.Count("request.ok", 1, tags)
}

// RecordRetry counts one retry of op.
func (m *Metrics) RecordRetry(op string) {
	atomic.AddInt64(&m.retries, 1)
	_ = m.sink.Count("request.retries", 1, []string{"op:" + op})
}

// RecordCorrupt counts one undecodable line.
func (m *Metrics) RecordCorrupt() {
	atomic.AddInt64(&m.corrupt, 1)
	_ = m.sink.Count("request.corrupt", 1, nil)
}

// RecordSkipped counts one request not sent because of dry run.
func (m *Metrics) RecordSkipped(op string) {
	atomic.AddInt64(&m.skipped, 1)
	_ = m.sink.Count("request.skipped", 1, []string{"op:" + op})
}

// Processed returns the number of requests sent so far.
func (m *Metrics) Processed() int64 {
	return atomic.LoadInt64(&m.processed)
}

// Corrupt returns the number of undecodable lines so far.
func (m *Metrics) Corrupt() int64 {
	return atomic.LoadInt64(&m.corrupt)
}

// Close flushes and releases the sink.
func (m *Metrics) Close() error {
	return m.sink.Close()
}

// OpReport is the breakdown for one operation.
type OpReport struct {
	Count      int64         `json:"count"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avgLatency"`
}

// MarshalJSON renders the latency as a duration string.
func (o OpReport) MarshalJSON() ([]byte, error) {
	type Alias OpReport
	return json.Marshal(&struct {
		Alias
		AvgLatency string `json:"avgLatency"`
	}{
		Alias:      Alias(o),
		AvgLatency: o.AvgLatency.String(),
	})
}

// Report is the final summary printed to the console and uploaded as JSON.
type Report struct {
	RunID        string              `json:"runId"`
	StartTime    time.Time           `json:"startTime"`
	EndTime      time.Time           `json:"endTime"`
	Processed    int64               `json:"processed"`
	Failed       int64               `json:"failed"`
	CorruptCount int64               `json:"corruptCount"`
	Retries      int64               `json:"retries"`
	Skipped      int64               `json:"skipped"`
	Duration     time.Duration       `json:"duration"`
	Throughput   float64             `json:"throughput"`
	Operations   map[string]OpReport `json:"operations"`
}

// GenerateReport snapshots the counters.
func (m *Metrics) GenerateReport(runID string) Report {
	endTime := time.Now()
	duration := endTime.Sub(m.startTime)
	processed := atomic.LoadInt64(&m.processed)

	var throughput float64
	if duration > 0 {
		throughput = float64(processed) / duration.Seconds()
	}

	m.mu.RLock()
	ops := make(map[string]OpReport, len(m.ops))
	for name, s := range m.ops {
		r := OpReport{Count: s.count, Errors: s.errors}
		if s.count > 0 {
			r.AvgLatency = s.latency / time.Duration(s.count)
		}
		ops[name] = r
	}
	m.mu.RUnlock()

	return Report{
		RunID:        runID,
		StartTime:    m.startTime,
		EndTime:      endTime,
		Processed:    processed,
		Failed:       atomic.LoadInt64(&m.failed),
		CorruptCount: atomic.LoadInt64(&m.corrupt),
		Retries:      atomic.LoadInt64(&m.retries),
		Skipped:      atomic.LoadInt64(&m.skipped),
		Duration:     duration,
		Throughput:   throughput,
		Operations:   ops,
	}
}

// MarshalJSON renders the duration as a string.
func (r Report) MarshalJSON() ([]byte, error) {
	type Alias Report
	return json.Marshal(&struct {
		Alias
		Duration string `json:"duration"`
	}{
		Alias:    Alias(r),
		Duration: r.Duration.String(),
	})
}

// String returns a human-readable representation for console output.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replay %s completed in %s\n", r.RunID, r.Duration)
	fmt.Fprintf(&b, "Requests: %d (failed %d, retries %d, skipped %d)\n", r.Processed, r.Failed, r.Retries, r.Skipped)
	fmt.Fprintf(&b, "Corrupt lines: %d\n", r.CorruptCount)
	fmt.Fprintf(&b, "Throughput: %.2f requests/sec", r.Throughput)

	names := make([]string, 0, len(r.Operations))
	for name := range r.Operations {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		op := r.Operations[name]
		fmt.Fprintf(&b, "\n  %-22s %6d requests, %d errors, avg %s", name, op.Count, op.Errors, op.AvgLatency)
	}
	return b.String()
}
