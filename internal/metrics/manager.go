// Package metrics records timings, counters and success rates for the
// transcription pipeline. A Manager is constructed explicitly and passed to
// the components that report into it.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	maxSamples = 1000 // Keep last 1000 samples for percentile calculations
)

// Manager holds every metric, keyed by "topic/function".
type Manager struct {
	mu          sync.RWMutex
	timings     map[string]*TimingMetric
	counters    map[string]*CounterMetric
	successFail map[string]*SuccessFailMetric
}

// NewManager creates an empty metrics manager.
func NewManager() *Manager {
	return &Manager{
		timings:     make(map[string]*TimingMetric),
		counters:    make(map[string]*CounterMetric),
		successFail: make(map[string]*SuccessFailMetric),
	}
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// StartTimer begins timing an operation. Call the returned func to record it.
// A nil Manager returns a no-op, so components may run without metrics.
func (m *Manager) StartTimer(topic, function string) func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.RecordDuration(topic, function, time.Since(start))
	}
}

// RecordDuration records a duration directly
func (m *Manager) RecordDuration(topic, function string, duration time.Duration) {
	if m == nil {
		return
	}
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.timings[path]
	if !exists {
		metric = &TimingMetric{
			samples: make([]time.Duration, 0, 16),
			Min:     duration,
			Max:     duration,
		}
		m.timings[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.Total += duration
	metric.Last = duration
	if duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}

	if len(metric.samples) < maxSamples {
		metric.samples = append(metric.samples, duration)
	} else {
		metric.samples[metric.sampleIdx] = duration
		metric.sampleIdx = (metric.sampleIdx + 1) % maxSamples
	}
}

// IncrementCounter increments a counter by 1
func (m *Manager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

// AddCounter adds a value to a counter
func (m *Manager) AddCounter(topic, function string, delta int64) {
	if m == nil {
		return
	}
	path := buildPath(topic, function)

	m.mu.Lock()
	metric, exists := m.counters[path]
	if !exists {
		metric = &CounterMetric{}
		m.counters[path] = metric
	}
	m.mu.Unlock()

	metric.mu.Lock()
	metric.Value += delta
	metric.Last = time.Now()
	metric.mu.Unlock()
}

// RecordSuccess records a successful operation
func (m *Manager) RecordSuccess(topic, operation string) {
	if m == nil {
		return
	}
	metric := m.successFailMetric(buildPath(topic, operation))
	metric.mu.Lock()
	metric.Success++
	metric.LastSuccess = time.Now()
	metric.mu.Unlock()
}

// RecordFailure records a failed operation, optionally with a reason
func (m *Manager) RecordFailure(topic, operation, reason string) {
	if m == nil {
		return
	}
	metric := m.successFailMetric(buildPath(topic, operation))
	metric.mu.Lock()
	metric.Failures++
	metric.LastFailure = time.Now()
	if reason != "" {
		metric.FailureReasons[reason]++
	}
	metric.mu.Unlock()
}

func (m *Manager) successFailMetric(path string) *SuccessFailMetric {
	m.mu.Lock()
	defer m.mu.Unlock()
	metric, exists := m.successFail[path]
	if !exists {
		metric = &SuccessFailMetric{FailureReasons: make(map[string]int64)}
		m.successFail[path] = metric
	}
	return metric
}

// Snapshot returns every metric sorted by path.
func (m *Manager) Snapshot() []MetricSnapshot {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]MetricSnapshot, 0, len(m.timings)+len(m.counters)+len(m.successFail))

	for path, t := range m.timings {
		t.mu.RLock()
		snap := TimingSnapshot{
			Count:  t.Count,
			MinMs:  ms(t.Min),
			MaxMs:  ms(t.Max),
			LastMs: ms(t.Last),
			P95Ms:  calculatePercentile(t.samples, 95),
		}
		if t.Count > 0 {
			snap.AvgMs = ms(t.Total) / float64(t.Count)
		}
		t.mu.RUnlock()
		out = append(out, MetricSnapshot{Path: path, Type: TypeTiming, Data: snap})
	}

	for path, c := range m.counters {
		c.mu.RLock()
		out = append(out, MetricSnapshot{Path: path, Type: TypeCounter, Data: CounterSnapshot{Value: c.Value}})
		c.mu.RUnlock()
	}

	for path, sf := range m.successFail {
		sf.mu.RLock()
		snap := SuccessFailSnapshot{
			Success:  sf.Success,
			Failures: sf.Failures,
		}
		if total := sf.Success + sf.Failures; total > 0 {
			snap.SuccessRate = float64(sf.Success) / float64(total)
		}
		if len(sf.FailureReasons) > 0 {
			snap.FailureReasons = make(map[string]int64, len(sf.FailureReasons))
			for k, v := range sf.FailureReasons {
				snap.FailureReasons[k] = v
			}
		}
		sf.mu.RUnlock()
		out = append(out, MetricSnapshot{Path: path, Type: TypeSuccessFail, Data: snap})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Format renders a snapshot as aligned text lines.
func Format(snaps []MetricSnapshot) string {
	var b strings.Builder
	for _, s := range snaps {
		switch d := s.Data.(type) {
		case TimingSnapshot:
			fmt.Fprintf(&b, "%-40s count=%d avg=%.1fms min=%.1fms max=%.1fms p95=%.1fms\n",
				s.Path, d.Count, d.AvgMs, d.MinMs, d.MaxMs, d.P95Ms)
		case CounterSnapshot:
			fmt.Fprintf(&b, "%-40s value=%d\n", s.Path, d.Value)
		case SuccessFailSnapshot:
			fmt.Fprintf(&b, "%-40s ok=%d fail=%d rate=%.0f%%\n",
				s.Path, d.Success, d.Failures, d.SuccessRate*100)
		}
	}
	return b.String()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// calculatePercentile returns the given percentile of the samples in ms.
func calculatePercentile(samples []time.Duration, percentile int) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := (len(sorted) * percentile) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return ms(sorted[idx])
}
