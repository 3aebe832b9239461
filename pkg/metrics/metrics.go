package metrics

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}

type summary struct {
	count    uint64
	sum      float64
	min, max float64
}

// Memory keeps the latest values in process and renders them as text.
type Memory struct {
	mu         sync.Mutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string]*summary
}

func NewMemory() *Memory {
	return &Memory{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*summary),
	}
}

func (m *Memory) IncCounter(name string, labels map[string]string, delta float64) {
	key := seriesKey(name, labels)
	m.mu.Lock()
	m.counters[key] += delta
	m.mu.Unlock()
}

func (m *Memory) SetGauge(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)
	m.mu.Lock()
	m.gauges[key] = value
	m.mu.Unlock()
}

func (m *Memory) ObserveHistogram(name string, labels map[string]string, value float64) {
	key := seriesKey(name, labels)
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.histograms[key]
	if !ok {
		s = &summary{min: math.Inf(1), max: math.Inf(-1)}
		m.histograms[key] = s
	}
	s.count++
	s.sum += value
	s.min = math.Min(s.min, value)
	s.max = math.Max(s.max, value)
}

// Counter returns the current value of a counter series.
func (m *Memory) Counter(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[seriesKey(name, labels)]
}

func (m *Memory) Gauge(name string, labels map[string]string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[seriesKey(name, labels)]
}

// WriteText renders all series sorted by key, one per line.
func (m *Memory) WriteText(w io.Writer) error {
	m.mu.Lock()
	lines := make([]string, 0, len(m.counters)+len(m.gauges)+len(m.histograms)*3)
	for k, v := range m.counters {
		lines = append(lines, fmt.Sprintf("%s %g", k, v))
	}
	for k, v := range m.gauges {
		lines = append(lines, fmt.Sprintf("%s %g", k, v))
	}
	for k, s := range m.histograms {
		lines = append(lines,
			fmt.Sprintf("%s_count %d", k, s.count),
			fmt.Sprintf("%s_sum %g", k, s.sum),
			fmt.Sprintf("%s_max %g", k, s.max),
		)
	}
	m.mu.Unlock()

	sort.Strings(lines)
	for _, l := range lines {
		if _, err := io.WriteString(w, l+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}
