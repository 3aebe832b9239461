package metrics

import (
	"strings"
	"testing"
)

func TestMemoryCounters(t *testing.T) {
	m := NewMemory()
	m.IncCounter("registrations_total", map[string]string{"outcome": "joined"}, 1)
	m.IncCounter("registrations_total", map[string]string{"outcome": "joined"}, 2)
	m.IncCounter("registrations_total", map[string]string{"outcome": "heartbeat"}, 1)
	m.SetGauge("servers", map[string]string{"state": "active"}, 4)
	m.ObserveHistogram("sweep_seconds", nil, 0.5)
	m.ObserveHistogram("sweep_seconds", nil, 1.5)

	if got := m.Counter("registrations_total", map[string]string{"outcome": "joined"}); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
	if got := m.Gauge("servers", map[string]string{"state": "active"}); got != 4 {
		t.Fatalf("expected 4, got %v", got)
	}

	var sb strings.Builder
	if err := m.WriteText(&sb); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := sb.String()
	for _, want := range []string{
		`registrations_total{outcome="joined"} 3`,
		`registrations_total{outcome="heartbeat"} 1`,
		`servers{state="active"} 4`,
		`sweep_seconds_count 2`,
		`sweep_seconds_sum 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
