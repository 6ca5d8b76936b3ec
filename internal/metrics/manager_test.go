package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestTimingSnapshot(t *testing.T) {
	m := NewManager()
	m.RecordDuration("inference", "local", 10*time.Millisecond)
	m.RecordDuration("inference", "local", 30*time.Millisecond)

	snaps := m.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	ts, ok := snaps[0].Data.(TimingSnapshot)
	if !ok {
		t.Fatalf("unexpected data type %T", snaps[0].Data)
	}
	if ts.Count != 2 {
		t.Errorf("count = %d, want 2", ts.Count)
	}
	if ts.AvgMs != 20 {
		t.Errorf("avg = %v, want 20", ts.AvgMs)
	}
	if ts.MinMs != 10 || ts.MaxMs != 30 {
		t.Errorf("min/max = %v/%v, want 10/30", ts.MinMs, ts.MaxMs)
	}
}

func TestSuccessFailAndCounters(t *testing.T) {
	m := NewManager()
	m.RecordSuccess("pipeline", "process")
	m.RecordFailure("pipeline", "process", "timeout")
	m.IncrementCounter("session", "started")
	m.AddCounter("session", "started", 2)

	out := Format(m.Snapshot())
	if !strings.Contains(out, "pipeline/process") || !strings.Contains(out, "rate=50%") {
		t.Errorf("unexpected format output:\n%s", out)
	}
	if !strings.Contains(out, "session/started") || !strings.Contains(out, "value=3") {
		t.Errorf("counter missing from output:\n%s", out)
	}
}

func TestNilManagerIsNoop(t *testing.T) {
	var m *Manager
	stop := m.StartTimer("x", "y")
	stop()
	m.RecordSuccess("x", "y")
	m.IncrementCounter("x", "y")
	if snaps := m.Snapshot(); snaps != nil {
		t.Errorf("nil manager snapshot = %v", snaps)
	}
}
