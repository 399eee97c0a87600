package monitor

import "testing"

func scripted(m *HeapMonitor, inUseMB ...uint64) {
	i := 0
	m.read = func() Sample {
		s := Sample{InUse: inUseMB[i] * mb, Sys: inUseMB[i] * mb}
		i++
		return s
	}
}

func TestCheckFlagsConsecutiveGrowth(t *testing.T) {
	m := NewHeapMonitor(Config{})
	m.release = func() {}
	scripted(m, 100, 120, 140, 160, 161)

	want := []Verdict{
		{},
		{Grew: true},
		{Grew: true},
		{Grew: true, SuspectLeak: true},
		{},
	}
	for i, w := range want {
		if got := m.Check(); got != w {
			t.Errorf("sample %d verdict = %+v, want %+v", i, got, w)
		}
	}
}

func TestCheckResetsOnFlatSample(t *testing.T) {
	m := NewHeapMonitor(Config{ConsecutiveIncreases: 2})
	m.release = func() {}
	scripted(m, 100, 120, 121, 140)

	m.Check()
	m.Check()
	m.Check()
	if v := m.Check(); v.SuspectLeak {
		t.Error("a flat sample must reset the increase count")
	}
}

func TestCheckReleasesAboveThreshold(t *testing.T) {
	released := 0
	m := NewHeapMonitor(Config{GCThresholdMB: 50, MaxHeapMB: 60})
	m.release = func() { released++ }
	scripted(m, 40, 70)

	if v := m.Check(); v.ReleasedToOS || v.OverMax {
		t.Errorf("below thresholds verdict = %+v", v)
	}
	v := m.Check()
	if !v.ReleasedToOS || !v.OverMax {
		t.Errorf("above thresholds verdict = %+v", v)
	}
	if released != 1 {
		t.Errorf("released %d times, want 1", released)
	}
}
