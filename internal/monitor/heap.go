// Package monitor watches heap growth and releases memory above a threshold.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/ashureev/wa-scheduler/internal/telemetry"
)

const mb = 1 << 20

// Config tunes the heap monitor.
type Config struct {
	Interval time.Duration
	// GrowthThreshold is the fractional growth between samples that counts as
	// an increase.
	GrowthThreshold float64
	// ConsecutiveIncreases reports a suspected leak after this many increases
	// in a row.
	ConsecutiveIncreases int
	MaxHeapMB            uint64
	GCThresholdMB        uint64
}

// DefaultConfig returns the defaults: 5 minute samples, 10% growth, 3
// increases, 512 MB ceiling and a 256 MB release threshold.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Minute,
		GrowthThreshold:      0.1,
		ConsecutiveIncreases: 3,
		MaxHeapMB:            512,
		GCThresholdMB:        256,
	}
}

// Sample is one heap reading.
type Sample struct {
	InUse uint64
	Sys   uint64
}

// Verdict is what one Check concluded.
type Verdict struct {
	Grew         bool
	SuspectLeak  bool
	OverMax      bool
	ReleasedToOS bool
}

// HeapMonitor samples the Go heap on an interval.
type HeapMonitor struct {
	cfg     Config
	read    func() Sample
	release func()

	last      uint64
	increases int
}

// NewHeapMonitor returns a monitor reading runtime memory stats.
func NewHeapMonitor(cfg Config) *HeapMonitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.GrowthThreshold <= 0 {
		cfg.GrowthThreshold = def.GrowthThreshold
	}
	if cfg.ConsecutiveIncreases <= 0 {
		cfg.ConsecutiveIncreases = def.ConsecutiveIncreases
	}
	if cfg.MaxHeapMB == 0 {
		cfg.MaxHeapMB = def.MaxHeapMB
	}
	if cfg.GCThresholdMB == 0 {
		cfg.GCThresholdMB = def.GCThresholdMB
	}
	return &HeapMonitor{cfg: cfg, read: readRuntime, release: debug.FreeOSMemory}
}

func readRuntime() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{InUse: ms.HeapInuse, Sys: ms.HeapSys}
}

// Start samples every interval until ctx is done.
func (m *HeapMonitor) Start(ctx context.Context) {
	slog.Info("Heap monitor started", "interval", m.cfg.Interval, "max_heap_mb", m.cfg.MaxHeapMB)
	go func() {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("Heap monitor stopped")
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// Check takes one sample and acts on it. It is not safe for concurrent use.
func (m *HeapMonitor) Check() Verdict {
	s := m.read()
	telemetry.HeapInUseBytes.Set(float64(s.InUse))
	slog.Info("Heap usage", "in_use_mb", s.InUse/mb, "sys_mb", s.Sys/mb)

	var v Verdict
	if m.last > 0 && float64(s.InUse) > float64(m.last)*(1+m.cfg.GrowthThreshold) {
		v.Grew = true
		m.increases++
		slog.Warn("Heap usage grew", "in_use_mb", s.InUse/mb, "previous_mb", m.last/mb, "increases", m.increases)
		if m.increases >= m.cfg.ConsecutiveIncreases {
			v.SuspectLeak = true
			slog.Error("Potential memory leak detected", "increases", m.increases, "in_use_mb", s.InUse/mb)
		}
	} else {
		m.increases = 0
	}
	m.last = s.InUse

	if s.Sys > m.cfg.MaxHeapMB*mb {
		v.OverMax = true
		slog.Error("Heap size exceeds maximum", "sys_mb", s.Sys/mb, "max_mb", m.cfg.MaxHeapMB)
	}
	if s.InUse > m.cfg.GCThresholdMB*mb {
		v.ReleasedToOS = true
		slog.Warn("Heap usage above release threshold, freeing memory", "in_use_mb", s.InUse/mb, "threshold_mb", m.cfg.GCThresholdMB)
		m.release()
	}
	return v
}
