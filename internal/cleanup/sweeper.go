// Package cleanup bounds the number of resident sessions and reclaims idle
// ones.
package cleanup

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/telemetry"
)

// Sessions is the part of the session manager the sweeper drives.
type Sessions interface {
	Snapshot() []domain.SessionInfo
	// EvictIf removes the session only if its heartbeat still equals
	// observedHeartbeat, and reports whether it did.
	EvictIf(ctx context.Context, userID string, observedHeartbeat time.Time) (bool, error)
}

// Pruner deletes persisted session rows that outlived their sessions.
type Pruner interface {
	PruneSessionStates(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config sets sweep cadence and eviction policy.
type Config struct {
	Interval          time.Duration
	ReportInterval    time.Duration
	AuthenticatedIdle time.Duration
	PairingIdle       time.Duration
	MaxSessions       int
	// RowRetention is how long a stored row may go without activity before it
	// is pruned. Zero disables pruning.
	RowRetention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Minute,
		ReportInterval:    time.Hour,
		AuthenticatedIdle: 48 * time.Hour,
		PairingIdle:       30 * time.Minute,
		MaxSessions:       10,
		RowRetention:      7 * 24 * time.Hour,
	}
}

// EvictCallback is called after a session is evicted.
type EvictCallback func(userID string)

// Sweeper evicts sessions on a fixed interval.
type Sweeper struct {
	sessions Sessions
	pruner   Pruner
	cfg      Config
	now      func() time.Time
	onEvict  EvictCallback
}

// NewSweeper returns a sweeper. pruner and onEvict may be nil.
func NewSweeper(sessions Sessions, pruner Pruner, cfg Config, onEvict EvictCallback) *Sweeper {
	return &Sweeper{sessions: sessions, pruner: pruner, cfg: cfg, now: time.Now, onEvict: onEvict}
}

// SweepResult counts the outcome of one sweep.
type SweepResult struct {
	Evicted int
	Failed  int
	// Skipped counts sessions that changed after the snapshot was taken.
	Skipped int
}

// Report is an aggregate view of resident sessions.
type Report struct {
	Total    int
	Active   int
	Inactive int
}

// Start runs sweeps and reports in a background goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	sweepTicker := time.NewTicker(s.cfg.Interval)
	reportTicker := time.NewTicker(s.cfg.ReportInterval)
	go func() {
		defer sweepTicker.Stop()
		defer reportTicker.Stop()
		slog.Info("Session cleanup started",
			"interval", s.cfg.Interval,
			"report_interval", s.cfg.ReportInterval,
			"max_sessions", s.cfg.MaxSessions)

		for {
			select {
			case <-sweepTicker.C:
				s.Sweep(ctx)
			case <-reportTicker.C:
				r := s.Report()
				slog.Info("Session report", "total", r.Total, "active", r.Active, "inactive", r.Inactive)
			case <-ctx.Done():
				slog.Info("Session cleanup shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Sweeper) threshold(st domain.SessionState) time.Duration {
	if st.IsAuthenticated {
		return s.cfg.AuthenticatedIdle
	}
	return s.cfg.PairingIdle
}

func (s *Sweeper) isIdle(st domain.SessionState, now time.Time) bool {
	return st.IdleFor(now) > s.threshold(st)
}

// Sweep walks sessions from the oldest heartbeat. A session is evicted when it
// is idle beyond its threshold or while the resident count is above the cap.
// Failed evictions are logged and do not lower the count. A session touched
// after the snapshot is left alone.
func (s *Sweeper) Sweep(ctx context.Context) SweepResult {
	now := s.now()
	sessions := s.sessions.Snapshot()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].State.LastHeartbeat.Before(sessions[j].State.LastHeartbeat)
	})

	var res SweepResult
	count := len(sessions)
	for _, info := range sessions {
		idle := s.isIdle(info.State, now)
		overCap := s.cfg.MaxSessions > 0 && count > s.cfg.MaxSessions
		if !idle && !overCap {
			continue
		}

		reason := "idle"
		if !idle {
			reason = "capacity"
		}
		evicted, err := s.sessions.EvictIf(ctx, info.UserID, info.State.LastHeartbeat)
		if err != nil {
			res.Failed++
			telemetry.SessionEvictions.WithLabelValues("failed").Inc()
			slog.Error("Failed to evict session", "user_id", info.UserID, "reason", reason, "error", err)
			continue
		}
		if !evicted {
			res.Skipped++
			slog.Debug("Session changed since snapshot, not evicting", "user_id", info.UserID)
			continue
		}

		count--
		res.Evicted++
		telemetry.SessionEvictions.WithLabelValues(reason).Inc()
		slog.Info("Session evicted",
			"user_id", info.UserID,
			"reason", reason,
			"idle", info.State.IdleFor(now).Round(time.Second),
			"authenticated", info.State.IsAuthenticated)
		if s.onEvict != nil {
			s.onEvict(info.UserID)
		}
	}

	if s.pruner != nil && s.cfg.RowRetention > 0 {
		if deleted, err := s.pruner.PruneSessionStates(ctx, now.Add(-s.cfg.RowRetention)); err != nil {
			slog.Error("Failed to prune stale session rows", "error", err)
		} else if deleted > 0 {
			slog.Info("Pruned stale session rows", "count", deleted)
		}
	}

	if res.Evicted > 0 || res.Failed > 0 || res.Skipped > 0 {
		slog.Info("Session cleanup completed",
			"evicted", res.Evicted, "failed", res.Failed, "skipped", res.Skipped, "remaining", count)
	}
	return res
}

// Report counts resident sessions without changing them. A session is active
// while it is within its idle threshold.
func (s *Sweeper) Report() Report {
	now := s.now()
	sessions := s.sessions.Snapshot()
	r := Report{Total: len(sessions)}
	for _, info := range sessions {
		if s.isIdle(info.State, now) {
			r.Inactive++
		} else {
			r.Active++
		}
	}
	telemetry.SessionsActive.Set(float64(r.Active))
	return r
}
