package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/wa-scheduler/internal/domain"
)

var base = time.Unix(1_700_000_000, 0)

type fakeSessions struct {
	mu      sync.Mutex
	infos   map[string]domain.SessionState
	failFor map[string]bool
	removed []string
	// touchAfterSnapshot heartbeats these users right after Snapshot.
	touchAfterSnapshot map[string]time.Time
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{infos: make(map[string]domain.SessionState), failFor: make(map[string]bool)}
}

func (f *fakeSessions) add(id string, authenticated bool, heartbeat time.Time) {
	f.infos[id] = domain.SessionState{IsAuthenticated: authenticated, LastHeartbeat: heartbeat}
}

func (f *fakeSessions) Snapshot() []domain.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SessionInfo, 0, len(f.infos))
	for id, st := range f.infos {
		out = append(out, domain.SessionInfo{UserID: id, State: st})
	}
	for id, at := range f.touchAfterSnapshot {
		st := f.infos[id]
		st.LastHeartbeat = at
		f.infos[id] = st
	}
	return out
}

func (f *fakeSessions) EvictIf(_ context.Context, userID string, observed time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.infos[userID]
	if !ok || !st.LastHeartbeat.Equal(observed) {
		return false, nil
	}
	if f.failFor[userID] {
		return false, errors.New("teardown failed")
	}
	delete(f.infos, userID)
	f.removed = append(f.removed, userID)
	return true, nil
}

type fakePruner struct {
	cutoff time.Time
	calls  int
}

func (p *fakePruner) PruneSessionStates(_ context.Context, cutoff time.Time) (int64, error) {
	p.calls++
	p.cutoff = cutoff
	return 0, nil
}

func newTestSweeper(sessions Sessions, pruner Pruner, maxSessions int) *Sweeper {
	cfg := DefaultConfig()
	cfg.MaxSessions = maxSessions
	s := NewSweeper(sessions, pruner, cfg, nil)
	s.now = func() time.Time { return base }
	return s
}

func TestSweepEvictsOldestOverCap(t *testing.T) {
	const maxSessions, extra = 10, 3
	f := newFakeSessions()
	for i := range maxSessions + extra {
		// u00 is the least recently active.
		f.add(fmt.Sprintf("u%02d", i), true, base.Add(-time.Duration(maxSessions+extra-i)*time.Minute))
	}

	res := newTestSweeper(f, nil, maxSessions).Sweep(context.Background())

	if res.Evicted != extra || res.Failed != 0 {
		t.Fatalf("Sweep() = %+v, want %d evictions", res, extra)
	}
	sort.Strings(f.removed)
	want := []string{"u00", "u01", "u02"}
	for i, id := range want {
		if f.removed[i] != id {
			t.Errorf("removed = %v, want %v", f.removed, want)
			break
		}
	}
}

func TestSweepIdleThresholds(t *testing.T) {
	f := newFakeSessions()
	f.add("auth-recent", true, base.Add(-47*time.Hour))
	f.add("auth-stale", true, base.Add(-49*time.Hour))
	f.add("pairing-recent", false, base.Add(-20*time.Minute))
	f.add("pairing-stale", false, base.Add(-31*time.Minute))

	res := newTestSweeper(f, nil, 10).Sweep(context.Background())

	if res.Evicted != 2 {
		t.Fatalf("evicted %d, want 2 (%v)", res.Evicted, f.removed)
	}
	if _, ok := f.infos["auth-recent"]; !ok {
		t.Error("authenticated session within 48h must survive")
	}
	if _, ok := f.infos["pairing-recent"]; !ok {
		t.Error("pairing session within 30m must survive")
	}
}

func TestSweepIdleBehindActiveSession(t *testing.T) {
	f := newFakeSessions()
	// Older heartbeat but authenticated, so still within grace.
	f.add("auth", true, base.Add(-2*time.Hour))
	f.add("pairing", false, base.Add(-time.Hour))

	res := newTestSweeper(f, nil, 10).Sweep(context.Background())

	if res.Evicted != 1 || f.removed[0] != "pairing" {
		t.Errorf("Sweep() = %+v removed=%v, want only the idle pairing session", res, f.removed)
	}
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	f := newFakeSessions()
	f.add("a", false, base.Add(-3*time.Hour))
	f.add("b", false, base.Add(-2*time.Hour))
	f.add("c", false, base.Add(-time.Hour))
	f.failFor["a"] = true

	res := newTestSweeper(f, nil, 10).Sweep(context.Background())

	if res.Failed != 1 || res.Evicted != 2 {
		t.Errorf("Sweep() = %+v, want 1 failed and 2 evicted", res)
	}
}

func TestSweepFailureDoesNotLowerCount(t *testing.T) {
	f := newFakeSessions()
	f.add("a", true, base.Add(-3*time.Minute))
	f.add("b", true, base.Add(-2*time.Minute))
	f.add("c", true, base.Add(-time.Minute))
	f.failFor["a"] = true

	res := newTestSweeper(f, nil, 2).Sweep(context.Background())

	if res.Failed != 1 || res.Evicted != 1 || f.removed[0] != "b" {
		t.Errorf("Sweep() = %+v removed=%v, want b evicted after a failed", res, f.removed)
	}
}

func TestSweepSkipsSessionTouchedAfterSnapshot(t *testing.T) {
	f := newFakeSessions()
	f.add("stale", false, base.Add(-time.Hour))
	f.add("revived", false, base.Add(-time.Hour))
	f.touchAfterSnapshot = map[string]time.Time{"revived": base}

	res := newTestSweeper(f, nil, 10).Sweep(context.Background())

	if res.Evicted != 1 || res.Skipped != 1 || res.Failed != 0 {
		t.Fatalf("Sweep() = %+v, want 1 evicted and 1 skipped", res)
	}
	if _, ok := f.infos["revived"]; !ok {
		t.Error("session heartbeated after the snapshot must survive")
	}
	if _, ok := f.infos["stale"]; ok {
		t.Error("idle session should be evicted")
	}
}

func TestSweepSkippedSessionStillCountsTowardCap(t *testing.T) {
	f := newFakeSessions()
	f.add("a", true, base.Add(-3*time.Minute))
	f.add("b", true, base.Add(-2*time.Minute))
	f.add("c", true, base.Add(-time.Minute))
	f.touchAfterSnapshot = map[string]time.Time{"a": base}

	res := newTestSweeper(f, nil, 2).Sweep(context.Background())

	if res.Skipped != 1 || res.Evicted != 1 || f.removed[0] != "b" {
		t.Errorf("Sweep() = %+v removed=%v, want a skipped and b evicted", res, f.removed)
	}
}

func TestSweepPrunesRows(t *testing.T) {
	p := &fakePruner{}
	newTestSweeper(newFakeSessions(), p, 10).Sweep(context.Background())

	if p.calls != 1 {
		t.Fatalf("prune calls = %d, want 1", p.calls)
	}
	if want := base.Add(-7 * 24 * time.Hour); !p.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoff, want)
	}
}

func TestReport(t *testing.T) {
	f := newFakeSessions()
	f.add("active-auth", true, base.Add(-time.Hour))
	f.add("active-pairing", false, base.Add(-time.Minute))
	f.add("inactive", false, base.Add(-time.Hour))

	r := newTestSweeper(f, nil, 10).Report()

	if r.Total != 3 || r.Active != 2 || r.Inactive != 1 {
		t.Errorf("Report() = %+v", r)
	}
	if len(f.removed) != 0 {
		t.Error("Report must not evict")
	}
}
