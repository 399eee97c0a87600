package session

import (
	"sync"
	"time"

	"github.com/ashureev/wa-scheduler/internal/domain"
)

type cachedState struct {
	state   domain.SessionState
	expires time.Time
}

// stateCache holds store reads for a short time so repeated status polls for
// a user without a resident session do not hit the database.
type stateCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cachedState
}

func newStateCache(ttl time.Duration, now func() time.Time) *stateCache {
	return &stateCache{ttl: ttl, now: now, entries: make(map[string]cachedState)}
}

func (c *stateCache) get(userID string) (domain.SessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return domain.SessionState{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, userID)
		return domain.SessionState{}, false
	}
	return e.state, true
}

func (c *stateCache) put(userID string, state domain.SessionState) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = cachedState{state: state, expires: c.now().Add(c.ttl)}
}

func (c *stateCache) delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
