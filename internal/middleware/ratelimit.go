package middleware

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/wa-scheduler/internal/identity"
)

// RateLimiter gives every user a token bucket of limit requests refilled
// evenly over window.
type RateLimiter struct {
	limit  int
	window time.Duration
	every  rate.Limit
	now    func() time.Time

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastPrune time.Time
}

// NewRateLimiter returns a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		every:    rate.Every(window / time.Duration(limit)),
		now:      time.Now,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow takes one token from key's bucket and returns the tokens left and,
// when refused, how long until the next token.
func (l *RateLimiter) Allow(key string) (ok bool, remaining int, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	lim, exists := l.limiters[key]
	if !exists {
		lim = rate.NewLimiter(l.every, l.limit)
		l.limiters[key] = lim
	}

	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, 0, delay
	}
	return true, int(math.Floor(lim.TokensAt(now))), 0
}

// pruneLocked forgets buckets that have refilled completely. l.mu must be
// held.
func (l *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < l.window {
		return
	}
	l.lastPrune = now
	for key, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.limit) {
			delete(l.limiters, key)
		}
	}
}

// Middleware refuses requests over the limit with 429. Requests are keyed by
// user id, falling back to the client IP.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := identity.UserIDFromContext(r.Context())
		if key == "" {
			key = identity.IPFromRequest(r)
		}

		ok, remaining, retryAfter := l.Allow(key)
		w.Header().Set("RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			secs := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			slog.Warn("Rate limit exceeded", "key", key, "path", r.URL.Path, "retry_after_s", secs)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "Rate limit exceeded",
				"message": "You have exceeded the " + strconv.Itoa(l.limit) + " messages per day limit. Please try again tomorrow.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
