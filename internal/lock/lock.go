// Package lock provides named leases that serialize work across processes
// sharing one database.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// ErrExhausted is returned by AcquireWithRetry when the lease stayed busy for
// every attempt.
var ErrExhausted = errors.New("lock retries exhausted")

// ErrLost is the cancellation cause of a KeepAlive context whose lease was
// taken over or could not be renewed before it expired.
var ErrLost = errors.New("lease lost")

// Result is the outcome of one acquire attempt. The zero value is Busy.
type Result struct {
	token string
}

// Acquired returns a result holding token.
func Acquired(token string) Result { return Result{token: token} }

// Busy is the result of an attempt that found the lease held.
var Busy = Result{}

// Token returns the lease token and whether the lease was acquired.
func (r Result) Token() (string, bool) {
	return r.token, r.token != ""
}

// Locker hands out named leases.
type Locker interface {
	// Acquire tries once to take the lease for ttl.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Result, error)

	// Renew extends the lease to ttl from now. It reports false when token
	// no longer owns the lease.
	Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// Release gives the lease back if token still owns it. Releasing a lease
	// that expired and was taken over is not an error.
	Release(ctx context.Context, name, token string) error
}

// LeaseStore is the persistence a LeaseLocker needs.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, token string) (bool, error)
}

// LeaseLocker keeps leases in a shared table. Expired leases can be taken over.
type LeaseLocker struct {
	store LeaseStore
}

// NewLeaseLocker returns a locker backed by store.
func NewLeaseLocker(store LeaseStore) *LeaseLocker {
	return &LeaseLocker{store: store}
}

// Acquire implements Locker.
func (l *LeaseLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Result, error) {
	token := uuid.NewString()
	ok, err := l.store.AcquireLease(ctx, name, token, ttl)
	if err != nil {
		return Busy, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return Busy, nil
	}
	return Acquired(token), nil
}

// Renew implements Locker.
func (l *LeaseLocker) Renew(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := l.store.RenewLease(ctx, name, token, ttl)
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", name, err)
	}
	return ok, nil
}

// Release implements Locker.
func (l *LeaseLocker) Release(ctx context.Context, name, token string) error {
	if _, err := l.store.ReleaseLease(ctx, name, token); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// Noop always acquires. It is used when a single process owns the database.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(context.Context, string, time.Duration) (Result, error) {
	return Acquired(uuid.NewString()), nil
}

// Renew implements Locker.
func (Noop) Renew(context.Context, string, string, time.Duration) (bool, error) { return true, nil }

// Release implements Locker.
func (Noop) Release(context.Context, string, string) error { return nil }

// RetryPolicy bounds AcquireWithRetry.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy waits up to roughly five seconds.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        10,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     time.Second,
}

var errBusy = errors.New("lease busy")

// AcquireWithRetry retries Busy results with exponential backoff and returns
// the lease token. Store errors end the attempt immediately.
func AcquireWithRetry(ctx context.Context, l Locker, name string, ttl time.Duration, p RetryPolicy) (string, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	token, err := backoff.Retry(ctx, func() (string, error) {
		res, err := l.Acquire(ctx, name, ttl)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		token, ok := res.Token()
		if !ok {
			return "", errBusy
		}
		return token, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	if errors.Is(err, errBusy) {
		return "", fmt.Errorf("%w: %s", ErrExhausted, name)
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// KeepAlive renews the lease every ttl/3 until stop is called. The returned
// context is cancelled with cause ErrLost when a renewal reports the lease
// gone, or when renewals keep failing until the last good one has expired.
func KeepAlive(ctx context.Context, l Locker, name, token string, ttl time.Duration) (context.Context, context.CancelFunc) {
	leaseCtx, cancel := context.WithCancelCause(ctx)
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		renewed := time.Now()
		for {
			select {
			case <-leaseCtx.Done():
				return
			case <-ticker.C:
			}

			ok, err := l.Renew(leaseCtx, name, token, ttl)
			switch {
			case err == nil && ok:
				renewed = time.Now()
			case err == nil:
				slog.Warn("Lease taken over", "lease", name)
				cancel(ErrLost)
				return
			case leaseCtx.Err() != nil:
				return
			case time.Since(renewed) >= ttl:
				slog.Warn("Lease expired while renewals failed", "lease", name, "error", err)
				cancel(fmt.Errorf("%w: %w", ErrLost, err))
				return
			default:
				slog.Warn("Failed to renew lease", "lease", name, "error", err)
			}
		}
	}()

	return leaseCtx, func() {
		cancel(context.Canceled)
		<-done
	}
}
