// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/wa-scheduler/internal/domain"
)

// Repository defines the interface for persisting sessions, devices,
// scheduled jobs and leases.
type Repository interface {
	// SaveSessionState creates or updates the persisted mirror of a session.
	SaveSessionState(ctx context.Context, userID string, state domain.SessionState, lastActivity time.Time) error

	// GetSessionState retrieves the persisted session state for a user.
	GetSessionState(ctx context.Context, userID string) (*domain.SessionState, error)

	// DeleteSessionState removes the persisted session state for a user.
	DeleteSessionState(ctx context.Context, userID string) error

	// PruneSessionStates removes session rows whose last activity is before cutoff.
	PruneSessionStates(ctx context.Context, cutoff time.Time) (int64, error)

	// GetDeviceJID returns the paired device for a user, or "" when unpaired.
	GetDeviceJID(ctx context.Context, userID string) (string, error)

	// SetDeviceJID records the device a user paired.
	SetDeviceJID(ctx context.Context, userID, jid string) error

	// DeleteDeviceJID forgets a user's paired device.
	DeleteDeviceJID(ctx context.Context, userID string) error

	// CreateJob inserts a new scheduled job.
	CreateJob(ctx context.Context, job *domain.ScheduledJob) error

	// GetJob retrieves a job by id, including cancelled jobs.
	GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error)

	// UpdateJobRun records the outcome of a firing. Cancelled jobs are left untouched.
	UpdateJobRun(ctx context.Context, id string, status domain.JobStatus, nextRunAt, ranAt time.Time, lastErr string) error

	// UpdateJobNextRun stores a recomputed next run time.
	UpdateJobNextRun(ctx context.Context, id string, nextRunAt time.Time) error

	// CancelJob marks a job owned by ownerUserID as cancelled. It reports
	// false when no such active job exists.
	CancelJob(ctx context.Context, id, ownerUserID string) (bool, error)

	// ListActiveJobs returns every job that is not cancelled.
	ListActiveJobs(ctx context.Context) ([]*domain.ScheduledJob, error)

	// ListJobsByOwner returns a user's jobs that are not cancelled.
	ListJobsByOwner(ctx context.Context, ownerUserID string) ([]*domain.ScheduledJob, error)

	// AcquireLease takes the named lease for ttl unless another unexpired
	// token holds it.
	AcquireLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// RenewLease extends the named lease only if token still owns it.
	RenewLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error)

	// ReleaseLease deletes the named lease only if token still owns it.
	ReleaseLease(ctx context.Context, name, token string) (bool, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
