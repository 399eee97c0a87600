package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers off the writers' back.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		last_activity INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions(last_activity);

	CREATE TABLE IF NOT EXISTS session_devices (
		user_id TEXT PRIMARY KEY,
		device_jid TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		cron_expression TEXT NOT NULL,
		recipient_type TEXT NOT NULL,
		recipient_name TEXT NOT NULL,
		message TEXT NOT NULL,
		image_url TEXT,
		next_run_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		last_run_at INTEGER,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner ON scheduled_jobs(owner_user_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON scheduled_jobs(status);

	CREATE TABLE IF NOT EXISTS locks (
		name TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSessionState upserts the session row for userID.
func (s *SQLiteStore) SaveSessionState(ctx context.Context, userID string, state domain.SessionState, lastActivity time.Time) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}

	query := `
	INSERT INTO sessions (user_id, state, last_activity)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		state = excluded.state,
		last_activity = excluded.last_activity`

	return shared.RetryOnConflict(ctx, shared.ConflictRetries, func() error {
		if _, err := s.db.ExecContext(ctx, query, userID, string(data), lastActivity.Unix()); err != nil {
			return fmt.Errorf("upsert session state: %w", err)
		}
		return nil
	})
}

// GetSessionState retrieves the session row for userID.
func (s *SQLiteStore) GetSessionState(ctx context.Context, userID string) (*domain.SessionState, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM sessions WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	var state domain.SessionState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}
	return &state, nil
}

// DeleteSessionState removes the session row for userID.
func (s *SQLiteStore) DeleteSessionState(ctx context.Context, userID string) error {
	return shared.RetryOnConflict(ctx, shared.ConflictRetries, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("delete session state: %w", err)
		}
		return nil
	})
}

// PruneSessionStates removes session rows last active before cutoff.
func (s *SQLiteStore) PruneSessionStates(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune session states: %w", err)
	}
	return result.RowsAffected()
}

// GetDeviceJID returns the device JID paired by userID.
func (s *SQLiteStore) GetDeviceJID(ctx context.Context, userID string) (string, error) {
	var jid string
	err := s.db.QueryRowContext(ctx, `SELECT device_jid FROM session_devices WHERE user_id = ?`, userID).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan device row: %w", err)
	}
	return jid, nil
}

// SetDeviceJID records the device JID paired by userID.
func (s *SQLiteStore) SetDeviceJID(ctx context.Context, userID, jid string) error {
	query := `
	INSERT INTO session_devices (user_id, device_jid, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		device_jid = excluded.device_jid,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, shared.ConflictRetries, func() error {
		if _, err := s.db.ExecContext(ctx, query, userID, jid, s.now().Unix()); err != nil {
			return fmt.Errorf("upsert device: %w", err)
		}
		return nil
	})
}

// DeleteDeviceJID forgets the device paired by userID.
func (s *SQLiteStore) DeleteDeviceJID(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_devices WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

const jobColumns = `id, owner_user_id, cron_expression, recipient_type, recipient_name,
	message, image_url, next_run_at, status, last_run_at, last_error, created_at, updated_at`

// CreateJob inserts a new scheduled job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *domain.ScheduledJob) error {
	query := `INSERT INTO scheduled_jobs (` + jobColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`

	var imageURL interface{}
	if job.ImageURL != "" {
		imageURL = job.ImageURL
	}

	return shared.RetryOnConflict(ctx, shared.ConflictRetries, func() error {
		_, err := s.db.ExecContext(ctx, query,
			job.ID, job.OwnerUserID, job.CronExpression, string(job.RecipientType), job.RecipientName,
			job.Message, imageURL, job.NextRunAt.Unix(), string(job.Status),
			job.CreatedAt.Unix(), job.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobRun records the outcome of a firing.
func (s *SQLiteStore) UpdateJobRun(ctx context.Context, id string, status domain.JobStatus, nextRunAt, ranAt time.Time, lastErr string) error {
	query := `
	UPDATE scheduled_jobs
	SET status = ?, next_run_at = ?, last_run_at = ?, last_error = ?, updated_at = ?
	WHERE id = ? AND status != ?`

	var errText interface{}
	if lastErr != "" {
		errText = lastErr
	}

	return shared.RetryOnConflict(ctx, shared.ConflictRetries, func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(status), nextRunAt.Unix(), ranAt.Unix(), errText, s.now().Unix(),
			id, string(domain.JobCancelled),
		)
		if err != nil {
			return fmt.Errorf("update job run: %w", err)
		}
		if rows, err := result.RowsAffected(); err == nil && rows == 0 {
			slog.Warn("UpdateJobRun affected 0 rows", "job_id", id)
		}
		return nil
	})
}

// UpdateJobNextRun stores a recomputed next run time.
func (s *SQLiteStore) UpdateJobNextRun(ctx context.Context, id string, nextRunAt time.Time) error {
	query := `UPDATE scheduled_jobs SET next_run_at = ?, updated_at = ? WHERE id = ? AND status != ?`
	if _, err := s.db.ExecContext(ctx, query, nextRunAt.Unix(), s.now().Unix(), id, string(domain.JobCancelled)); err != nil {
		return fmt.Errorf("update job next run: %w", err)
	}
	return nil
}

// CancelJob marks a job cancelled. The row is kept.
func (s *SQLiteStore) CancelJob(ctx context.Context, id, ownerUserID string) (bool, error) {
	query := `
	UPDATE scheduled_jobs SET status = ?, updated_at = ?
	WHERE id = ? AND owner_user_id = ? AND status != ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, shared.ConflictRetries, func() error {
		result, err := s.db.ExecContext(ctx, query,
			string(domain.JobCancelled), s.now().Unix(), id, ownerUserID, string(domain.JobCancelled))
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListActiveJobs returns all jobs that are not cancelled.
func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]*domain.ScheduledJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE status != ? ORDER BY created_at`,
		string(domain.JobCancelled))
}

// ListJobsByOwner returns a user's jobs that are not cancelled.
func (s *SQLiteStore) ListJobsByOwner(ctx context.Context, ownerUserID string) ([]*domain.ScheduledJob, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE owner_user_id = ? AND status != ? ORDER BY created_at`,
		ownerUserID, string(domain.JobCancelled))
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close job rows", "error", closeErr)
		}
	}()

	var jobs []*domain.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.ScheduledJob, error) {
	var job domain.ScheduledJob
	var recipientType, status string
	var imageURL, lastError sql.NullString
	var lastRunAt sql.NullInt64
	var nextRunAt, createdAt, updatedAt int64

	err := row.Scan(
		&job.ID, &job.OwnerUserID, &job.CronExpression, &recipientType, &job.RecipientName,
		&job.Message, &imageURL, &nextRunAt, &status, &lastRunAt, &lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	job.RecipientType = domain.RecipientType(recipientType)
	job.Status = domain.JobStatus(status)
	job.ImageURL = imageURL.String
	job.LastError = lastError.String
	job.NextRunAt = time.Unix(nextRunAt, 0)
	if lastRunAt.Valid {
		job.LastRunAt = time.Unix(lastRunAt.Int64, 0)
	}
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	return &job, nil
}

// AcquireLease takes the named lease when it is free or expired.
func (s *SQLiteStore) AcquireLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	query := `
	INSERT INTO locks (name, token, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		token = excluded.token,
		expires_at = excluded.expires_at
	WHERE locks.expires_at <= ?`

	result, err := s.db.ExecContext(ctx, query, name, token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// RenewLease extends the named lease to now+ttl if token still owns it. It
// reports false once the lease was taken over or released.
func (s *SQLiteStore) RenewLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE locks SET expires_at = ? WHERE name = ? AND token = ?`,
		s.now().Add(ttl).UnixMilli(), name, token)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReleaseLease deletes the named lease if token still owns it.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, name, token string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND token = ?`, name, token)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}
