package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashureev/wa-scheduler/internal/dispatch"
	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/telemetry"
)

const defaultRunTimeout = 5 * time.Minute

// JobStore persists scheduled jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.ScheduledJob) error
	GetJob(ctx context.Context, id string) (*domain.ScheduledJob, error)
	UpdateJobRun(ctx context.Context, id string, status domain.JobStatus, nextRunAt, ranAt time.Time, lastErr string) error
	UpdateJobNextRun(ctx context.Context, id string, nextRunAt time.Time) error
	CancelJob(ctx context.Context, id, ownerUserID string) (bool, error)
	ListActiveJobs(ctx context.Context) ([]*domain.ScheduledJob, error)
	ListJobsByOwner(ctx context.Context, ownerUserID string) ([]*domain.ScheduledJob, error)
}

// Sessions hands out a user's live messaging client.
type Sessions interface {
	Ensure(ctx context.Context, userID string) (messaging.Client, error)
}

// Sender delivers one request to its recipients.
type Sender interface {
	Dispatch(ctx context.Context, client messaging.Client, req dispatch.Request) ([]domain.DispatchResult, error)
}

// Cipher seals job fields at rest.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// Request describes a new recurring send. RecipientName may hold up to three
// comma separated names.
type Request struct {
	OwnerUserID    string
	CronExpression string
	RecipientType  domain.RecipientType
	RecipientName  string
	Message        string
	ImageURL       string
}

// Scheduled is returned for a newly armed job.
type Scheduled struct {
	ID        string    `json:"id"`
	Cron      string    `json:"cronExpression"`
	NextRunAt time.Time `json:"nextRunAt"`
}

type armedJob struct {
	sched  cron.Schedule
	handle Handle
}

// Scheduler owns the armed triggers of every active job.
type Scheduler struct {
	store    JobStore
	sessions Sessions
	sender   Sender
	cipher   Cipher
	trigger  Trigger

	now        func() time.Time
	runTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]*armedJob
}

// New returns a scheduler. Call LoadJobs to re-arm persisted jobs.
func New(store JobStore, sessions Sessions, sender Sender, cipher Cipher, trigger Trigger) *Scheduler {
	return &Scheduler{
		store:      store,
		sessions:   sessions,
		sender:     sender,
		cipher:     cipher,
		trigger:    trigger,
		now:        time.Now,
		runTimeout: defaultRunTimeout,
		jobs:       make(map[string]*armedJob),
	}
}

func validate(req Request) (string, cron.Schedule, []string, error) {
	if strings.TrimSpace(req.OwnerUserID) == "" {
		return "", nil, nil, domain.Invalid("userId", domain.ErrInvalidUserID)
	}
	normalized, sched, err := ParseCron(req.CronExpression)
	if err != nil {
		return "", nil, nil, err
	}
	recipients := dispatch.ParseRecipients(req.RecipientName)
	if err := dispatch.ValidateRecipients(req.RecipientType, recipients); err != nil {
		return "", nil, nil, err
	}
	if req.Message == "" {
		return "", nil, nil, domain.Invalidf("message", "must not be empty")
	}
	if err := dispatch.ValidateImageURL(req.ImageURL); err != nil {
		return "", nil, nil, err
	}
	return normalized, sched, recipients, nil
}

// Schedule validates req, persists the job as pending and then arms it.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Scheduled, error) {
	normalized, sched, recipients, err := validate(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &domain.ScheduledJob{
		ID:             uuid.NewString(),
		OwnerUserID:    req.OwnerUserID,
		CronExpression: normalized,
		RecipientType:  req.RecipientType,
		NextRunAt:      sched.Next(now),
		Status:         domain.JobPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if job.RecipientName, err = s.cipher.Seal(strings.Join(recipients, ",")); err != nil {
		return nil, fmt.Errorf("seal recipient: %w", err)
	}
	if job.Message, err = s.cipher.Seal(req.Message); err != nil {
		return nil, fmt.Errorf("seal message: %w", err)
	}
	if req.ImageURL != "" {
		if job.ImageURL, err = s.cipher.Seal(req.ImageURL); err != nil {
			return nil, fmt.Errorf("seal image url: %w", err)
		}
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, &domain.PersistenceError{Op: "create job", Err: err}
	}
	if err := s.arm(job.ID, sched); err != nil {
		// The caller never learns the id, so the row must not arm on the
		// next LoadJobs.
		if _, cancelErr := s.store.CancelJob(context.WithoutCancel(ctx), job.ID, job.OwnerUserID); cancelErr != nil {
			slog.Error("Failed to cancel unarmed job", "job_id", job.ID, "error", cancelErr)
		}
		return nil, err
	}

	slog.Info("Job scheduled",
		"job_id", job.ID,
		"user_id", job.OwnerUserID,
		"cron", normalized,
		"next_run_at", job.NextRunAt)
	return &Scheduled{ID: job.ID, Cron: normalized, NextRunAt: job.NextRunAt}, nil
}

func (s *Scheduler) arm(id string, sched cron.Schedule) error {
	h, err := s.trigger.Arm(sched, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("arm job %s: %w", id, err)
	}
	s.mu.Lock()
	if prev, ok := s.jobs[id]; ok {
		prev.handle.Stop()
	}
	s.jobs[id] = &armedJob{sched: sched, handle: h}
	telemetry.JobsArmed.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) disarm(id string) {
	s.mu.Lock()
	aj, ok := s.jobs[id]
	delete(s.jobs, id)
	telemetry.JobsArmed.Set(float64(len(s.jobs)))
	s.mu.Unlock()
	if ok {
		aj.handle.Stop()
	}
}

// fire runs one activation of a job. The stored status is checked first so
// that a job cancelled by another process never sends.
func (s *Scheduler) fire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	s.mu.Lock()
	aj, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		slog.Error("Failed to load job for run", "job_id", id, "error", err)
		return
	}
	if job == nil || job.IsCancelled() {
		slog.Info("Skipping run of cancelled job", "job_id", id)
		s.disarm(id)
		return
	}

	ranAt := s.now()
	status, lastErr := s.execute(ctx, job)
	next := aj.sched.Next(ranAt)

	telemetry.JobFirings.WithLabelValues(string(status)).Inc()
	if err := s.store.UpdateJobRun(ctx, id, status, next, ranAt, lastErr); err != nil {
		slog.Error("Failed to record job run", "job_id", id, "status", status, "error", err)
		return
	}
	slog.Info("Job run completed", "job_id", id, "user_id", job.OwnerUserID, "status", status, "next_run_at", next)
}

// execute sends a job once. The run is failed when the session is unusable
// or no recipient got the message; partial delivery is sent with the
// failures recorded in lastErr.
func (s *Scheduler) execute(ctx context.Context, job *domain.ScheduledJob) (domain.JobStatus, string) {
	if err := s.open(job); err != nil {
		return domain.JobFailed, err.Error()
	}

	client, err := s.sessions.Ensure(ctx, job.OwnerUserID)
	if err != nil {
		return domain.JobFailed, err.Error()
	}

	results, err := s.sender.Dispatch(ctx, client, dispatch.Request{
		RecipientType: job.RecipientType,
		Recipients:    dispatch.ParseRecipients(job.RecipientName),
		Message:       job.Message,
		ImageURL:      job.ImageURL,
	})
	if err != nil {
		return domain.JobFailed, err.Error()
	}

	ok, failed := domain.Summarize(results)
	if failed == 0 {
		return domain.JobSent, ""
	}
	var reasons []string
	for _, r := range results {
		if r.Status == domain.DispatchRejected {
			reasons = append(reasons, r.Recipient+": "+r.Error)
		}
	}
	summary := fmt.Sprintf("%d of %d recipients failed: %s", failed, len(results), strings.Join(reasons, "; "))
	if ok == 0 {
		return domain.JobFailed, summary
	}
	return domain.JobSent, summary
}

// open decrypts the sealed fields of job in place.
func (s *Scheduler) open(job *domain.ScheduledJob) error {
	var err error
	if job.RecipientName, err = s.cipher.Open(job.RecipientName); err != nil {
		return fmt.Errorf("open recipient: %w", err)
	}
	if job.Message, err = s.cipher.Open(job.Message); err != nil {
		return fmt.Errorf("open message: %w", err)
	}
	if job.ImageURL != "" {
		if job.ImageURL, err = s.cipher.Open(job.ImageURL); err != nil {
			return fmt.Errorf("open image url: %w", err)
		}
	}
	return nil
}

// SendNow delivers a message immediately through the user's session.
func (s *Scheduler) SendNow(ctx context.Context, userID string, req dispatch.Request) ([]domain.DispatchResult, error) {
	if err := dispatch.ValidateRecipients(req.RecipientType, req.Recipients); err != nil {
		return nil, err
	}
	client, err := s.sessions.Ensure(ctx, userID)
	if err != nil {
		return nil, err
	}
	results, err := s.sender.Dispatch(ctx, client, req)
	if err != nil {
		return nil, err
	}
	ok, failed := domain.Summarize(results)
	slog.Info("Immediate send completed", "user_id", userID, "fulfilled", ok, "rejected", failed)
	return results, nil
}

// Cancel stops a job owned by ownerUserID. It reports false when the job does
// not exist, belongs to someone else or is already cancelled. A run already in
// progress is allowed to finish.
func (s *Scheduler) Cancel(ctx context.Context, id, ownerUserID string) (bool, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false, &domain.PersistenceError{Op: "load job", Err: err}
	}
	if job == nil || job.OwnerUserID != ownerUserID || job.IsCancelled() {
		return false, nil
	}

	ok, err := s.store.CancelJob(ctx, id, ownerUserID)
	if err != nil {
		return false, &domain.PersistenceError{Op: "cancel job", Err: err}
	}
	if !ok {
		return false, nil
	}
	s.disarm(id)
	slog.Info("Job cancelled", "job_id", id, "user_id", ownerUserID)
	return true, nil
}

// LoadJobs re-arms every active job after a restart. Activations missed while
// the process was down are not replayed; a stale next run time is moved to
// the next future match.
func (s *Scheduler) LoadJobs(ctx context.Context) (int, error) {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		return 0, &domain.PersistenceError{Op: "list active jobs", Err: err}
	}

	now := s.now()
	armed := 0
	for _, job := range jobs {
		_, sched, err := ParseCron(job.CronExpression)
		if err != nil {
			slog.Error("Skipping job with unparseable cron", "job_id", job.ID, "cron", job.CronExpression, "error", err)
			continue
		}
		if job.NextRunAt.Before(now) {
			next := sched.Next(now)
			if err := s.store.UpdateJobNextRun(ctx, job.ID, next); err != nil {
				slog.Warn("Failed to refresh next run time", "job_id", job.ID, "error", err)
			}
		}
		if err := s.arm(job.ID, sched); err != nil {
			slog.Error("Failed to re-arm job", "job_id", job.ID, "error", err)
			continue
		}
		armed++
	}

	slog.Info("Scheduled jobs loaded", "armed", armed, "total", len(jobs))
	return armed, nil
}

// ListJobs returns the owner's active jobs with their fields decrypted. Jobs
// that fail to decrypt are logged and left out.
func (s *Scheduler) ListJobs(ctx context.Context, ownerUserID string) ([]*domain.ScheduledJob, error) {
	jobs, err := s.store.ListJobsByOwner(ctx, ownerUserID)
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list jobs", Err: err}
	}

	out := make([]*domain.ScheduledJob, 0, len(jobs))
	for _, job := range jobs {
		if err := s.open(job); err != nil {
			slog.Error("Failed to decrypt job", "job_id", job.ID, "error", err)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Armed returns the number of jobs with a live trigger.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop disarms every trigger without touching stored jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[string]*armedJob)
	telemetry.JobsArmed.Set(0)
	s.mu.Unlock()

	for _, aj := range jobs {
		aj.handle.Stop()
	}
}
