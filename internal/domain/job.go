package domain

import (
	"time"
)

// RecipientType selects how recipient names are resolved to chats.
type RecipientType string

const (
	RecipientIndividual RecipientType = "individual"
	RecipientGroup      RecipientType = "group"
)

// Valid reports whether t is a known recipient type.
func (t RecipientType) Valid() bool {
	return t == RecipientIndividual || t == RecipientGroup
}

// JobStatus is the outcome of the most recent firing of a scheduled job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSent      JobStatus = "sent"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// ScheduledJob is a persisted recurring send. RecipientName, Message and
// ImageURL hold ciphertext whenever the job comes from the store.
type ScheduledJob struct {
	ID             string        `json:"id"`
	OwnerUserID    string        `json:"user_id"`
	CronExpression string        `json:"cron_expression"`
	RecipientType  RecipientType `json:"recipient_type"`
	RecipientName  string        `json:"recipient_name"`
	Message        string        `json:"message"`
	ImageURL       string        `json:"image_url,omitempty"`
	NextRunAt      time.Time     `json:"next_run_at"`
	Status         JobStatus     `json:"status"`
	LastRunAt      time.Time     `json:"last_run_at,omitzero"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// IsCancelled returns true once the job has been cancelled by its owner.
func (j *ScheduledJob) IsCancelled() bool {
	return j.Status == JobCancelled
}
