// Package api provides HTTP handlers for the scheduler API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/wa-scheduler/internal/dispatch"
	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// Sessions is the session manager as seen by the handlers.
type Sessions interface {
	Ensure(ctx context.Context, userID string) (messaging.Client, error)
	State(ctx context.Context, userID string) (*domain.SessionState, error)
	Heartbeat(userID string)
	Logout(ctx context.Context, userID string) error
}

// Jobs is the scheduler as seen by the handlers.
type Jobs interface {
	SendNow(ctx context.Context, userID string, req dispatch.Request) ([]domain.DispatchResult, error)
	Schedule(ctx context.Context, req scheduler.Request) (*scheduler.Scheduled, error)
	Cancel(ctx context.Context, id, ownerUserID string) (bool, error)
	ListJobs(ctx context.Context, ownerUserID string) ([]*domain.ScheduledJob, error)
}

// Handler provides common handler utilities.
type Handler struct {
	sessions Sessions
	jobs     Jobs
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(sessions Sessions, jobs Jobs) *Handler {
	return &Handler{sessions: sessions, jobs: jobs}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// statusFor maps the error taxonomy to an HTTP status. Persistence and
// unknown errors are 500.
func statusFor(err error) int {
	var (
		ve *domain.ValidationError
		se *domain.SessionInitError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFoundOrUnauthorized):
		return http.StatusNotFound
	case errors.As(err, &se):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError logs err and writes it with the mapped status. Internal details
// are only exposed for client errors.
func writeError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusBadRequest:
		slog.Warn("Request rejected", "path", r.URL.Path, "user_id", userID, "error", err)
		JSON(w, status, map[string]string{"error": "Validation failed", "details": err.Error()})
	case status == http.StatusNotFound:
		Error(w, status, err.Error())
	case status == http.StatusServiceUnavailable:
		slog.Error("Session unavailable", "path", r.URL.Path, "user_id", userID, "error", err)
		Error(w, status, "WhatsApp session unavailable, please retry")
	default:
		slog.Error("Request failed", "path", r.URL.Path, "user_id", userID, "error", err)
		Error(w, status, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Invalidf("body", "invalid JSON: %v", err)
	}
	return nil
}
