package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wa-scheduler/internal/dispatch"
	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/identity"
	"github.com/ashureev/wa-scheduler/internal/scheduler"
)

// messageRequest is the body of send-message and schedule-message.
type messageRequest struct {
	RecipientType  domain.RecipientType `json:"recipientType"`
	RecipientName  string               `json:"recipientName"`
	Message        string               `json:"message"`
	ImageURL       string               `json:"imageUrl,omitempty"`
	CronExpression string               `json:"cronExpression,omitempty"`
}

// RegisterRoutes registers the session and scheduling routes. limit wraps the
// routes that send messages.
func (h *Handler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/qr", h.QR)
		r.Get("/auth-status", h.AuthStatus)
		r.Post("/logout", h.Logout)
		r.Get("/scheduled-jobs", h.ScheduledJobs)
		r.Delete("/cancel-schedule/{id}", h.CancelSchedule)

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Post("/send-message", h.SendMessage)
			r.Post("/schedule-message", h.ScheduleMessage)
		})
	})
}

// QR brings the session up and returns its pairing challenge.
func (h *Handler) QR(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.sessions.Heartbeat(userID)

	if _, err := h.sessions.Ensure(r.Context(), userID); err != nil {
		writeError(w, r, userID, err)
		return
	}
	h.sessions.Heartbeat(userID)

	state, err := h.sessions.State(r.Context(), userID)
	if err != nil {
		writeError(w, r, userID, err)
		return
	}
	if state == nil {
		slog.Warn("Session state missing after initialization", "user_id", userID)
		Error(w, http.StatusInternalServerError, "Failed to retrieve client state")
		return
	}

	switch {
	case state.IsAuthenticated:
		JSON(w, http.StatusOK, map[string]bool{"authenticated": true})
	case state.HasChallenge():
		JSON(w, http.StatusOK, map[string]string{"qrCode": state.PairingChallenge})
	default:
		JSON(w, http.StatusAccepted, map[string]string{"message": "WhatsApp client initializing. Please try again shortly."})
	}
}

// AuthStatus reports the session state without creating a session.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.sessions.Heartbeat(userID)

	state, err := h.sessions.State(r.Context(), userID)
	if err != nil {
		writeError(w, r, userID, err)
		return
	}

	resp := map[string]interface{}{
		"isAuthenticated": false,
		"isClientReady":   false,
		"lastHeartbeat":   nil,
	}
	if state != nil {
		resp["isAuthenticated"] = state.IsAuthenticated
		resp["isClientReady"] = state.Phase == domain.PhaseReady
		resp["phase"] = state.Phase
		if !state.LastHeartbeat.IsZero() {
			resp["lastHeartbeat"] = state.LastHeartbeat.UTC().Format(time.RFC3339)
		}
	}
	JSON(w, http.StatusOK, resp)
}

// Logout unlinks the device and drops the session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if err := h.sessions.Logout(r.Context(), userID); err != nil {
		writeError(w, r, userID, err)
		return
	}
	slog.Info("User logged out", "user_id", userID)
	JSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// SendMessage sends to up to three recipients immediately.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID := identity.UserIDFromContext(r.Context())
	h.sessions.Heartbeat(userID)

	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, userID, err)
		return
	}

	results, err := h.jobs.SendNow(r.Context(), userID, dispatch.Request{
		RecipientType: req.RecipientType,
		Recipients:    dispatch.ParseRecipients(req.RecipientName),
		Message:       req.Message,
		ImageURL:      req.ImageURL,
	})
	if err != nil {
		writeError(w, r, userID, err)
		return
	}

	slog.Info("Send request completed", "user_id", userID, "duration_ms", time.Since(start).Milliseconds())
	JSON(w, http.StatusOK, map[string]interface{}{
		"message": domain.SummaryMessage(results),
		"details": results,
	})
}

// ScheduleMessage arms a recurring send.
func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.sessions.Heartbeat(userID)

	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, userID, err)
		return
	}
	if req.CronExpression == "" {
		writeError(w, r, userID, domain.Invalidf("cronExpression", "Cron expression is required for scheduling"))
		return
	}

	if _, err := h.sessions.Ensure(r.Context(), userID); err != nil {
		writeError(w, r, userID, err)
		return
	}

	scheduled, err := h.jobs.Schedule(r.Context(), scheduler.Request{
		OwnerUserID:    userID,
		CronExpression: req.CronExpression,
		RecipientType:  req.RecipientType,
		RecipientName:  req.RecipientName,
		Message:        req.Message,
		ImageURL:       req.ImageURL,
	})
	if err != nil {
		writeError(w, r, userID, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"message":        "Message scheduled successfully",
		"id":             scheduled.ID,
		"cronExpression": scheduled.Cron,
		"nextRunAt":      scheduled.NextRunAt,
	})
}

// CancelSchedule cancels one of the caller's jobs.
func (h *Handler) CancelSchedule(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	h.sessions.Heartbeat(userID)

	ok, err := h.jobs.Cancel(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, userID, err)
		return
	}
	if !ok {
		slog.Warn("Scheduled message not found or unauthorized", "job_id", id, "user_id", userID)
		writeError(w, r, userID, domain.ErrNotFoundOrUnauthorized)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"message": "Scheduled message deleted successfully"})
}

// ScheduledJobs lists the caller's active jobs.
func (h *Handler) ScheduledJobs(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.sessions.Heartbeat(userID)

	jobs, err := h.jobs.ListJobs(r.Context(), userID)
	if err != nil {
		writeError(w, r, userID, err)
		return
	}
	slog.Info("Returning scheduled jobs", "user_id", userID, "count", len(jobs))
	JSON(w, http.StatusOK, jobs)
}
