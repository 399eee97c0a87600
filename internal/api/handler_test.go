//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/wa-scheduler/internal/dispatch"
	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/identity"
	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/scheduler"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Invalidf("message", "must not be empty"), http.StatusBadRequest},
		{domain.ErrNotFoundOrUnauthorized, http.StatusNotFound},
		{&domain.SessionInitError{UserID: "u", Err: errors.New("x")}, http.StatusServiceUnavailable},
		{&domain.PersistenceError{Op: "save", Err: errors.New("x")}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

type fakeSessions struct {
	mu         sync.Mutex
	state      *domain.SessionState
	ensureErr  error
	heartbeats int
	ensured    int
	loggedOut  bool
}

func (f *fakeSessions) Ensure(context.Context, string) (messaging.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil, f.ensureErr
}

func (f *fakeSessions) State(context.Context, string) (*domain.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == nil {
		return nil, nil
	}
	s := *f.state
	return &s, nil
}

func (f *fakeSessions) Heartbeat(string) {
	f.mu.Lock()
	f.heartbeats++
	f.mu.Unlock()
}

func (f *fakeSessions) Logout(context.Context, string) error {
	f.mu.Lock()
	f.loggedOut = true
	f.mu.Unlock()
	return nil
}

type fakeJobs struct {
	mu        sync.Mutex
	sent      []dispatch.Request
	scheduled []scheduler.Request
	results   []domain.DispatchResult
	err       error
	cancelled map[string]string
	jobs      []*domain.ScheduledJob
}

func (f *fakeJobs) SendNow(_ context.Context, _ string, req dispatch.Request) ([]domain.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := dispatch.ValidateRecipients(req.RecipientType, req.Recipients); err != nil {
		return nil, err
	}
	f.sent = append(f.sent, req)
	return f.results, f.err
}

func (f *fakeJobs) Schedule(_ context.Context, req scheduler.Request) (*scheduler.Scheduled, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.scheduled = append(f.scheduled, req)
	return &scheduler.Scheduled{ID: "job-1", Cron: "0 9 * * *", NextRunAt: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled[id] == owner {
		delete(f.cancelled, id)
		return true, nil
	}
	return false, nil
}

func (f *fakeJobs) ListJobs(context.Context, string) ([]*domain.ScheduledJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs, f.err
}

func newTestRouter(sessions Sessions, jobs Jobs, limit func(http.Handler) http.Handler) http.Handler {
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithUserID(req.Context(), "user-1")))
		})
	})
	NewHandler(sessions, jobs).RegisterRoutes(r, limit)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]interface{}
	_ = json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func TestQR(t *testing.T) {
	tests := []struct {
		name       string
		state      *domain.SessionState
		ensureErr  error
		wantStatus int
		wantKey    string
	}{
		{"authenticated", &domain.SessionState{Phase: domain.PhaseReady, IsAuthenticated: true}, nil, http.StatusOK, "authenticated"},
		{"challenge", &domain.SessionState{Phase: domain.PhaseAwaitingPairing, PairingChallenge: "data:image/png;base64,AA"}, nil, http.StatusOK, "qrCode"},
		{"initializing", &domain.SessionState{Phase: domain.PhaseConnecting}, nil, http.StatusAccepted, "message"},
		{"init failed", nil, &domain.SessionInitError{UserID: "user-1", Attempts: 3, Err: errors.New("offline")}, http.StatusServiceUnavailable, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &fakeSessions{state: tt.state, ensureErr: tt.ensureErr}
			rr, body := do(t, newTestRouter(sessions, &fakeJobs{}, nil), http.MethodGet, "/api/qr", "")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if _, ok := body[tt.wantKey]; !ok {
				t.Errorf("body %v missing %q", body, tt.wantKey)
			}
			if sessions.heartbeats == 0 {
				t.Error("QR must record a heartbeat")
			}
		})
	}
}

func TestAuthStatus(t *testing.T) {
	sessions := &fakeSessions{}
	h := newTestRouter(sessions, &fakeJobs{}, nil)

	rr, body := do(t, h, http.MethodGet, "/api/auth-status", "")
	if rr.Code != http.StatusOK || body["isAuthenticated"] != false || body["lastHeartbeat"] != nil {
		t.Fatalf("no session: %d %v", rr.Code, body)
	}
	if sessions.ensured != 0 {
		t.Error("auth-status must not create a session")
	}

	sessions.state = &domain.SessionState{
		Phase:           domain.PhaseReady,
		IsAuthenticated: true,
		LastHeartbeat:   time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC),
	}
	_, body = do(t, h, http.MethodGet, "/api/auth-status", "")
	if body["isAuthenticated"] != true || body["isClientReady"] != true || body["lastHeartbeat"] != "2026-10-18T08:00:00Z" {
		t.Errorf("ready session: %v", body)
	}
}

func TestSendMessage(t *testing.T) {
	jobs := &fakeJobs{results: []domain.DispatchResult{
		{Recipient: "Team", Status: domain.DispatchFulfilled},
		{Recipient: "Ops", Status: domain.DispatchRejected, Error: "chat not found"},
	}}
	h := newTestRouter(&fakeSessions{}, jobs, nil)

	rr, body := do(t, h, http.MethodPost, "/api/send-message",
		`{"recipientType":"group","recipientName":"Team, Ops","message":"hello"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if body["message"] != "Messages sent. Successful: 1, Failed: 1" {
		t.Errorf("message = %v", body["message"])
	}
	if details, _ := body["details"].([]interface{}); len(details) != 2 {
		t.Errorf("details = %v", body["details"])
	}
	if got := jobs.sent[0].Recipients; len(got) != 2 || got[1] != "Ops" {
		t.Errorf("recipients = %q", got)
	}
}

func TestSendMessageRejectsTooManyRecipients(t *testing.T) {
	jobs := &fakeJobs{}
	rr, _ := do(t, newTestRouter(&fakeSessions{}, jobs, nil), http.MethodPost, "/api/send-message",
		`{"recipientType":"group","recipientName":"a,b,c,d","message":"hello"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if len(jobs.sent) != 0 {
		t.Error("nothing may be sent")
	}
}

func TestSendMessageBadJSON(t *testing.T) {
	rr, _ := do(t, newTestRouter(&fakeSessions{}, &fakeJobs{}, nil), http.MethodPost, "/api/send-message", `{"recipientType":`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestScheduleMessage(t *testing.T) {
	jobs := &fakeJobs{}
	sessions := &fakeSessions{}
	h := newTestRouter(sessions, jobs, nil)

	rr, _ := do(t, h, http.MethodPost, "/api/schedule-message",
		`{"recipientType":"group","recipientName":"Team","message":"standup"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing cron status = %d, want 400", rr.Code)
	}

	rr, body := do(t, h, http.MethodPost, "/api/schedule-message",
		`{"recipientType":"group","recipientName":"Team","message":"standup","cronExpression":"0 9 * * *"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if body["id"] != "job-1" || body["message"] != "Message scheduled successfully" {
		t.Errorf("body = %v", body)
	}
	if got := jobs.scheduled[0]; got.OwnerUserID != "user-1" || got.CronExpression != "0 9 * * *" {
		t.Errorf("scheduled = %+v", got)
	}
	if sessions.ensured != 1 {
		t.Errorf("ensured = %d, want 1", sessions.ensured)
	}
}

func TestScheduleMessagePersistenceFailure(t *testing.T) {
	jobs := &fakeJobs{err: &domain.PersistenceError{Op: "create job", Err: errors.New("disk full")}}
	rr, body := do(t, newTestRouter(&fakeSessions{}, jobs, nil), http.MethodPost, "/api/schedule-message",
		`{"recipientType":"group","recipientName":"Team","message":"standup","cronExpression":"0 9 * * *"}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "disk full") {
		t.Errorf("internal error leaked: %v", body)
	}
}

func TestCancelSchedule(t *testing.T) {
	jobs := &fakeJobs{cancelled: map[string]string{"job-1": "user-1", "job-2": "someone-else"}}
	h := newTestRouter(&fakeSessions{}, jobs, nil)

	if rr, _ := do(t, h, http.MethodDelete, "/api/cancel-schedule/job-1", ""); rr.Code != http.StatusOK {
		t.Errorf("own job status = %d, want 200", rr.Code)
	}
	if rr, _ := do(t, h, http.MethodDelete, "/api/cancel-schedule/job-1", ""); rr.Code != http.StatusNotFound {
		t.Errorf("second cancel status = %d, want 404", rr.Code)
	}
	if rr, _ := do(t, h, http.MethodDelete, "/api/cancel-schedule/job-2", ""); rr.Code != http.StatusNotFound {
		t.Errorf("foreign job status = %d, want 404", rr.Code)
	}
}

func TestScheduledJobs(t *testing.T) {
	jobs := &fakeJobs{jobs: []*domain.ScheduledJob{{ID: "job-1", OwnerUserID: "user-1", Message: "standup", Status: domain.JobPending}}}
	rr, _ := do(t, newTestRouter(&fakeSessions{}, jobs, nil), http.MethodGet, "/api/scheduled-jobs", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []domain.ScheduledJob
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Message != "standup" {
		t.Errorf("jobs = %+v", got)
	}
}

func TestLogout(t *testing.T) {
	sessions := &fakeSessions{}
	rr, _ := do(t, newTestRouter(sessions, &fakeJobs{}, nil), http.MethodPost, "/api/logout", "")
	if rr.Code != http.StatusOK || !sessions.loggedOut {
		t.Fatalf("status = %d, loggedOut = %v", rr.Code, sessions.loggedOut)
	}
}

func TestLimitOnlyWrapsSendRoutes(t *testing.T) {
	refuse := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
	}
	h := newTestRouter(&fakeSessions{}, &fakeJobs{}, refuse)

	if rr, _ := do(t, h, http.MethodPost, "/api/send-message", `{}`); rr.Code != http.StatusTooManyRequests {
		t.Errorf("send-message status = %d, want 429", rr.Code)
	}
	if rr, _ := do(t, h, http.MethodPost, "/api/schedule-message", `{}`); rr.Code != http.StatusTooManyRequests {
		t.Errorf("schedule-message status = %d, want 429", rr.Code)
	}
	if rr, _ := do(t, h, http.MethodGet, "/api/auth-status", ""); rr.Code != http.StatusOK {
		t.Errorf("auth-status status = %d, want 200", rr.Code)
	}
}
