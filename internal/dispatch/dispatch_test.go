package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/messaging/messagingtest"
)

func newClient(t *testing.T, p *messagingtest.Provider) *messagingtest.Client {
	t.Helper()
	c, err := p.NewClient(context.Background(), "u1", make(chan messaging.Event, 8))
	if err != nil {
		t.Fatal(err)
	}
	return c.(*messagingtest.Client)
}

func TestParseRecipients(t *testing.T) {
	got := ParseRecipients(" Team A, ,Team B ,")
	if len(got) != 2 || got[0] != "Team A" || got[1] != "Team B" {
		t.Errorf("ParseRecipients() = %q", got)
	}
}

func TestValidateRecipients(t *testing.T) {
	tests := []struct {
		name    string
		kind    domain.RecipientType
		list    []string
		valid   bool
		wantErr error
	}{
		{"valid phones", domain.RecipientIndividual, []string{"+15550100001", "44 7700 900123"}, true, nil},
		{"valid groups", domain.RecipientGroup, []string{"a", "b", "c"}, true, nil},
		{"too many", domain.RecipientGroup, []string{"a", "b", "c", "d"}, false, domain.ErrTooManyRecipients},
		{"empty", domain.RecipientGroup, nil, false, nil},
		{"bad phone", domain.RecipientIndividual, []string{"12ab"}, false, nil},
		{"leading zero", domain.RecipientIndividual, []string{"0123456789"}, false, nil},
		{"bad type", domain.RecipientType("channel"), []string{"a"}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecipients(tt.kind, tt.list)
			if tt.valid {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if !domain.IsValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v in chain, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateImageURL(t *testing.T) {
	for _, ok := range []string{"", "https://example.com/a.png", "http://cdn.example.com/x"} {
		if err := ValidateImageURL(ok); err != nil {
			t.Errorf("ValidateImageURL(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"example.com/a.png", "ftp://example.com/a", "https://", "::"} {
		if err := ValidateImageURL(bad); err == nil {
			t.Errorf("ValidateImageURL(%q) should fail", bad)
		}
	}
}

func TestDispatchRejectsTooManyBeforeSending(t *testing.T) {
	p := messagingtest.NewProvider()
	c := newClient(t, p)

	_, err := NewDispatcher(nil).Dispatch(context.Background(), c, Request{
		RecipientType: domain.RecipientIndividual,
		Recipients:    []string{"+15550100001", "+15550100002", "+15550100003", "+15550100004"},
		Message:       "hi",
	})
	if !errors.Is(err, domain.ErrTooManyRecipients) {
		t.Fatalf("expected ErrTooManyRecipients, got %v", err)
	}
	if len(c.Sent()) != 0 {
		t.Error("nothing may be sent when validation fails")
	}
}

func TestDispatchIndividualPartialFailure(t *testing.T) {
	p := messagingtest.NewProvider()
	p.ChatErrs["15550100002@s.whatsapp.net"] = messaging.ErrChatNotFound
	c := newClient(t, p)

	results, err := NewDispatcher(nil).Dispatch(context.Background(), c, Request{
		RecipientType: domain.RecipientIndividual,
		Recipients:    []string{"+1 555 010 0001", "+15550100002", "15550100003"},
		Message:       "standup",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	wantStatus := []domain.DispatchStatus{domain.DispatchFulfilled, domain.DispatchRejected, domain.DispatchFulfilled}
	for i, want := range wantStatus {
		if results[i].Status != want {
			t.Errorf("results[%d].Status = %s, want %s", i, results[i].Status, want)
		}
	}
	if results[1].Recipient != "+15550100002" || results[1].Error == "" {
		t.Errorf("rejected result = %+v", results[1])
	}

	sent := c.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	ids := map[string]bool{}
	for _, s := range sent {
		ids[s.ChatID] = true
		if s.Message.Text != "standup" || s.Message.Image != nil {
			t.Errorf("unexpected message %+v", s.Message)
		}
	}
	if !ids["15550100001@s.whatsapp.net"] || !ids["15550100003@s.whatsapp.net"] {
		t.Errorf("sent to %v", ids)
	}
}

func TestDispatchGroupExactMatch(t *testing.T) {
	p := messagingtest.NewProvider()
	p.Chats = []messaging.Chat{
		{ID: "111@g.us", Name: "Team", IsGroup: true},
		{ID: "222@g.us", Name: "team", IsGroup: true},
		{ID: "333@s.whatsapp.net", Name: "Ops"},
	}
	c := newClient(t, p)

	results, err := NewDispatcher(nil).Dispatch(context.Background(), c, Request{
		RecipientType: domain.RecipientGroup,
		Recipients:    []string{"Team", "Ops", "team"},
		Message:       "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Status != domain.DispatchFulfilled || results[2].Status != domain.DispatchFulfilled {
		t.Errorf("expected both case variants to resolve to their own group: %+v", results)
	}
	if results[1].Status != domain.DispatchRejected {
		t.Errorf("non-group chat must not match a group name: %+v", results[1])
	}

	sent := map[string]bool{}
	for _, s := range c.Sent() {
		sent[s.ChatID] = true
	}
	if !sent["111@g.us"] || !sent["222@g.us"] || len(sent) != 2 {
		t.Errorf("sent to %v", sent)
	}
}

func TestDispatchSendErrorIsIsolated(t *testing.T) {
	p := messagingtest.NewProvider()
	p.Chats = []messaging.Chat{{ID: "1@g.us", Name: "A", IsGroup: true}, {ID: "2@g.us", Name: "B", IsGroup: true}}
	p.SendErrs["1@g.us"] = errors.New("rate limited")
	c := newClient(t, p)

	results, err := NewDispatcher(nil).Dispatch(context.Background(), c, Request{
		RecipientType: domain.RecipientGroup,
		Recipients:    []string{"A", "B"},
		Message:       "x",
	})
	if err != nil {
		t.Fatal(err)
	}
	ok, failed := domain.Summarize(results)
	if ok != 1 || failed != 1 || results[0].Error != "rate limited" {
		t.Errorf("results = %+v", results)
	}
}

func TestDispatchCachesImage(t *testing.T) {
	var downloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		downloads.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	}))
	defer srv.Close()

	p := messagingtest.NewProvider()
	c := newClient(t, p)
	d := NewDispatcher(NewImageCache(srv.Client()))
	req := Request{
		RecipientType: domain.RecipientIndividual,
		Recipients:    []string{"+15550100001", "+15550100002", "+15550100003"},
		Message:       "caption",
		ImageURL:      srv.URL + "/a.png",
	}

	for range 2 {
		results, err := d.Dispatch(context.Background(), c, req)
		if err != nil {
			t.Fatal(err)
		}
		if _, failed := domain.Summarize(results); failed != 0 {
			t.Fatalf("unexpected failures: %+v", results)
		}
	}

	if n := downloads.Load(); n != 1 {
		t.Errorf("downloaded %d times, want 1", n)
	}
	for _, s := range c.Sent() {
		if s.Message.Image == nil || s.Message.Image.MimeType != "image/png" || s.Message.Text != "caption" {
			t.Fatalf("unexpected message %+v", s.Message)
		}
	}
}

func TestImageCacheForgetsFailures(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		// No content type: sniffed from the bytes.
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\n0000"))
	}))
	defer srv.Close()

	cache := NewImageCache(srv.Client())
	if _, err := cache.Get(context.Background(), srv.URL); err == nil {
		t.Fatal("expected first download to fail")
	}
	if cache.Len() != 0 {
		t.Error("failed download must not stay cached")
	}
	media, err := cache.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("second Get() error = %v", err)
	}
	if media.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", media.MimeType)
	}
}

func TestImageCacheRejectsNonImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	if _, err := NewImageCache(srv.Client()).Get(context.Background(), srv.URL); err == nil {
		t.Fatal("expected non-image content to be rejected")
	}
}
