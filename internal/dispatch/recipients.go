// Package dispatch fans a message out to up to three chats.
package dispatch

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/ashureev/wa-scheduler/internal/domain"
)

// MaxRecipients is the most chats one send may target.
const MaxRecipients = 3

var phonePattern = regexp.MustCompile(`^\+?[1-9][\d\s]{7,14}\d$`)

// ParseRecipients splits a comma separated list and trims each name. Empty
// names are dropped.
func ParseRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateRecipients checks the recipient list before anything is sent.
func ValidateRecipients(kind domain.RecipientType, recipients []string) error {
	if !kind.Valid() {
		return domain.Invalidf("recipientType", "must be %q or %q", domain.RecipientIndividual, domain.RecipientGroup)
	}
	if len(recipients) == 0 {
		return domain.Invalidf("recipientName", "at least one recipient is required")
	}
	if len(recipients) > MaxRecipients {
		return domain.Invalid("recipientName",
			fmt.Errorf("%w: got %d, at most %d allowed", domain.ErrTooManyRecipients, len(recipients), MaxRecipients))
	}
	if kind == domain.RecipientIndividual {
		for _, r := range recipients {
			if !phonePattern.MatchString(r) {
				return domain.Invalidf("recipientName", "invalid phone number %q", r)
			}
		}
	}
	return nil
}

// ValidateImageURL accepts an empty string or an absolute http(s) URL.
func ValidateImageURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.Invalidf("imageUrl", "must be an absolute http(s) URL")
	}
	return nil
}
