package sealed

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := New("test-secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	inputs := []string{
		"",
		"standup",
		"Team Alpha, +1 555 0100",
		"héllo wörld 👋 こんにちは",
		strings.Repeat("x", 4096),
	}
	for _, in := range inputs {
		ct, err := s.Seal(in)
		if err != nil {
			t.Fatalf("Seal(%q) failed: %v", in, err)
		}
		got, err := s.Open(ct)
		if err != nil {
			t.Fatalf("Open failed for %q: %v", in, err)
		}
		if got != in {
			t.Errorf("round trip mismatch: got %q, want %q", got, in)
		}
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	s := newTestSealer(t)
	a, _ := s.Seal("same")
	b, _ := s.Seal("same")
	if a == b {
		t.Error("expected different ciphertexts for repeated plaintext")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	s := newTestSealer(t)
	ct, err := s.Seal("standup")
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(ct)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	raw[len(raw)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(raw)

	cases := map[string]string{
		"tampered":   tampered,
		"truncated":  ct[:10],
		"not base64": "%%%not-base64%%%",
		"empty":      "",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Open(in); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("expected ErrInvalidCiphertext, got %v", err)
			}
		})
	}
}

func TestOpenRejectsOtherKey(t *testing.T) {
	a := newTestSealer(t)
	b, err := New("another-secret")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ct, _ := a.Seal("secret message")
	if _, err := b.Open(ct); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("expected ErrInvalidCiphertext, got %v", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("expected ErrEmptySecret, got %v", err)
	}
}

func FuzzRoundTrip(f *testing.F) {
	f.Add("")
	f.Add("standup")
	f.Add("日本語")
	s, err := New("fuzz-secret")
	if err != nil {
		f.Fatalf("New failed: %v", err)
	}
	f.Fuzz(func(t *testing.T, in string) {
		ct, err := s.Seal(in)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		got, err := s.Open(ct)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if got != in {
			t.Fatalf("round trip mismatch")
		}
	})
}
