// Package messaging defines the chat capability owned by a user session and
// adapts whatsmeow to it.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.mau.fi/whatsmeow/types"
)

// EventKind identifies a lifecycle event reported by a Client.
type EventKind string

const (
	EventPairingChallenge EventKind = "pairing_challenge"
	EventAuthenticated    EventKind = "authenticated"
	EventReady            EventKind = "ready"
	EventAuthFailure      EventKind = "auth_failure"
	EventDisconnected     EventKind = "disconnected"
)

// Event is written by a Client to the channel handed to Provider.NewClient.
// Client identifies the emitter so that events from a replaced client can be
// told apart from the current one.
type Event struct {
	UserID    string
	Kind      EventKind
	Challenge string
	Reason    string
	Client    Client
}

// Chat is a conversation the client can send to.
type Chat struct {
	ID      string
	Name    string
	IsGroup bool
}

// Media is an attachment ready to upload.
type Media struct {
	Data     []byte
	MimeType string
}

// Message is an outbound message. When Image is set, Text is its caption.
type Message struct {
	Text  string
	Image *Media
}

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrNotConnected = errors.New("client not connected")
)

// Client is one user's connection to the chat network.
type Client interface {
	// Connect opens the connection. An unpaired client emits pairing
	// challenges afterwards.
	Connect(ctx context.Context) error

	// ListChats returns the chats that can be matched by name.
	ListChats(ctx context.Context) ([]Chat, error)

	// GetChatByID resolves a chat id and fails with ErrChatNotFound when the
	// chat does not exist.
	GetChatByID(ctx context.Context, id string) (Chat, error)

	// Send delivers msg to the chat.
	Send(ctx context.Context, chatID string, msg Message) error

	// Logout unlinks the device so the next session must pair again.
	Logout(ctx context.Context) error

	// Destroy closes the connection and stops event delivery.
	Destroy()
}

// Provider builds clients. Events for the new client are written to events.
type Provider interface {
	NewClient(ctx context.Context, userID string, events chan<- Event) (Client, error)
}

// IndividualChatID keeps only the digits of phone and returns the chat id of
// that number.
func IndividualChatID(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			return r
		}
		return -1
	}, phone)
	if digits == "" {
		return "", fmt.Errorf("phone number %q has no digits", phone)
	}
	return types.NewJID(digits, types.DefaultUserServer).String(), nil
}
