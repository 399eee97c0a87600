// Package messagingtest provides an in-memory messaging capability for tests.
package messagingtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/wa-scheduler/internal/messaging"
)

// SentMessage records one successful Send.
type SentMessage struct {
	ChatID  string
	Message messaging.Message
}

// Provider creates scriptable clients. Exported fields configure every client
// it creates and must be set before use.
type Provider struct {
	// NewErr fails NewClient.
	NewErr error
	// ConnectErr fails the first ConnectFailures connect attempts; zero
	// ConnectFailures with a non-nil ConnectErr fails every attempt.
	ConnectErr      error
	ConnectFailures int
	// ConnectDelay blocks Connect, which lets tests overlap callers.
	ConnectDelay time.Duration
	// OnConnect runs after a successful connect, e.g. to emit events.
	OnConnect func(c *Client)

	Chats     []messaging.Chat
	ListErr   error
	ChatErrs  map[string]error
	SendErrs  map[string]error
	SendDelay time.Duration

	mu       sync.Mutex
	clients  map[string][]*Client
	connects int
}

// NewProvider returns an empty provider.
func NewProvider() *Provider {
	return &Provider{
		ChatErrs: make(map[string]error),
		SendErrs: make(map[string]error),
		clients:  make(map[string][]*Client),
	}
}

// NewClient implements messaging.Provider.
func (p *Provider) NewClient(_ context.Context, userID string, events chan<- messaging.Event) (messaging.Client, error) {
	if p.NewErr != nil {
		return nil, p.NewErr
	}
	c := &Client{UserID: userID, events: events, p: p}
	p.mu.Lock()
	p.clients[userID] = append(p.clients[userID], c)
	p.mu.Unlock()
	return c, nil
}

// Created returns how many clients were built for userID.
func (p *Provider) Created(userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients[userID])
}

// Last returns the most recent client built for userID.
func (p *Provider) Last(userID string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	cs := p.clients[userID]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (p *Provider) connectAttempt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.ConnectErr == nil {
		return nil
	}
	if p.ConnectFailures == 0 || p.connects <= p.ConnectFailures {
		return p.ConnectErr
	}
	return nil
}

// Connects returns the total number of connect attempts.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Client is an in-memory messaging.Client.
type Client struct {
	UserID string

	events chan<- messaging.Event
	p      *Provider

	mu        sync.Mutex
	connected bool
	destroyed bool
	loggedOut bool
	sent      []SentMessage
}

// Emit sends an event as this client.
func (c *Client) Emit(kind messaging.EventKind, challenge string) {
	c.events <- messaging.Event{UserID: c.UserID, Kind: kind, Challenge: challenge, Client: c}
}

// Connect implements messaging.Client.
func (c *Client) Connect(ctx context.Context) error {
	if c.p.ConnectDelay > 0 {
		select {
		case <-time.After(c.p.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := c.p.connectAttempt(); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.p.OnConnect != nil {
		c.p.OnConnect(c)
	}
	return nil
}

// ListChats implements messaging.Client.
func (c *Client) ListChats(_ context.Context) ([]messaging.Chat, error) {
	if c.p.ListErr != nil {
		return nil, c.p.ListErr
	}
	out := make([]messaging.Chat, len(c.p.Chats))
	copy(out, c.p.Chats)
	return out, nil
}

// GetChatByID implements messaging.Client.
func (c *Client) GetChatByID(_ context.Context, id string) (messaging.Chat, error) {
	if err := c.p.ChatErrs[id]; err != nil {
		return messaging.Chat{}, err
	}
	return messaging.Chat{ID: id}, nil
}

// Send implements messaging.Client.
func (c *Client) Send(ctx context.Context, chatID string, msg messaging.Message) error {
	if c.p.SendDelay > 0 {
		select {
		case <-time.After(c.p.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := c.p.SendErrs[chatID]; err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("send on destroyed client: %w", messaging.ErrNotConnected)
	}
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Message: msg})
	return nil
}

// Logout implements messaging.Client.
func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.New("logout on destroyed client")
	}
	c.loggedOut = true
	return nil
}

// Destroy implements messaging.Client.
func (c *Client) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.connected = false
}

// Sent returns a copy of the delivered messages.
func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SentMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// Destroyed reports whether Destroy was called.
func (c *Client) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// LoggedOut reports whether Logout was called.
func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}
