package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

const (
	emitTimeout       = 5 * time.Second
	deviceSaveTimeout = 10 * time.Second
)

// DeviceStore maps users to the whatsmeow device they paired.
type DeviceStore interface {
	GetDeviceJID(ctx context.Context, userID string) (string, error)
	SetDeviceJID(ctx context.Context, userID, jid string) error
	DeleteDeviceJID(ctx context.Context, userID string) error
}

// WhatsmeowProvider builds clients backed by a shared whatsmeow device store.
type WhatsmeowProvider struct {
	container *sqlstore.Container
	devices   DeviceStore
	log       waLog.Logger
}

// NewWhatsmeowProvider opens (and migrates) the whatsmeow key store at dbPath.
func NewWhatsmeowProvider(ctx context.Context, dbPath string, devices DeviceStore, logger zerolog.Logger) (*WhatsmeowProvider, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create device store directory: %w", err)
	}

	wl := waLog.Zerolog(logger)
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	container, err := sqlstore.New(ctx, "sqlite", dsn, wl.Sub("Database"))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	return &WhatsmeowProvider{container: container, devices: devices, log: wl}, nil
}

// Close closes the device store.
func (p *WhatsmeowProvider) Close() error {
	return p.container.Close()
}

// NewClient returns a client for userID, reusing the user's paired device when
// one is on record.
func (p *WhatsmeowProvider) NewClient(ctx context.Context, userID string, events chan<- Event) (Client, error) {
	device, err := p.device(ctx, userID)
	if err != nil {
		return nil, err
	}

	cli := whatsmeow.NewClient(device, p.log.Sub("Client/"+userID))
	cli.EnableAutoReconnect = false

	c := &whatsmeowClient{
		userID:  userID,
		cli:     cli,
		events:  events,
		devices: p.devices,
		closed:  make(chan struct{}),
	}
	c.handlerID = cli.AddEventHandler(c.handleEvent)
	return c, nil
}

func (p *WhatsmeowProvider) device(ctx context.Context, userID string) (*store.Device, error) {
	jidStr, err := p.devices.GetDeviceJID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("look up device: %w", err)
	}
	if jidStr != "" {
		jid, err := types.ParseJID(jidStr)
		if err != nil {
			slog.Warn("Ignoring malformed device JID", "user_id", userID, "error", err)
		} else {
			device, err := p.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, fmt.Errorf("load device: %w", err)
			}
			if device != nil {
				return device, nil
			}
			slog.Info("Paired device no longer in store, pairing again", "user_id", userID)
		}
	}
	return p.container.NewDevice(), nil
}

type whatsmeowClient struct {
	userID    string
	cli       *whatsmeow.Client
	events    chan<- Event
	devices   DeviceStore
	handlerID uint32

	mu       sync.Mutex
	cancelQR context.CancelFunc
	closed   chan struct{}
	once     sync.Once
}

func (c *whatsmeowClient) emit(ev Event) {
	ev.UserID = c.userID
	ev.Client = c
	select {
	case c.events <- ev:
	case <-c.closed:
	case <-time.After(emitTimeout):
		slog.Warn("Dropping session event, consumer not keeping up", "user_id", c.userID, "kind", ev.Kind)
	}
}

func (c *whatsmeowClient) Connect(_ context.Context) error {
	if c.cli.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := c.cli.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("get qr channel: %w", err)
		}
		c.mu.Lock()
		c.cancelQR = cancel
		c.mu.Unlock()
		go c.watchQR(qrChan)
	}

	if err := c.cli.Connect(); err != nil {
		c.stopQR()
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *whatsmeowClient) watchQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(Event{Kind: EventPairingChallenge, Challenge: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			c.emit(Event{Kind: EventAuthenticated})
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(Event{Kind: EventDisconnected, Reason: "pairing timed out"})
		case whatsmeow.QRChannelEventError:
			reason := "pairing failed"
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(Event{Kind: EventAuthFailure, Reason: reason})
		}
	}
}

func (c *whatsmeowClient) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		ctx, cancel := context.WithTimeout(context.Background(), deviceSaveTimeout)
		defer cancel()
		if err := c.devices.SetDeviceJID(ctx, c.userID, v.ID.String()); err != nil {
			slog.Error("Failed to record paired device", "user_id", c.userID, "error", err)
		}
		c.emit(Event{Kind: EventAuthenticated})
	case *events.Connected:
		if c.cli.Store.ID != nil {
			c.emit(Event{Kind: EventReady})
		}
	case *events.LoggedOut:
		ctx, cancel := context.WithTimeout(context.Background(), deviceSaveTimeout)
		defer cancel()
		if err := c.devices.DeleteDeviceJID(ctx, c.userID); err != nil {
			slog.Error("Failed to forget logged out device", "user_id", c.userID, "error", err)
		}
		c.emit(Event{Kind: EventDisconnected, Reason: "logged out"})
	case *events.StreamReplaced:
		c.emit(Event{Kind: EventDisconnected, Reason: "stream replaced"})
	case *events.Disconnected:
		c.emit(Event{Kind: EventDisconnected, Reason: "connection lost"})
	case *events.ConnectFailure:
		c.emit(Event{Kind: EventAuthFailure, Reason: fmt.Sprint(v.Reason)})
	}
}

func (c *whatsmeowClient) ListChats(ctx context.Context) ([]Chat, error) {
	if !c.cli.IsLoggedIn() {
		return nil, ErrNotConnected
	}
	groups, err := c.cli.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("get joined groups: %w", err)
	}
	chats := make([]Chat, 0, len(groups))
	for _, g := range groups {
		chats = append(chats, Chat{ID: g.JID.String(), Name: g.Name, IsGroup: true})
	}
	return chats, nil
}

func (c *whatsmeowClient) GetChatByID(ctx context.Context, id string) (Chat, error) {
	jid, err := types.ParseJID(id)
	if err != nil {
		return Chat{}, fmt.Errorf("%w: %v", ErrChatNotFound, err)
	}
	if jid.Server == types.GroupServer {
		return Chat{ID: jid.String(), IsGroup: true}, nil
	}
	if !c.cli.IsLoggedIn() {
		return Chat{}, ErrNotConnected
	}

	infos, err := c.cli.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return Chat{}, fmt.Errorf("check number: %w", err)
	}
	if len(infos) == 0 || !infos[0].IsIn {
		return Chat{}, fmt.Errorf("%w: %s", ErrChatNotFound, jid.User)
	}
	return Chat{ID: infos[0].JID.String()}, nil
}

func (c *whatsmeowClient) Send(ctx context.Context, chatID string, msg Message) error {
	if !c.cli.IsLoggedIn() {
		return ErrNotConnected
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChatNotFound, err)
	}

	content := &waE2E.Message{Conversation: proto.String(msg.Text)}
	if msg.Image != nil {
		up, err := c.cli.Upload(ctx, msg.Image.Data, whatsmeow.MediaImage)
		if err != nil {
			return fmt.Errorf("upload image: %w", err)
		}
		content = &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           proto.String(up.URL),
				DirectPath:    proto.String(up.DirectPath),
				Mimetype:      proto.String(msg.Image.MimeType),
				Caption:       proto.String(msg.Text),
				FileLength:    proto.Uint64(up.FileLength),
				FileSHA256:    up.FileSHA256,
				FileEncSHA256: up.FileEncSHA256,
				MediaKey:      up.MediaKey,
			},
		}
	}

	if _, err := c.cli.SendMessage(ctx, jid, content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (c *whatsmeowClient) Logout(ctx context.Context) error {
	if c.cli.Store.ID != nil {
		if err := c.cli.Logout(ctx); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
	}
	if err := c.devices.DeleteDeviceJID(ctx, c.userID); err != nil {
		return fmt.Errorf("forget device: %w", err)
	}
	return nil
}

func (c *whatsmeowClient) Destroy() {
	c.once.Do(func() {
		close(c.closed)
		c.stopQR()
		c.cli.RemoveEventHandler(c.handlerID)
		c.cli.Disconnect()
	})
}

func (c *whatsmeowClient) stopQR() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelQR != nil {
		c.cancelQR()
		c.cancelQR = nil
	}
}
