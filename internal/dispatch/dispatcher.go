package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/wa-scheduler/internal/domain"
	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/telemetry"
)

// Request is one send to a recipient list.
type Request struct {
	RecipientType domain.RecipientType
	Recipients    []string
	Message       string
	ImageURL      string
}

// Dispatcher resolves recipients to chats and sends to all of them
// concurrently.
type Dispatcher struct {
	images *ImageCache
	tracer trace.Tracer
}

// NewDispatcher returns a dispatcher sharing images across every send.
func NewDispatcher(images *ImageCache) *Dispatcher {
	if images == nil {
		images = NewImageCache(nil)
	}
	return &Dispatcher{images: images, tracer: telemetry.Tracer()}
}

// Dispatch validates req, then sends to every recipient independently. It
// returns an error only when validation fails, in which case nothing was
// sent. Results are in recipient order.
func (d *Dispatcher) Dispatch(ctx context.Context, client messaging.Client, req Request) ([]domain.DispatchResult, error) {
	if err := ValidateRecipients(req.RecipientType, req.Recipients); err != nil {
		return nil, err
	}
	if req.Message == "" {
		return nil, domain.Invalidf("message", "must not be empty")
	}
	if err := ValidateImageURL(req.ImageURL); err != nil {
		return nil, err
	}

	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("recipient_type", string(req.RecipientType)),
		attribute.Int("recipients", len(req.Recipients)),
		attribute.Bool("has_image", req.ImageURL != ""),
	))
	defer span.End()

	listChats := sync.OnceValues(func() ([]messaging.Chat, error) {
		return client.ListChats(ctx)
	})

	results := make([]domain.DispatchResult, len(req.Recipients))
	var wg sync.WaitGroup
	for i, recipient := range req.Recipients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.sendOne(ctx, client, req, recipient, listChats)
		}()
	}
	wg.Wait()

	ok, failed := domain.Summarize(results)
	span.SetAttributes(attribute.Int("fulfilled", ok), attribute.Int("rejected", failed))
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d recipients failed", failed, len(results)))
	}
	return results, nil
}

func (d *Dispatcher) sendOne(
	ctx context.Context,
	client messaging.Client,
	req Request,
	recipient string,
	listChats func() ([]messaging.Chat, error),
) domain.DispatchResult {
	ctx, span := d.tracer.Start(ctx, "dispatch.recipient")
	defer span.End()

	err := d.deliver(ctx, client, req, recipient, listChats)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		telemetry.DispatchResults.WithLabelValues(string(domain.DispatchRejected)).Inc()
		slog.Warn("Send failed", "error", &domain.DispatchError{Recipient: recipient, Err: err})
		return domain.DispatchResult{Recipient: recipient, Status: domain.DispatchRejected, Error: err.Error()}
	}
	telemetry.DispatchResults.WithLabelValues(string(domain.DispatchFulfilled)).Inc()
	return domain.DispatchResult{Recipient: recipient, Status: domain.DispatchFulfilled}
}

func (d *Dispatcher) deliver(
	ctx context.Context,
	client messaging.Client,
	req Request,
	recipient string,
	listChats func() ([]messaging.Chat, error),
) error {
	chatID, err := resolveChat(ctx, client, req.RecipientType, recipient, listChats)
	if err != nil {
		return err
	}

	msg := messaging.Message{Text: req.Message}
	if req.ImageURL != "" {
		media, err := d.images.Get(ctx, req.ImageURL)
		if err != nil {
			return err
		}
		msg.Image = media
	}

	return client.Send(ctx, chatID, msg)
}

// resolveChat maps a group name (exact, case-sensitive) or a phone number to
// a chat id.
func resolveChat(
	ctx context.Context,
	client messaging.Client,
	kind domain.RecipientType,
	recipient string,
	listChats func() ([]messaging.Chat, error),
) (string, error) {
	if kind == domain.RecipientGroup {
		chats, err := listChats()
		if err != nil {
			return "", fmt.Errorf("list chats: %w", err)
		}
		for _, c := range chats {
			if c.IsGroup && c.Name == recipient {
				return c.ID, nil
			}
		}
		return "", fmt.Errorf("%w: group %q", messaging.ErrChatNotFound, recipient)
	}

	id, err := messaging.IndividualChatID(recipient)
	if err != nil {
		return "", err
	}
	chat, err := client.GetChatByID(ctx, id)
	if err != nil {
		return "", err
	}
	return chat.ID, nil
}
