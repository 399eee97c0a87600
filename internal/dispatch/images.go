package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/wa-scheduler/internal/messaging"
	"github.com/ashureev/wa-scheduler/internal/telemetry"
)

const (
	defaultMaxImageBytes = 16 << 20
	downloadTimeout      = 30 * time.Second
)

type imageEntry struct {
	done  chan struct{}
	media *messaging.Media
	err   error
}

// ImageCache downloads each image URL once per process. Entries never expire;
// failed downloads are forgotten so a later send can retry.
type ImageCache struct {
	client   *http.Client
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*imageEntry
}

// NewImageCache returns a cache that downloads with client. A nil client uses
// one with a 30s timeout.
func NewImageCache(client *http.Client) *ImageCache {
	if client == nil {
		client = &http.Client{Timeout: downloadTimeout}
	}
	return &ImageCache{client: client, maxBytes: defaultMaxImageBytes, entries: make(map[string]*imageEntry)}
}

// Get returns the image at rawURL, downloading it on first use. Concurrent
// callers for the same URL share one download.
func (c *ImageCache) Get(ctx context.Context, rawURL string) (*messaging.Media, error) {
	c.mu.Lock()
	e, ok := c.entries[rawURL]
	if ok {
		c.mu.Unlock()
		telemetry.ImageCacheLookups.WithLabelValues("hit").Inc()
		select {
		case <-e.done:
			return e.media, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e = &imageEntry{done: make(chan struct{})}
	c.entries[rawURL] = e
	c.mu.Unlock()
	telemetry.ImageCacheLookups.WithLabelValues("miss").Inc()

	e.media, e.err = c.download(context.WithoutCancel(ctx), rawURL)
	if e.err != nil {
		c.mu.Lock()
		delete(c.entries, rawURL)
		c.mu.Unlock()
		slog.Warn("Image download failed", "url", rawURL, "error", e.err)
	}
	close(e.done)
	return e.media, e.err
}

// Len returns the number of cached or in-flight entries.
func (c *ImageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ImageCache) download(ctx context.Context, rawURL string) (*messaging.Media, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close image response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > c.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", c.maxBytes)
	}

	mimeType := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = mt
		}
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("unsupported content type %q", mimeType)
	}

	return &messaging.Media{Data: data, MimeType: mimeType}, nil
}
