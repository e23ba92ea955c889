package eventbus

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// daprPublishTimeout caps a publish call even when the caller's context
// carries no deadline of its own.
const daprPublishTimeout = 5 * time.Second

// DaprPublisher publishes events through the Dapr sidecar's pub/sub
// HTTP API. Delivery to the underlying broker is the sidecar's job; a
// 2xx from the sidecar means the event was accepted.
type DaprPublisher struct {
	baseURL string
	pubsub  string
	client  *http.Client
	logger  *slog.Logger
}

// NewDaprPublisher creates a publisher against the sidecar at baseURL
// (e.g. http://localhost:3500) using the named pub/sub component.
func NewDaprPublisher(baseURL, pubsubName string, logger *slog.Logger) *DaprPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DaprPublisher{
		baseURL: baseURL,
		pubsub:  pubsubName,
		client:  &http.Client{Timeout: daprPublishTimeout},
		logger:  logger,
	}
}

// Publish posts the payload to the sidecar's publish endpoint for the topic.
func (p *DaprPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	url := fmt.Sprintf("%s/v1.0/publish/%s/%s", p.baseURL, p.pubsub, topic)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error("failed to publish message",
			"topic", topic,
			"error", err,
		)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		p.logger.Error("sidecar rejected publish",
			"topic", topic,
			"status", resp.StatusCode,
		)
		return fmt.Errorf("publish to %s: sidecar returned status %d", topic, resp.StatusCode)
	}

	p.logger.Debug("message published",
		"topic", topic,
		"size", len(payload),
	)
	return nil
}

// Close releases idle connections to the sidecar.
func (p *DaprPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
