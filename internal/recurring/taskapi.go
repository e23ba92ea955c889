package recurring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/felixgeelhaar/taskfabric/internal/events"
	"github.com/felixgeelhaar/taskfabric/pkg/observability"
)

const (
	// defaultTaskAPITimeout caps one create call against the sidecar.
	defaultTaskAPITimeout = 10 * time.Second

	// breakerThreshold consecutive failures open the circuit;
	// breakerCooldown later a single probe is let through.
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
)

// ClientConfig configures the Task API client.
type ClientConfig struct {
	// BaseURL is the Dapr sidecar base, e.g. http://localhost:3500.
	BaseURL string
	// AppID is the Task API's Dapr app id.
	AppID string
	// Token is an optional service-account bearer for the Task API.
	Token string
	// Timeout caps one create call. Zero means defaultTaskAPITimeout.
	Timeout time.Duration
	// DryRun logs what would be created without calling the API.
	DryRun bool
}

// instancePayload is the create body the Task API expects. Nullable
// fields keep their keys so the API sees explicit nulls, the same shape
// a client sends; instances never inherit the template's reminder offset.
type instancePayload struct {
	Title                 string  `json:"title"`
	Description           *string `json:"description"`
	Completed             bool    `json:"completed"`
	ParentRecurringTaskID string  `json:"parent_recurring_task_id"`
	OccurrenceDate        string  `json:"occurrence_date"`
	DueDate               *string `json:"due_date"`
	ReminderOffset        *string `json:"reminder_offset"`
}

// Client creates task instances through the Task API via Dapr service
// invocation. Calls run behind a circuit breaker so a struggling Task
// API sheds the generator's load instead of queueing it.
type Client struct {
	config  ClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewClient creates a Task API client with a closed breaker.
func NewClient(config ClientConfig, logger *slog.Logger, metrics observability.Metrics) *Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultTaskAPITimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	c := &Client{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		logger:  logger,
		metrics: metrics,
	}
	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "task-api",
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("task api circuit state changed",
				"from", from.String(),
				"to", to.String(),
			)
			if to == gobreaker.StateOpen {
				metrics.Counter(observability.MetricTaskAPIBreakerOpen, 1)
			}
		},
	})
	return c
}

// CreateInstance posts a new occurrence of the template for the given
// date. An open circuit surfaces as gobreaker.ErrOpenState so callers
// can tell "API down" from a plain request failure.
func (c *Client) CreateInstance(ctx context.Context, tpl Template, occurrence time.Time) error {
	date := occurrence.Format(dateLayout)
	payload := instancePayload{
		Title:                 fmt.Sprintf("%s (%s)", tpl.Title, date),
		ParentRecurringTaskID: tpl.ID,
		OccurrenceDate:        date,
	}
	if tpl.Description != "" {
		payload.Description = &tpl.Description
	}
	if tpl.DueDate != nil {
		due := tpl.DueDate.UTC().Format(events.TimeLayout)
		payload.DueDate = &due
	}

	if c.config.DryRun {
		c.logger.InfoContext(ctx, "dry run, task instance not created",
			"template_id", tpl.ID,
			"title", payload.Title,
		)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode task instance: %w", err)
	}

	if _, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, body)
	}); err != nil {
		c.metrics.Counter(observability.MetricTaskAPIErrors, 1)
		return err
	}

	c.metrics.Counter(observability.MetricTaskAPICalls, 1)
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) error {
	url := fmt.Sprintf("%s/v1.0/invoke/%s/method/api/v1/tasks", c.config.BaseURL, c.config.AppID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build task api request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke task api: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("task api returned status %d", resp.StatusCode)
	}
	return nil
}
