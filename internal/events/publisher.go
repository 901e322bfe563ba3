// Package events publishes file-level operation events for downstream
// workers.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/metrics"
)

// Event types emitted by the dispatchers.
const (
	FileCopy   = "file_copy"
	FileDelete = "file_delete"
)

// Publisher delivers one event. A nil error means the event was accepted.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any) error
}

// PublishError describes a rejected or undeliverable event.
type PublishError struct {
	EventType  string
	StatusCode int // 0 when the request never completed
	Body       string
	Err        error
}

func (e *PublishError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("publish %s: %v", e.EventType, e.Err)
	case e.Body != "":
		return fmt.Sprintf("publish %s: status %d: %s", e.EventType, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("publish %s: status %d", e.EventType, e.StatusCode)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Message is the envelope posted to the message endpoint.
type Message struct {
	EventType       string         `json:"event_type"`
	Payload         map[string]any `json:"payload"`
	CreateTimestamp float64        `json:"create_timestamp"`
}

// HTTPPublisher posts events to a queue service's send-message endpoint.
type HTTPPublisher struct {
	url        string
	httpClient *http.Client
	metrics    *metrics.Collector
	logger     *slog.Logger
}

// NewHTTPPublisher creates a publisher posting to url.
func NewHTTPPublisher(url string, timeout time.Duration, m *metrics.Collector, log *slog.Logger) *HTTPPublisher {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPublisher{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    m,
		logger:     log,
	}
}

// Publish posts the event and treats any non-2xx answer as a failure.
func (p *HTTPPublisher) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	start := time.Now()
	defer func() { p.metrics.RecordTiming(metrics.OpPublish, time.Since(start)) }()

	msg := Message{
		EventType:       eventType,
		Payload:         payload,
		CreateTimestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return &PublishError{EventType: eventType, Err: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return &PublishError{EventType: eventType, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &PublishError{EventType: eventType, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &PublishError{EventType: eventType, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	p.logger.Info("event sent", "event_type", eventType, "job_id", payload["job_id"], "status", resp.StatusCode)
	return nil
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the joined error reports all failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, eventType, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
