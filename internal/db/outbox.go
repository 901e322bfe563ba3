package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

// FileEvent is a dispatched event as recorded in the outbox.
type FileEvent struct {
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Created   time.Time      `json:"created"`
}

// Outbox records every published event in the file_event table so workers
// that poll the database see the same stream as the HTTP queue.
type Outbox struct {
	client *Client
	logger *slog.Logger
}

// NewOutbox creates an outbox publisher over client.
func NewOutbox(client *Client, log *slog.Logger) *Outbox {
	if log == nil {
		log = slog.Default()
	}
	return &Outbox{client: client, logger: log}
}

// Publish stores the event.
func (o *Outbox) Publish(ctx context.Context, eventType string, payload map[string]any) error {
	defer o.client.observe(time.Now())

	if payload == nil {
		payload = map[string]any{}
	}
	_, err := surrealdb.Query[any](ctx, o.client.db, `
		CREATE file_event SET event_type = $event_type, payload = $payload
	`, map[string]any{"event_type": eventType, "payload": payload})
	if err != nil {
		return fmt.Errorf("record %s event: %w", eventType, wrapQueryError(err))
	}
	o.logger.Debug("event recorded", "event_type", eventType)
	return nil
}

// Recent returns the newest events first, at most limit of them.
func (o *Outbox) Recent(ctx context.Context, limit int) ([]FileEvent, error) {
	results, err := surrealdb.Query[[]FileEvent](ctx, o.client.db, `
		SELECT event_type, payload, created FROM file_event ORDER BY created DESC LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []FileEvent{}, nil
	}
	return (*results)[0].Result, nil
}
