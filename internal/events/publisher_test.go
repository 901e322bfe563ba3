package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raphaelgruber/dataops-go/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPublisherSendsEnvelope(t *testing.T) {
	var got events.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := events.NewHTTPPublisher(srv.URL, time.Second, nil, nil)
	err := p.Publish(context.Background(), events.FileDelete, map[string]any{"job_id": "j1"})
	require.NoError(t, err)

	assert.Equal(t, events.FileDelete, got.EventType)
	assert.Equal(t, "j1", got.Payload["job_id"])
	assert.Greater(t, got.CreateTimestamp, float64(0))
}

func TestHTTPPublisherNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := events.NewHTTPPublisher(srv.URL, time.Second, nil, nil)
	err := p.Publish(context.Background(), events.FileCopy, map[string]any{})

	var pubErr *events.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, http.StatusServiceUnavailable, pubErr.StatusCode)
	assert.Contains(t, pubErr.Error(), "queue down")
}

func TestHTTPPublisherUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := events.NewHTTPPublisher(url, time.Second, nil, nil)
	err := p.Publish(context.Background(), events.FileCopy, map[string]any{})

	var pubErr *events.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Zero(t, pubErr.StatusCode)
	assert.Error(t, pubErr.Unwrap())
}

type stubPublisher struct {
	calls int
	err   error
}

func (s *stubPublisher) Publish(context.Context, string, map[string]any) error {
	s.calls++
	return s.err
}

func TestMultiTriesEveryPublisher(t *testing.T) {
	boom := errors.New("boom")
	a, b := &stubPublisher{err: boom}, &stubPublisher{}

	err := events.Multi{a, b}.Publish(context.Background(), events.FileDelete, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	assert.NoError(t, events.Multi{b}.Publish(context.Background(), events.FileDelete, nil))
}
