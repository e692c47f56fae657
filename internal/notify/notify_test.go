package notify_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lending/internal/notify"
)

func TestWebhookPusherDeliversMessage(t *testing.T) {
	var received notify.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pusher := notify.NewWebhookPusher(srv.URL)
	err := pusher.Push(context.Background(), 42, "your request was approved")
	require.NoError(t, err)

	assert.Equal(t, int64(42), received.ActorID)
	assert.Equal(t, "your request was approved", received.Text)
	assert.NotEqual(t, uuid.Nil, received.ID)
	assert.False(t, received.SentAt.IsZero())
}

func TestWebhookPusherReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	pusher := notify.NewWebhookPusher(srv.URL)
	err := pusher.Push(context.Background(), 42, "hello")
	assert.Error(t, err)
}

func TestWebhookPusherUnreachableTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	pusher := notify.NewWebhookPusher(srv.URL)
	err := pusher.Push(context.Background(), 42, "hello")
	assert.Error(t, err)
}

func TestNopPusher(t *testing.T) {
	assert.NoError(t, notify.NopPusher{}.Push(context.Background(), 1, "dropped"))
}
