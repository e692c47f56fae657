// Package notify delivers best-effort push notifications to actors. Delivery
// is fire-and-forget: a failed push is logged and dropped, never retried, and
// never affects the transaction that triggered it.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is the payload pushed to the transport for a single actor.
type Message struct {
	ID      uuid.UUID `json:"id"`
	ActorID int64     `json:"actor_id"`
	Text    string    `json:"text"`
	SentAt  time.Time `json:"sent_at"`
}

// Pusher sends a free-text notification to an actor id.
type Pusher interface {
	Push(ctx context.Context, actorID int64, text string) error
}

// WebhookPusher POSTs each message as JSON to a transport-side webhook.
type WebhookPusher struct {
	url    string
	client *http.Client
}

func NewWebhookPusher(url string) *WebhookPusher {
	return &WebhookPusher{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (p *WebhookPusher) Push(ctx context.Context, actorID int64, text string) error {
	msg := Message{
		ID:      uuid.New(),
		ActorID: actorID,
		Text:    text,
		SentAt:  time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", msg.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("push notification %s to actor %d: %w", msg.ID, actorID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push notification %s to actor %d: webhook returned %d", msg.ID, actorID, resp.StatusCode)
	}
	return nil
}

// NopPusher discards every message. Used when no webhook is configured.
type NopPusher struct{}

func (NopPusher) Push(ctx context.Context, actorID int64, text string) error {
	return nil
}
