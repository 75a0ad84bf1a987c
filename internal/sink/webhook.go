// Package sink delivers fetched messages to the downstream webhook.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultTimeout = 20 * time.Second

// Webhook posts each message to a configured URL. Delivery is fire-and-forget
// from the poller's point of view: a failed post is logged upstream but the
// message is not retried.
type Webhook struct {
	URL        string
	HTTPClient *http.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Webhook{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type payload struct {
	UserID   string          `json:"user_id"`
	Provider string          `json:"provider"`
	Message  json.RawMessage `json:"message"`
}

// Push posts one message envelope. A Webhook with no URL accepts and drops
// everything, so the poller needs no nil checks.
func (w *Webhook) Push(ctx context.Context, userID, provider string, message json.RawMessage) error {
	if w.URL == "" {
		return nil
	}

	body, err := json.Marshal(payload{UserID: userID, Provider: provider, Message: message})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
