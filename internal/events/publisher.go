// Package events publishes mail lifecycle events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher wraps NATS JetStream for publishing mail events
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStream ensures the MAIL_EVENTS stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo("MAIL_EVENTS")
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       "MAIL_EVENTS",
		Subjects:   []string{"mail.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour, // Keep events for 30 days
	})

	if err != nil {
		if err.Error() == "stream name already in use" || err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

type emailReceivedEvent struct {
	UserID     string `json:"user_id"`
	Provider   string `json:"provider"`
	MessageID  string `json:"message_id"`
	ReceivedMS int64  `json:"received_ms"`
	EmittedAt  string `json:"emitted_at"`
}

// EmailReceived publishes one received-message event. The JetStream message
// id carries the provider message id, so redelivery of the same message in a
// later poll pass is deduplicated server-side.
func (p *Publisher) EmailReceived(userID, provider, messageID string, receivedMS int64) error {
	payload, err := json.Marshal(emailReceivedEvent{
		UserID:     userID,
		Provider:   provider,
		MessageID:  messageID,
		ReceivedMS: receivedMS,
		EmittedAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := fmt.Sprintf("mail.%s.received", userID)
	msgID := fmt.Sprintf("email.received|%s|%s", provider, messageID)

	_, err = p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
