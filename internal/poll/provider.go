package poll

import (
	"context"
	"encoding/json"
)

// Provider tags, as stored on account rows.
const (
	ProviderGmail   = "gmail"
	ProviderOutlook = "outlook"
)

// Message is the transient fetched representation of one mail message. Raw is
// the provider-native JSON payload, relayed to the sink untouched; only the
// id and timestamp are interpreted by the engine.
type Message struct {
	ID        string
	Timestamp int64 // epoch milliseconds
	Raw       json.RawMessage
}

// MailClient is the per-provider capability set the orchestrator drives.
// A list error is treated by callers as "no new mail this pass", never as a
// pass failure.
type MailClient interface {
	// ListNewIDs returns ids of messages received after the watermark
	// (epoch ms, 0 meaning "never polled"). subjectFilter is a Gmail-only
	// subject substring; other providers ignore it.
	ListNewIDs(ctx context.Context, accessToken string, afterMS int64, subjectFilter string) ([]string, error)

	// Fetch retrieves one full message.
	Fetch(ctx context.Context, accessToken, id string) (*Message, error)
}
