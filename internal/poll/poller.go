// Package poll drives incremental mail polling across linked accounts.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"mailhook/internal/store"
)

// AccountStore is the subset of the store the orchestrator needs.
// *store.Store satisfies it.
type AccountStore interface {
	ListAccounts(ctx context.Context, provider, userID string) ([]store.Account, error)
	HasSeen(ctx context.Context, userID, messageID string) (bool, error)
	MarkSeen(ctx context.Context, userID, messageID string) error
	SetWatermark(ctx context.Context, id string, ms int64) error
}

// TokenSource returns a valid access token for an account, refreshing and
// persisting credentials as needed.
type TokenSource interface {
	EnsureValid(ctx context.Context, acct *store.Account) (string, error)
}

// Sink receives fetched messages. Push failures are logged by the caller and
// never abort a pass.
type Sink interface {
	Push(ctx context.Context, userID, provider string, message json.RawMessage) error
}

// EventPublisher is notified after a message is delivered and marked seen.
type EventPublisher interface {
	EmailReceived(userID, provider, messageID string, ts int64) error
}

// Result is the aggregate outcome of one poll pass.
type Result struct {
	Status    string `json:"status"`
	Processed int    `json:"processed"`
}

// Poller runs one poll pass over all linked accounts of a provider.
type Poller struct {
	Store   AccountStore
	Tokens  TokenSource
	Clients map[string]MailClient
	Sink    Sink
	Events  EventPublisher // optional
}

// Run polls every linked account of the given provider once. Accounts are
// independent: any per-account or per-message failure is logged and skipped
// without affecting the rest of the pass. Only a failure to list accounts is
// fatal.
func (p *Poller) Run(ctx context.Context, provider string) (Result, error) {
	client, ok := p.Clients[provider]
	if !ok {
		return Result{}, fmt.Errorf("unsupported provider %q", provider)
	}

	accounts, err := p.Store.ListAccounts(ctx, provider, "")
	if err != nil {
		return Result{}, fmt.Errorf("failed to list %s accounts: %w", provider, err)
	}

	processed := 0
	for i := range accounts {
		processed += p.pollAccount(ctx, client, &accounts[i])
	}

	return Result{Status: "ok", Processed: processed}, nil
}

// pollAccount processes one account and returns the number of messages
// delivered. The watermark is advanced once, after the message loop, so a
// crash mid-pass re-derives the same candidate set next time and the ledger
// absorbs the duplicates.
func (p *Poller) pollAccount(ctx context.Context, client MailClient, acct *store.Account) int {
	token, err := p.Tokens.EnsureValid(ctx, acct)
	if err != nil {
		// Terminal (no refresh token) or transient refresh failure: skip
		// this account, keep its watermark for the next pass.
		log.Printf("poll %s: token refresh failed for account %s: %v", acct.Provider, acct.ID, err)
		return 0
	}

	watermark := acct.LastSyncTS.Int64 // 0 when never polled

	ids, err := client.ListNewIDs(ctx, token, watermark, acct.SubjectFilter.String)
	if err != nil {
		// List failures are hidden: no new mail this pass.
		log.Printf("poll %s: list failed for account %s: %v", acct.Provider, acct.ID, err)
		ids = nil
	}

	maxSeen := watermark
	count := 0
	for _, id := range ids {
		seen, err := p.Store.HasSeen(ctx, acct.UserID, id)
		if err != nil {
			log.Printf("poll %s: seen lookup failed for message %s: %v", acct.Provider, id, err)
			continue
		}
		if seen {
			continue
		}

		msg, err := client.Fetch(ctx, token, id)
		if err != nil {
			// Not marked seen: retried next pass.
			log.Printf("poll %s: failed to fetch message %s: %v", acct.Provider, id, err)
			continue
		}

		if msg.Timestamp > maxSeen {
			maxSeen = msg.Timestamp
		}

		if err := p.Sink.Push(ctx, acct.UserID, acct.Provider, msg.Raw); err != nil {
			// At-least-once, not guaranteed: the message is still marked
			// seen below so the next pass does not re-deliver it.
			log.Printf("poll %s: sink push failed for message %s: %v", acct.Provider, id, err)
		}

		if err := p.Store.MarkSeen(ctx, acct.UserID, id); err != nil {
			log.Printf("poll %s: failed to mark message %s seen: %v", acct.Provider, id, err)
			continue
		}

		if p.Events != nil {
			if err := p.Events.EmailReceived(acct.UserID, acct.Provider, id, msg.Timestamp); err != nil {
				log.Printf("poll %s: failed to publish event for message %s: %v", acct.Provider, id, err)
			}
		}

		count++
	}

	if maxSeen > watermark {
		if err := p.Store.SetWatermark(ctx, acct.ID, maxSeen); err != nil {
			log.Printf("poll %s: failed to advance watermark for account %s: %v", acct.Provider, acct.ID, err)
		}
	}

	return count
}
