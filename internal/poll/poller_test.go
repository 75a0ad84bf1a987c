package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"mailhook/internal/store"
)

// fakeClient serves a fixed id list and a message table.
type fakeClient struct {
	ids        []string
	messages   map[string]*Message
	listErr    error
	fetchErr   map[string]error
	listCalls  int
	fetchCalls []string
}

func (c *fakeClient) ListNewIDs(ctx context.Context, token string, afterMS int64, subject string) ([]string, error) {
	c.listCalls++
	if c.listErr != nil {
		return nil, c.listErr
	}
	return c.ids, nil
}

func (c *fakeClient) Fetch(ctx context.Context, token, id string) (*Message, error) {
	c.fetchCalls = append(c.fetchCalls, id)
	if err := c.fetchErr[id]; err != nil {
		return nil, err
	}
	m, ok := c.messages[id]
	if !ok {
		return nil, fmt.Errorf("no such message %s", id)
	}
	return m, nil
}

// fakeTokens refuses accounts listed in deny.
type fakeTokens struct {
	deny map[string]error
}

func (t *fakeTokens) EnsureValid(ctx context.Context, acct *store.Account) (string, error) {
	if err := t.deny[acct.ID]; err != nil {
		return "", err
	}
	return "token-" + acct.ID, nil
}

// fakeSink records pushes and optionally fails some message ids.
type fakeSink struct {
	pushed []string
	fail   map[string]bool
}

func (s *fakeSink) Push(ctx context.Context, userID, provider string, message json.RawMessage) error {
	var m struct {
		ID string `json:"id"`
	}
	json.Unmarshal(message, &m)
	s.pushed = append(s.pushed, m.ID)
	if s.fail[m.ID] {
		return errors.New("sink down")
	}
	return nil
}

func msg(id string, ts int64) *Message {
	return &Message{ID: id, Timestamp: ts, Raw: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "poll.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *store.Store, userID, provider string, watermark int64) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.InsertAccount(ctx, store.Account{
		UserID:       userID,
		Provider:     provider,
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    "2030-01-01T00:00:00",
	})
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	if watermark > 0 {
		if err := s.SetWatermark(ctx, id, watermark); err != nil {
			t.Fatalf("seed watermark: %v", err)
		}
	}
	return id
}

func accountByID(t *testing.T, s *store.Store, provider, id string) store.Account {
	t.Helper()
	accounts, err := s.ListAccounts(context.Background(), provider, "")
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	for _, a := range accounts {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("account %s not found", id)
	return store.Account{}
}

func TestRunAdvancesWatermarkToMaxTimestamp(t *testing.T) {
	s := newTestStore(t)
	id := seedAccount(t, s, "u1", ProviderGmail, 0)

	client := &fakeClient{
		ids: []string{"a", "b", "c"},
		messages: map[string]*Message{
			"a": msg("a", 900),
			"b": msg("b", 1500),
			"c": msg("c", 1200),
		},
	}
	sink := &fakeSink{}
	p := &Poller{
		Store:   s,
		Tokens:  &fakeTokens{},
		Clients: map[string]MailClient{ProviderGmail: client},
		Sink:    sink,
	}

	res, err := p.Run(context.Background(), ProviderGmail)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != "ok" || res.Processed != 3 {
		t.Fatalf("result = %+v", res)
	}
	if len(sink.pushed) != 3 {
		t.Fatalf("pushed = %v", sink.pushed)
	}

	acct := accountByID(t, s, ProviderGmail, id)
	if acct.LastSyncTS.Int64 != 1500 {
		t.Fatalf("watermark = %d, want 1500", acct.LastSyncTS.Int64)
	}
}

func TestRunSkipsSeenAndKeepsWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedAccount(t, s, "u1", ProviderGmail, 1000)
	if err := s.MarkSeen(ctx, "u1", "old"); err != nil {
		t.Fatalf("mark seen: %v", err)
	}

	// The only unseen candidate is older than the watermark, so the
	// watermark must not move.
	client := &fakeClient{
		ids: []string{"old", "stale"},
		messages: map[string]*Message{
			"stale": msg("stale", 800),
		},
	}
	sink := &fakeSink{}
	p := &Poller{
		Store:   s,
		Tokens:  &fakeTokens{},
		Clients: map[string]MailClient{ProviderGmail: client},
		Sink:    sink,
	}

	res, err := p.Run(ctx, ProviderGmail)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("processed = %d, want 1", res.Processed)
	}
	if len(client.fetchCalls) != 1 || client.fetchCalls[0] != "stale" {
		t.Fatalf("fetched %v, want only the unseen message", client.fetchCalls)
	}

	acct := accountByID(t, s, ProviderGmail, id)
	if acct.LastSyncTS.Int64 != 1000 {
		t.Fatalf("watermark = %d, want unchanged 1000", acct.LastSyncTS.Int64)
	}
}

func TestRunIsolatesAccountFailures(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	bad := seedAccount(t, s, "u1", ProviderGmail, 0)
	good := seedAccount(t, s, "u2", ProviderGmail, 0)

	client := &fakeClient{
		ids:      []string{"m1"},
		messages: map[string]*Message{"m1": msg("m1", 500)},
	}
	sink := &fakeSink{}
	p := &Poller{
		Store:   s,
		Tokens:  &fakeTokens{deny: map[string]error{bad: errors.New("reauthorization required")}},
		Clients: map[string]MailClient{ProviderGmail: client},
		Sink:    sink,
	}

	res, err := p.Run(ctx, ProviderGmail)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("processed = %d, want 1 from the healthy account", res.Processed)
	}

	if acct := accountByID(t, s, ProviderGmail, bad); acct.LastSyncTS.Valid {
		t.Fatalf("failed account watermark moved: %d", acct.LastSyncTS.Int64)
	}
	if acct := accountByID(t, s, ProviderGmail, good); acct.LastSyncTS.Int64 != 500 {
		t.Fatalf("healthy account watermark = %d, want 500", acct.LastSyncTS.Int64)
	}
}

func TestRunMarksSeenDespiteSinkFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "u1", ProviderGmail, 0)

	client := &fakeClient{
		ids:      []string{"m1"},
		messages: map[string]*Message{"m1": msg("m1", 700)},
	}
	sink := &fakeSink{fail: map[string]bool{"m1": true}}
	p := &Poller{
		Store:   s,
		Tokens:  &fakeTokens{},
		Clients: map[string]MailClient{ProviderGmail: client},
		Sink:    sink,
	}

	res, err := p.Run(ctx, ProviderGmail)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("processed = %d, want 1", res.Processed)
	}

	seen, err := s.HasSeen(ctx, "u1", "m1")
	if err != nil {
		t.Fatalf("HasSeen: %v", err)
	}
	if !seen {
		t.Fatal("message must be marked seen even when delivery fails")
	}
}

func TestRunFetchFailureLeavesMessageUnseen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "u1", ProviderGmail, 0)

	client := &fakeClient{
		ids: []string{"broken", "fine"},
		messages: map[string]*Message{
			"fine": msg("fine", 400),
		},
		fetchErr: map[string]error{"broken": errors.New("503")},
	}
	sink := &fakeSink{}
	p := &Poller{
		Store:   s,
		Tokens:  &fakeTokens{},
		Clients: map[string]MailClient{ProviderGmail: client},
		Sink:    sink,
	}

	res, err := p.Run(ctx, ProviderGmail)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("processed = %d, want 1", res.Processed)
	}

	seen, err := s.HasSeen(ctx, "u1", "broken")
	if err != nil {
		t.Fatalf("HasSeen: %v", err)
	}
	if seen {
		t.Fatal("failed fetch must stay unseen so the next pass retries it")
	}
}

func TestRunListFailureIsQuiet(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "u1", ProviderGmail, 0)

	client := &fakeClient{listErr: errors.New("401")}
	p := &Poller{
		Store:   s,
		Tokens:  &fakeTokens{},
		Clients: map[string]MailClient{ProviderGmail: client},
		Sink:    &fakeSink{},
	}

	res, err := p.Run(context.Background(), ProviderGmail)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != "ok" || res.Processed != 0 {
		t.Fatalf("result = %+v, want quiet empty pass", res)
	}
}

func TestRunUnsupportedProvider(t *testing.T) {
	p := &Poller{Clients: map[string]MailClient{}}
	if _, err := p.Run(context.Background(), "imap"); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}
