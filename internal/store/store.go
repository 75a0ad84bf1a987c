// Package store persists linked mail accounts and the seen-message ledger.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Account is one linked mailbox: a (user, provider) credential row plus its
// polling watermark.
type Account struct {
	ID            string
	UserID        string
	Provider      string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     string // ISO-8601, empty means unknown
	LastSyncTS    sql.NullInt64
	SubjectFilter sql.NullString
	Email         sql.NullString
	CreatedAt     string
}

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `id, user_id, provider, access_token, refresh_token, expires_at, last_sync_ts, subject_filter, email, created_at`

func scanAccount(row interface{ Scan(...any) error }) (Account, error) {
	var a Account
	var refresh, expires sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.Provider, &a.AccessToken, &refresh, &expires, &a.LastSyncTS, &a.SubjectFilter, &a.Email, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	a.RefreshToken = refresh.String
	a.ExpiresAt = expires.String
	return a, nil
}

// ListAccounts returns all linked accounts for a provider. An empty userID
// matches every user.
func (s *Store) ListAccounts(ctx context.Context, provider, userID string) ([]Account, error) {
	query := `SELECT ` + accountColumns + ` FROM email_tokens WHERE provider = ?`
	args := []any{provider}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// InsertAccount creates a new linked account row and returns its id. The
// watermark starts NULL: the account has never been polled.
func (s *Store) InsertAccount(ctx context.Context, a Account) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_tokens (id, user_id, provider, access_token, refresh_token, expires_at, last_sync_ts, subject_filter, email)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULL, NULLIF(?, ''), NULLIF(?, ''))
	`, a.ID, a.UserID, a.Provider, a.AccessToken, a.RefreshToken, a.ExpiresAt, a.SubjectFilter.String, a.Email.String)
	if err != nil {
		return "", fmt.Errorf("failed to insert account: %w", err)
	}
	return a.ID, nil
}

// SaveCredentials persists a refreshed access token and expiry. The refresh
// token is overwritten only when the provider rotated it: an empty value
// keeps the stored one.
func (s *Store) SaveCredentials(ctx context.Context, id, accessToken, refreshToken, expiresAt string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_tokens
		SET access_token = ?,
		    expires_at = ?,
		    refresh_token = COALESCE(NULLIF(?, ''), refresh_token)
		WHERE id = ?
	`, accessToken, expiresAt, refreshToken, id)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

// SetWatermark advances the account's last_sync_ts. The guard keeps the
// watermark monotonic even if two passes race.
func (s *Store) SetWatermark(ctx context.Context, id string, ms int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE email_tokens
		SET last_sync_ts = ?
		WHERE id = ? AND (last_sync_ts IS NULL OR last_sync_ts < ?)
	`, ms, id, ms)
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// SetEmail backfills the resolved mailbox address.
func (s *Store) SetEmail(ctx context.Context, id, email string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE email_tokens SET email = ? WHERE id = ?`, email, id)
	if err != nil {
		return fmt.Errorf("failed to set email: %w", err)
	}
	return nil
}

// UpdateSubjectFilter sets the subject filter for a user's accounts of a
// provider, optionally narrowed to one account id. Returns the ids touched.
func (s *Store) UpdateSubjectFilter(ctx context.Context, userID, provider, filter, accountID string) ([]string, error) {
	query := `UPDATE email_tokens SET subject_filter = NULLIF(?, '') WHERE user_id = ? AND provider = ?`
	args := []any{filter, userID, provider}
	if accountID != "" {
		query += ` AND id = ?`
		args = append(args, accountID)
	}
	query += ` RETURNING id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update subject filter: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasSeen reports whether the message was already delivered for this user.
func (s *Store) HasSeen(ctx context.Context, userID, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM email_seen WHERE user_id = ? AND message_id = ?`, userID, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query seen ledger: %w", err)
	}
	return true, nil
}

// MarkSeen records a delivered message. The upsert makes overlapping poll
// passes safe: a duplicate insert is a no-op, not an error.
func (s *Store) MarkSeen(ctx context.Context, userID, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO email_seen (user_id, message_id) VALUES (?, ?)
		ON CONFLICT (user_id, message_id) DO NOTHING
	`, userID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark seen: %w", err)
	}
	return nil
}
