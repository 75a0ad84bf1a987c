// Package oauth handles the provider OAuth flows and access-token lifecycle.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"mailhook/internal/config"
	"mailhook/internal/poll"
	"mailhook/internal/store"
	"mailhook/internal/timeutil"
)

// Provider tags, shared with the poll package.
const (
	ProviderGmail   = poll.ProviderGmail
	ProviderOutlook = poll.ProviderOutlook
)

const (
	// Tokens within this window of expiry are refreshed early. Absorbs
	// clock skew and avoids racing the provider's own expiry.
	freshnessSkew = 60 * time.Second

	// Lifetime assumed when the provider omits expires_in.
	defaultLifetime = 3600 * time.Second

	refreshTimeout  = 30 * time.Second
	exchangeTimeout = 30 * time.Second
)

// ErrReauthRequired is terminal for an account: there is no refresh token,
// so the user must re-link the mailbox.
var ErrReauthRequired = errors.New("no refresh token, re-authorization required")

// ErrUnsupportedProvider is returned for provider tags other than gmail or
// outlook.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// CredentialStore is the subset of the store the service needs.
type CredentialStore interface {
	InsertAccount(ctx context.Context, a store.Account) (string, error)
	SaveCredentials(ctx context.Context, id, accessToken, refreshToken, expiresAt string) error
}

// Service builds authorization URLs, completes code exchanges, and keeps
// access tokens fresh.
type Service struct {
	Google    *oauth2.Config
	Microsoft *oauth2.Config
	Store     CredentialStore

	now func() time.Time
}

func NewService(cfg config.Config, st CredentialStore) *Service {
	return &Service{
		Google: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURI,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
			Endpoint:     google.Endpoint,
		},
		Microsoft: &oauth2.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			RedirectURL:  cfg.Microsoft.RedirectURI,
			Scopes:       cfg.MicrosoftScopes(),
			Endpoint:     microsoft.AzureADEndpoint(cfg.Microsoft.Tenant),
		},
		Store: st,
		now:   time.Now,
	}
}

func (s *Service) configFor(provider string) (*oauth2.Config, error) {
	switch provider {
	case ProviderGmail:
		return s.Google, nil
	case ProviderOutlook:
		return s.Microsoft, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
}

// AuthCodeURL builds the provider authorization URL. The user id rides in
// the state parameter and is the sole binding between the callback and the
// originating user.
func (s *Service) AuthCodeURL(provider, userID string) (string, error) {
	conf, err := s.configFor(provider)
	if err != nil {
		return "", err
	}
	switch provider {
	case ProviderGmail:
		// prompt=consent forces re-issuing a refresh token on re-link.
		return conf.AuthCodeURL(userID, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
	default:
		return conf.AuthCodeURL(userID, oauth2.SetAuthURLParam("response_mode", "query")), nil
	}
}

// CompleteAuthorization exchanges the authorization code and creates the
// linked account row. Returns the new account id and its access token so the
// caller can backfill the mailbox address.
func (s *Service) CompleteAuthorization(ctx context.Context, provider, code, state string) (string, string, error) {
	conf, err := s.configFor(provider)
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("%s code exchange failed: %w", provider, err)
	}

	id, err := s.Store.InsertAccount(ctx, store.Account{
		UserID:       state,
		Provider:     provider,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    s.expiresAt(tok),
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to store %s account: %w", provider, err)
	}
	return id, tok.AccessToken, nil
}

// EnsureValid returns a usable access token for the account, refreshing it
// when within the freshness window of expiry. A fresh token is returned
// without any network call, so retrying is free. On refresh the new
// credentials are persisted and the account struct updated in place; the
// stored refresh token is retained unless the provider rotated it.
func (s *Service) EnsureValid(ctx context.Context, acct *store.Account) (string, error) {
	now := s.now()
	if exp := timeutil.ParseTimestamp(acct.ExpiresAt); !exp.IsZero() && now.Before(exp.Add(-freshnessSkew)) {
		return acct.AccessToken, nil
	}

	if acct.RefreshToken == "" {
		return "", ErrReauthRequired
	}

	conf, err := s.configFor(acct.Provider)
	if err != nil {
		return "", err
	}

	refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	tok, err := conf.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: acct.RefreshToken}).Token()
	if err != nil {
		// Transient: skip the account this pass, retry with the same
		// watermark next pass.
		return "", fmt.Errorf("%s token refresh failed: %w", acct.Provider, err)
	}

	expiresAt := s.expiresAt(tok)
	rotated := ""
	if tok.RefreshToken != "" && tok.RefreshToken != acct.RefreshToken {
		rotated = tok.RefreshToken
	}

	if err := s.Store.SaveCredentials(ctx, acct.ID, tok.AccessToken, rotated, expiresAt); err != nil {
		return "", fmt.Errorf("failed to persist refreshed credentials: %w", err)
	}

	acct.AccessToken = tok.AccessToken
	acct.ExpiresAt = expiresAt
	if rotated != "" {
		acct.RefreshToken = rotated
	}
	return tok.AccessToken, nil
}

func (s *Service) expiresAt(tok *oauth2.Token) string {
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = s.now().Add(defaultLifetime)
	}
	return expiry.UTC().Format(time.RFC3339)
}
