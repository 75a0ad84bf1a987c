// Package gmail implements the Gmail mail client.
package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailhook/internal/poll"
)

const (
	// Page size for one list call. No further pagination is performed:
	// polling is frequent enough that the next pass picks up the rest.
	listPageSize = 50

	listTimeout  = 20 * time.Second
	fetchTimeout = 30 * time.Second
)

// Client talks to the Gmail API on behalf of one access token per call.
type Client struct {
	testOpts []option.ClientOption
}

func New() *Client {
	return &Client{}
}

// NewWithOptions creates a client with extra service options, used by tests
// to point at a fake API server.
func NewWithOptions(opts ...option.ClientOption) *Client {
	return &Client{testOpts: opts}
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	opts := make([]option.ClientOption, 0, len(c.testOpts)+1)
	if len(c.testOpts) > 0 {
		opts = append(opts, c.testOpts...)
	} else {
		opts = append(opts, option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})))
	}
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// BuildQuery renders the server-side list query. The millisecond watermark
// is truncated down to seconds, so a message at the second boundary can
// reappear; listing is therefore always reconciled against the seen ledger,
// never trusted alone.
func BuildQuery(afterMS int64, subjectFilter string) string {
	var parts []string
	if afterMS > 0 {
		parts = append(parts, "after:"+strconv.FormatInt(afterMS/1000, 10))
	}
	if subjectFilter != "" {
		escaped := strings.ReplaceAll(subjectFilter, `"`, `\"`)
		parts = append(parts, `subject:"`+escaped+`"`)
	}
	return strings.Join(parts, " ")
}

// ListNewIDs lists message ids received after the watermark, optionally
// narrowed by a subject substring.
func (c *Client) ListNewIDs(ctx context.Context, accessToken string, afterMS int64, subjectFilter string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.Messages.List("me").MaxResults(listPageSize)
	if q := BuildQuery(afterMS, subjectFilter); q != "" {
		call = call.Q(q)
	}
	resp, err := call.Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail list failed: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, nil
}

// Fetch retrieves the full message. The raw payload keeps the provider's own
// JSON shape; internalDate is the watermark candidate.
func (c *Client) Fetch(ctx context.Context, accessToken, id string) (*poll.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	m, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("gmail get %s failed: %w", id, err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", id, err)
	}

	return &poll.Message{ID: m.Id, Timestamp: m.InternalDate, Raw: raw}, nil
}

// Profile resolves the primary mailbox address for the token.
func (c *Client) Profile(ctx context.Context, accessToken string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail profile failed: %w", err)
	}
	return profile.EmailAddress, nil
}

// Attachment resolves and downloads one attachment: the message's MIME tree
// is searched for the part carrying the attachment id to recover filename
// and type, then the raw bytes are fetched and base64url-decoded.
func (c *Client) Attachment(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return nil, "", "", err
	}

	m, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, "", "", fmt.Errorf("gmail get %s failed: %w", messageID, err)
	}

	filename, mimeType := FindPartInfo(m.Payload, attachmentID)
	if filename == "" {
		filename = "attachment-" + attachmentID
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	body, err := svc.Users.Messages.Attachments.Get("me", messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return nil, "", "", fmt.Errorf("gmail attachment %s failed: %w", attachmentID, err)
	}

	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to decode attachment %s: %w", attachmentID, err)
	}
	return data, filename, mimeType, nil
}

// FindPartInfo walks the MIME part tree for the part carrying attachmentID
// and returns its filename and MIME type, empty when not found.
func FindPartInfo(part *gmail.MessagePart, attachmentID string) (filename, mimeType string) {
	if part == nil {
		return "", ""
	}
	if part.Body != nil && part.Body.AttachmentId == attachmentID {
		filename = part.Filename
		if filename == "" {
			filename = "attachment"
		}
		mimeType = part.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return filename, mimeType
	}
	for _, p := range part.Parts {
		if fn, mt := FindPartInfo(p, attachmentID); fn != "" || mt != "" {
			return fn, mt
		}
	}
	return "", ""
}

// decodeBase64URL decodes base64url data with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}
