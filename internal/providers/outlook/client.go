// Package outlook implements the Microsoft Graph mail client.
package outlook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"mailhook/internal/poll"
	"mailhook/internal/timeutil"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// Page size for one list call, matching the poll cadence: whatever does not
// fit this page is picked up by the next pass.
const listPageSize = 50

// Client talks to the Microsoft Graph REST API directly so the provider's
// message JSON can be relayed downstream untouched.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New() *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, accessToken, path string, query url.Values) ([]byte, error) {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("graph returned status %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

type listResponse struct {
	Value []struct {
		ID               string `json:"id"`
		ReceivedDateTime string `json:"receivedDateTime"`
	} `json:"value"`
}

// ListNewIDs lists message ids received strictly after the watermark, oldest
// first. Subject filtering is not supported server-side here; the Graph
// $filter clause only carries the time bound.
func (c *Client) ListNewIDs(ctx context.Context, accessToken string, afterMS int64, subjectFilter string) ([]string, error) {
	q := url.Values{}
	q.Set("$top", fmt.Sprintf("%d", listPageSize))
	q.Set("$select", "id,receivedDateTime")
	q.Set("$orderby", "receivedDateTime asc")
	if afterMS > 0 {
		q.Set("$filter", "receivedDateTime gt "+timeutil.EpochMSToISO(afterMS))
	}

	body, err := c.get(ctx, accessToken, "/me/mailFolders/Inbox/messages", q)
	if err != nil {
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode graph list response: %w", err)
	}

	ids := make([]string, 0, len(resp.Value))
	for _, m := range resp.Value {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// Fetch retrieves the full message with attachments expanded. The raw body
// is the Graph response verbatim.
func (c *Client) Fetch(ctx context.Context, accessToken, id string) (*poll.Message, error) {
	q := url.Values{}
	q.Set("$expand", "attachments")

	body, err := c.get(ctx, accessToken, "/me/messages/"+url.PathEscape(id), q)
	if err != nil {
		return nil, err
	}

	var meta struct {
		ID               string `json:"id"`
		ReceivedDateTime string `json:"receivedDateTime"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode graph message: %w", err)
	}

	return &poll.Message{
		ID:        meta.ID,
		Timestamp: timeutil.ISOToEpochMS(meta.ReceivedDateTime),
		Raw:       body,
	}, nil
}

// Profile resolves the signed-in mailbox address.
func (c *Client) Profile(ctx context.Context, accessToken string) (string, error) {
	body, err := c.get(ctx, accessToken, "/me", url.Values{"$select": {"mail,userPrincipalName"}})
	if err != nil {
		return "", err
	}
	var profile struct {
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return "", fmt.Errorf("failed to decode graph profile: %w", err)
	}
	if profile.Mail != "" {
		return profile.Mail, nil
	}
	return profile.UserPrincipalName, nil
}
