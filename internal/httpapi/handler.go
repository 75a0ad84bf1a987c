// Package httpapi exposes the OAuth linking, settings, and poll endpoints.
package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mailhook/internal/auth"
	"mailhook/internal/config"
	"mailhook/internal/oauth"
	"mailhook/internal/poll"
	"mailhook/internal/store"
	"mailhook/internal/timeutil"
)

// ProfileClient resolves the mailbox address behind an access token.
type ProfileClient interface {
	Profile(ctx context.Context, accessToken string) (string, error)
}

// AttachmentClient downloads one attachment and reports its filename and
// MIME type.
type AttachmentClient interface {
	Attachment(ctx context.Context, accessToken, messageID, attachmentID string) ([]byte, string, string, error)
}

// Handler wires the HTTP surface to the engine.
type Handler struct {
	Config      config.Config
	Store       *store.Store
	OAuth       *oauth.Service
	Poller      *poll.Poller
	Profiles    map[string]ProfileClient
	Attachments AttachmentClient
	Verifier    *auth.JWTVerifier
}

// Register mounts all routes. Routes are static per provider: the settings
// endpoint shares the /oauth/gmail prefix, which a wildcard provider param
// would shadow.
func (h *Handler) Register(r *gin.Engine) {
	authed := auth.Middleware(h.Verifier)

	for _, provider := range []string{poll.ProviderGmail, poll.ProviderOutlook} {
		grp := r.Group("/oauth/" + provider)
		grp.POST("/initiate", authed, h.initiate(provider))
		grp.GET("/callback", h.callback(provider))
		grp.GET("/status/:user_id", authed, h.status(provider))
	}
	r.POST("/oauth/gmail/settings", authed, h.updateSettings)

	r.POST("/gmail/poll", h.runPoll(poll.ProviderGmail))
	r.POST("/outlook/poll", h.runPoll(poll.ProviderOutlook))

	r.GET("/gmail/attachment", authed, h.attachment)

	r.GET("/healthz", h.healthz)
}

// userID prefers the verified token subject and falls back to the query
// parameter when auth is disabled.
func (h *Handler) userID(c *gin.Context) string {
	if v, ok := c.Get(auth.ContextUserKey); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	return c.Query("user_id")
}

type initiateRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handler) initiate(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initiateRequest
		c.ShouldBindJSON(&req) // body is optional when auth supplies the user
		userID := h.userID(c)
		if userID == "" {
			userID = req.UserID
		}
		if userID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
			return
		}
		url, err := h.OAuth.AuthCodeURL(provider, userID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"auth_url": url})
	}
}

func (h *Handler) callback(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		code := c.Query("code")
		state := c.Query("state")
		if code == "" || state == "" || c.Query("error") != "" {
			h.redirectFrontend(c, provider, false)
			return
		}

		id, accessToken, err := h.OAuth.CompleteAuthorization(c.Request.Context(), provider, code, state)
		if err != nil {
			log.Printf("oauth %s: code exchange failed: %v", provider, err)
			h.redirectFrontend(c, provider, false)
			return
		}

		// Best effort: a failed lookup leaves the address for the status
		// endpoint to backfill later.
		if pc, ok := h.Profiles[provider]; ok {
			if email, err := pc.Profile(c.Request.Context(), accessToken); err != nil {
				log.Printf("oauth %s: profile lookup failed for account %s: %v", provider, id, err)
			} else if err := h.Store.SetEmail(c.Request.Context(), id, email); err != nil {
				log.Printf("oauth %s: failed to store email for account %s: %v", provider, id, err)
			}
		}

		h.redirectFrontend(c, provider, true)
	}
}

func (h *Handler) redirectFrontend(c *gin.Context, provider string, connected bool) {
	v := "false"
	if connected {
		v = "true"
	}
	c.Redirect(http.StatusFound, h.Config.Frontend.URL+"?"+provider+"_connected="+v)
}

type accountStatus struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Status string `json:"status"`
	// last_sync is the raw epoch-ms watermark, null until the first pass.
	ConnectedAt   string  `json:"connected_at"`
	LastSync      *int64  `json:"last_sync"`
	SubjectFilter *string `json:"subject_filter"`
}

func (h *Handler) status(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		ctx := c.Request.Context()

		accounts, err := h.Store.ListAccounts(ctx, provider, userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load accounts"})
			return
		}

		out := make([]accountStatus, 0, len(accounts))
		for i := range accounts {
			a := &accounts[i]
			h.backfillEmail(ctx, provider, a)

			st := accountStatus{
				ID: a.ID,
				// Placeholder until the mailbox address resolves.
				Email:       provider + "_account",
				Status:      tokenStatus(a.ExpiresAt),
				ConnectedAt: a.CreatedAt,
			}
			if a.Email.Valid {
				st.Email = a.Email.String
			}
			if a.LastSyncTS.Valid {
				ms := a.LastSyncTS.Int64
				st.LastSync = &ms
			}
			if a.SubjectFilter.Valid {
				st.SubjectFilter = &a.SubjectFilter.String
			}
			out = append(out, st)
		}

		c.JSON(http.StatusOK, gin.H{
			"connected": len(out) > 0,
			"accounts":  out,
		})
	}
}

// backfillEmail fills a missing mailbox address in place, persisting it for
// the next call. Failures are logged and the field stays empty.
func (h *Handler) backfillEmail(ctx context.Context, provider string, a *store.Account) {
	if a.Email.Valid {
		return
	}
	pc, ok := h.Profiles[provider]
	if !ok {
		return
	}
	token, err := h.OAuth.EnsureValid(ctx, a)
	if err != nil {
		log.Printf("status %s: token refresh failed for account %s: %v", provider, a.ID, err)
		return
	}
	email, err := pc.Profile(ctx, token)
	if err != nil {
		log.Printf("status %s: profile lookup failed for account %s: %v", provider, a.ID, err)
		return
	}
	if err := h.Store.SetEmail(ctx, a.ID, email); err != nil {
		log.Printf("status %s: failed to store email for account %s: %v", provider, a.ID, err)
		return
	}
	a.Email.Valid = true
	a.Email.String = email
}

// tokenStatus reports "connected" unless the stored expiry is parseable and
// in the past. An empty or malformed expiry counts as connected: the refresh
// path decides what to do with it.
func tokenStatus(expiresAt string) string {
	if expiresAt == "" {
		return "connected"
	}
	exp := timeutil.ParseTimestamp(expiresAt)
	if !exp.IsZero() && exp.Before(time.Now().UTC()) {
		return "expired"
	}
	return "connected"
}

type settingsRequest struct {
	UserID        string `json:"user_id"`
	SubjectFilter string `json:"subject_filter"`
	TokenID       string `json:"token_id"` // narrows the update to one account
}

func (h *Handler) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if v, ok := c.Get(auth.ContextUserKey); ok {
		if id, ok := v.(string); ok && id != "" {
			req.UserID = id
		}
	}
	if req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	updated, err := h.Store.UpdateSubjectFilter(c.Request.Context(), req.UserID, poll.ProviderGmail, req.SubjectFilter, req.TokenID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update settings"})
		return
	}
	if updated == nil {
		updated = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "updated": updated})
}

func (h *Handler) runPoll(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := h.Poller.Run(c.Request.Context(), provider)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *Handler) attachment(c *gin.Context) {
	userID := h.userID(c)
	messageID := c.Query("message_id")
	attachmentID := c.Query("attachment_id")
	if userID == "" || messageID == "" || attachmentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, message_id and attachment_id are required"})
		return
	}

	ctx := c.Request.Context()
	accounts, err := h.Store.ListAccounts(ctx, poll.ProviderGmail, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load accounts"})
		return
	}
	if len(accounts) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no linked gmail account"})
		return
	}

	token, err := h.OAuth.EnsureValid(ctx, &accounts[0])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token refresh failed"})
		return
	}

	data, filename, mimeType, err := h.Attachments.Attachment(ctx, token, messageID, attachmentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to fetch attachment"})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, mimeType, data)
}

func (h *Handler) healthz(c *gin.Context) {
	if err := h.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
