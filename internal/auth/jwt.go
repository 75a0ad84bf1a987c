// Package auth verifies bearer tokens against a JWKS endpoint.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ContextUserKey is the gin context key carrying the verified user id.
const ContextUserKey = "auth_user_id"

// User is the identity carried by a verified token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// JWTVerifier validates bearer tokens against a cached JWKS so the hot path
// never fetches keys over the network.
type JWTVerifier struct {
	jwksURL string
	cache   *jwk.Cache
}

func NewJWTVerifier(jwksURL string) (*JWTVerifier, error) {
	cache := jwk.NewCache(context.Background())
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	// Warm the cache so the first request does not pay the fetch.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &JWTVerifier{jwksURL: jwksURL, cache: cache}, nil
}

// UserFromRequest parses and validates the Authorization header.
func (v *JWTVerifier) UserFromRequest(r *http.Request) (*User, error) {
	keySet, err := v.cache.Get(r.Context(), v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}

	token, err := jwt.ParseRequest(r,
		jwt.WithKeySet(keySet),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing subject")
	}

	var email string
	if claim, ok := token.Get("email"); ok {
		email, _ = claim.(string)
	}
	return &User{ID: userID, Email: email}, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's user id on the gin context. A nil verifier disables auth, which
// keeps local development and tests free of a JWKS dependency.
func Middleware(v *JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v == nil {
			c.Next()
			return
		}
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(ContextUserKey, user.ID)
		c.Next()
	}
}
