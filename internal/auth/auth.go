// Package auth resolves the caller's identity from a bearer API key.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/tjfontaine/polyglot-chat-relay/internal/config"
)

// ErrInvalidKey is returned for an unknown API key.
var ErrInvalidKey = errors.New("invalid API key")

// AnonymousID owns every session when no users are configured.
const AnonymousID = "anonymous"

// Identity is the authenticated caller.
type Identity struct {
	ID   string
	Name string
}

// Authenticator validates API keys against configured sha256 hashes.
type Authenticator struct {
	users atomic.Pointer[[]config.UserConfig]
}

func NewAuthenticator(users []config.UserConfig) *Authenticator {
	a := &Authenticator{}
	a.SetUsers(users)
	return a
}

// SetUsers replaces the configured users. Requests already authenticated keep
// their identity.
func (a *Authenticator) SetUsers(users []config.UserConfig) {
	cp := append([]config.UserConfig(nil), users...)
	a.users.Store(&cp)
}

// Anonymous reports whether no users are configured, in which case every
// request runs as AnonymousID.
func (a *Authenticator) Anonymous() bool {
	return len(*a.users.Load()) == 0
}

// Lookup returns the identity owning apiKey.
func (a *Authenticator) Lookup(apiKey string) (*Identity, error) {
	users := *a.users.Load()
	if len(users) == 0 {
		return &Identity{ID: AnonymousID, Name: AnonymousID}, nil
	}
	if apiKey == "" {
		return nil, ErrInvalidKey
	}

	keyHash := []byte(HashAPIKey(apiKey))
	var found *config.UserConfig
	for i := range users {
		// Every entry is compared so the time taken does not depend on the match.
		if subtle.ConstantTimeCompare(keyHash, []byte(strings.ToLower(users[i].KeyHash))) == 1 {
			found = &users[i]
		}
	}
	if found == nil {
		return nil, ErrInvalidKey
	}
	return &Identity{ID: found.ID, Name: found.Name}, nil
}

// ExtractAPIKey reads the key from an "Authorization: Bearer <key>" header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	scheme, key, ok := strings.Cut(header, " ")
	if !ok {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	if !strings.EqualFold(scheme, "bearer") {
		return "", fmt.Errorf("unsupported authorization scheme")
	}
	return strings.TrimSpace(key), nil
}

// HashAPIKey returns the hex sha256 of an API key, as stored in config.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the identity middleware.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}
