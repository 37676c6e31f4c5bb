// Package auth issues and validates bearer tokens for the reference backend.
//
// The token flow works as follows:
// 1. An operator runs `chatsync token create <user-id>` against the backend database
// 2. A random 256-bit token is generated and shown once; only its bcrypt hash is stored
// 3. Clients send the token as `Authorization: Bearer <token>` on REST calls and
//    as the `token` query parameter on the push socket
// 4. The backend validates the token and resolves it to the user it was issued for
package auth

import (
	"time"

	"github.com/portalchat/chatsync/internal/storage"
)

// Token is an alias for storage.Token to avoid import cycles.
type Token = storage.Token

// TokenStore defines the interface for persisting issued tokens.
// This interface is implemented by storage.SQLiteStore.
// Implementations must be safe for concurrent access.
type TokenStore interface {
	// SaveToken persists a token. A token with the same ID is replaced.
	SaveToken(token *Token) error

	// ListTokens returns all issued tokens.
	ListTokens() ([]*Token, error)

	// DeleteToken removes a token. Returns nil if it does not exist.
	DeleteToken(id string) error

	// UpdateLastSeen updates the last_seen timestamp for a token.
	// Returns storage.ErrTokenNotFound if the token does not exist.
	UpdateLastSeen(id string, t time.Time) error
}
