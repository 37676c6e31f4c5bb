package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken is returned when no issued token matches.
var ErrInvalidToken = errors.New("invalid token")

// TokenValidator validates bearer tokens for authentication.
// It looks up tokens in the token store and updates last-seen timestamps.
type TokenValidator struct {
	store   TokenStore
	timeNow func() time.Time
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(store TokenStore) *TokenValidator {
	return &TokenValidator{
		store:   store,
		timeNow: time.Now,
	}
}

// ValidateToken checks if the given token is valid.
// On success, returns the stored token record and updates its last_seen
// timestamp. Returns ErrInvalidToken if nothing matches.
//
// Note: This does a linear scan of all tokens to find a matching hash.
// A dev backend has a handful of tokens, so this is acceptable.
func (tv *TokenValidator) ValidateToken(token string) (*Token, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	tokens, err := tv.store.ListTokens()
	if err != nil {
		return nil, err
	}

	for _, t := range tokens {
		// bcrypt.CompareHashAndPassword handles timing-safe comparison
		if err := bcrypt.CompareHashAndPassword([]byte(t.TokenHash), []byte(token)); err == nil {
			log.Printf("auth: validated token %s for user %s", t.ID, t.UserID)

			if err := tv.store.UpdateLastSeen(t.ID, tv.timeNow()); err != nil {
				// Log but don't fail - validation succeeded
				log.Printf("auth: failed to update last_seen for token %s: %v", t.ID, err)
			}
			return t, nil
		}
	}

	log.Printf("auth: token validation failed (no matching token)")
	return nil, ErrInvalidToken
}

// IssueToken creates a token for userID, stores its hash, and returns the
// raw token. The raw value cannot be recovered later.
func IssueToken(store TokenStore, userID string) (raw string, record *Token, err error) {
	if strings.TrimSpace(userID) == "" {
		return "", nil, errors.New("user id cannot be empty")
	}

	raw, err = generateSecureToken()
	if err != nil {
		return "", nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash token: %w", err)
	}

	now := time.Now()
	record = &Token{
		ID:        uuid.New().String(),
		UserID:    userID,
		TokenHash: string(hash),
		CreatedAt: now,
		LastSeen:  now,
	}
	if err := store.SaveToken(record); err != nil {
		return "", nil, err
	}

	log.Printf("auth: issued token %s for user %s", record.ID, userID)
	return raw, record, nil
}

// RequestToken extracts the bearer token from the Authorization header,
// falling back to the "token" query parameter used by the push socket.
func RequestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, value, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
	}
	return r.URL.Query().Get("token")
}

// generateSecureToken returns 32 random bytes, hex-encoded.
func generateSecureToken() (string, error) {
	const tokenBytes = 32

	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}
