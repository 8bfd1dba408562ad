package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// TokenStore maps hashed service tokens to caller service names.
// Thread-safe. Tokens are stored as SHA-256 hashes to protect against
// memory dumps.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string // SHA-256(token) → service name
}

// NewTokenStore creates a TokenStore from a comma-separated
// "service:token" string. Example: "expense-web:st-abc,hr-portal:st-def"
func NewTokenStore(raw string) *TokenStore {
	ts := &TokenStore{tokens: make(map[string]string)}
	if raw == "" {
		return ts
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 {
			service := strings.TrimSpace(parts[0])
			token := strings.TrimSpace(parts[1])
			ts.tokens[hashToken(token)] = service
		}
	}
	return ts
}

// Lookup returns the calling service name for a given token.
func (ts *TokenStore) Lookup(token string) (service string, ok bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	service, ok = ts.tokens[hashToken(token)]
	return
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
