package auth

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix starts every tailspin API key.
const KeyPrefix = "tsp_"

// prefixLen is how much of a key is stored in clear for listing.
const prefixLen = len(KeyPrefix) + 6

// KeyInfo contains API key metadata (no secrets).
type KeyInfo struct {
	ID         string
	Name       string
	Prefix     string
	Scopes     Scope
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	Revoked    bool
}

// generateKey creates a new API key: tsp_<32 random hex chars>
func generateKey() string {
	b := make([]byte, 16)
	rand.Read(b)
	return KeyPrefix + hex.EncodeToString(b)
}

func generateID() string {
	return uuid.New().String()
}
