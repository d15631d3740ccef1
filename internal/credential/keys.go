package credential

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/AerNos/firefrp-server/internal/store"
)

// newKey returns prefix + 32 hex characters (128 bits of CSPRNG entropy).
func newKey(prefix string) (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("credential: generate key: %w", err)
	}
	return prefix + hex.EncodeToString(b[:]), nil
}

// newTunnelID returns the human-facing id, "T-" followed by 8 hex characters.
func newTunnelID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("credential: generate tunnel id: %w", err)
	}
	return "T-" + hex.EncodeToString(b[:]), nil
}

// proxyName derives the frps-facing proxy name from the assigned record id
// and the game type. The name is stable for the life of the record.
func proxyName(id int64, gameType string) string {
	return fmt.Sprintf("ff-%d-%s", id, store.GameByType(gameType).Abbrev())
}
