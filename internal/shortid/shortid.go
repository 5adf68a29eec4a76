// Package shortid derives short, cosmetic identifiers for log lines from a
// full UUID, so maintenance logs don't have to print the whole string.
// Grounded on the reference codebase's internal/graph/episodes.go
// generateShortID, which hashes with BLAKE3 and takes a hex prefix.
package shortid

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Length is the number of hex characters kept from the digest.
const Length = 8

// From derives an 8-hex-character short ID from a full identifier.
func From(id string) string {
	hash := blake3.Sum256([]byte(id))
	return hex.EncodeToString(hash[:])[:Length]
}
