package naming

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// HashLength is the length of every value returned by ContentHash.
const HashLength = sha256.Size * 2

// ContentHash returns the hex-encoded SHA-256 of s. Callers pass a normalized
// name; the result is stored alongside it as a fixed-width lookup key.
func ContentHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the caller-facing replay key for a normalized name
// within an engagement: ContentHash(normalized + ":" + engagementID).
func IdempotencyKey(normalized string, engagementID uuid.UUID) string {
	return ContentHash(normalized + ":" + engagementID.String())
}
