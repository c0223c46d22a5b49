package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashUserKey returns a stable hex identifier for a user key such as an email.
// Case and surrounding space are ignored.
func HashUserKey(s string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(s))))
	return hex.EncodeToString(sum[:])
}
