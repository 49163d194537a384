package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize maps text to the form used for cache keys: NFC, trimmed,
// whitespace runs collapsed to one space, lowercased
func Normalize(text string) string {
	text = norm.NFC.String(text)
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Key builds the cache key for text under the given options fingerprint.
// Texts that normalize identically share a key.
func Key(prefix, text, fingerprint string) string {
	hasher := sha256.New()
	hasher.Write([]byte(Normalize(text)))
	hasher.Write([]byte{0})
	hasher.Write([]byte(fingerprint))

	key := "cache:" + hex.EncodeToString(hasher.Sum(nil))
	if prefix != "" {
		key = prefix + ":" + key
	}
	return key
}

// Digest returns the SHA-256 hex digest of the exact input
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
