package queue

import (
	"crypto/sha256"
	"encoding/hex"
)

// URLHash returns the dedup key for a URL: hex-encoded SHA-256. The hash
// is the natural key within a run, so re-enqueueing the same URL is a
// no-op regardless of who submits it.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
