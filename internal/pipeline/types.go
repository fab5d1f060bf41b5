package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentItem is an ephemeral inbound post before it passes the gate.
type ContentItem struct {
	Text    string
	MediaID string
}

// Result is the outcome of submitting a content item.
type Result int

const (
	Enqueued Result = iota
	Duplicate
)

func (r Result) String() string {
	if r == Duplicate {
		return "duplicate"
	}
	return "enqueued"
}

// FingerprintOf derives the equality key for a post: the final text and
// the media identity (empty when text-only). Two items with an equal
// fingerprint are the same logical post, both for cross-run dedup and
// for per-account delivery idempotency.
func FingerprintOf(finalText, mediaID string) string {
	h := sha256.New()
	h.Write([]byte(finalText))
	h.Write([]byte{0})
	h.Write([]byte(mediaID))
	return hex.EncodeToString(h.Sum(nil))
}
