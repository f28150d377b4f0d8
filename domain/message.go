package domain

import (
	"fmt"
	"time"
)

// Message represents one feed entry.
//
// ID is the decimal server id once confirmed. While an optimistic send is in
// flight the ID carries a "local-" prefixed sequence number instead.
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FingerprintBucket maps a timestamp to its tolerance bucket index. Two
// representations of the same logical message may carry slightly different
// timestamps (sender clock vs server clock), so identity matching buckets
// CreatedAt and probes adjacent buckets.
func FingerprintBucket(t time.Time, tolerance time.Duration) int64 {
	if tolerance <= 0 {
		return t.UnixNano()
	}
	return t.UnixNano() / int64(tolerance)
}

// Fingerprint derives the identity key for a message at the given bucket
// index. Payloads from the push channel and the persistence gateway that
// share a fingerprint denote the same logical message.
func Fingerprint(authorID, content string, bucket int64) string {
	return fmt.Sprintf("%s\x00%s\x00%d", authorID, content, bucket)
}
