package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// SessionSnapshot holds the latest captured terminal text for a session,
// identified by a content hash of the capture.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	CaptureText string    `json:"capture_text"`
	CaptureHash string    `json:"capture_hash"`
	CapturedAt  time.Time `json:"captured_at"`
}

// HashCapture returns the content hash used for snapshot identity, both for
// storage dedup and for reconciler re-trigger suppression.
func HashCapture(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
