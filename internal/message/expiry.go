package message

import "github.com/leonletto/sigrecv/internal/timestamp"

// Expired reports whether a received message's visibility window has
// elapsed at now. Messages with no expiry time, or that have not been opened
// yet, never expire.
func Expired(m *Received, now timestamp.Timestamp) bool {
	if m.ExpiresAt == nil {
		return false
	}
	return !m.ExpiresAt.After(now)
}
