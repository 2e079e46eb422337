package types

import (
	"regexp"

	"github.com/google/uuid"
)

var numberPattern = regexp.MustCompile(`^\+\d+$`)

// LooksLikeNumber reports whether id is an E.164 phone number.
func LooksLikeNumber(id string) bool {
	return numberPattern.MatchString(id)
}

// LooksLikeUUID reports whether id parses as a service uuid.
func LooksLikeUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// ParseAddress classifies a bare identifier into an Address. Unrecognised
// identifiers are treated as uuids, which is what the daemon falls back to.
func ParseAddress(id string) Address {
	if LooksLikeNumber(id) {
		return Address{Number: id}
	}
	return Address{UUID: id}
}

// makeAddress prefers the explicit number and uuid fields and falls back to
// classifying the legacy single-identifier field.
func makeAddress(raw, number, id string) Address {
	addr := Address{Number: number, UUID: id}
	if addr.IsZero() && raw != "" {
		addr = ParseAddress(raw)
	}
	return addr
}
