// Package idutil provides utilities for run ID generation.
//
// Every container run gets a random ID:
//   - Full ID: 64-character hexadecimal string
//   - Short ID: first 12 characters, used in log fields and as the
//     fallback host name
package idutil

import (
	"crypto/rand"
	"encoding/hex"
)

const (
	// ShortIDLength is the short ID length (12 characters, Docker convention).
	ShortIDLength = 12
)

// GenerateID generates a random 64-character hexadecimal ID.
func GenerateID() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		// crypto/rand does not fail on Linux.
		return "0000000000000000000000000000000000000000000000000000000000000000"
	}
	return hex.EncodeToString(bytes)
}

// ShortID returns the first 12 characters of the ID.
func ShortID(id string) string {
	if len(id) >= ShortIDLength {
		return id[:ShortIDLength]
	}
	return id
}
