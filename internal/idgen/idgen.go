// Package idgen generates the random identifiers used across the service:
// prefixed record IDs (esc_, dsp_, prop_, evt_, wh_) and raw hex secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func randomHex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix followed by 24 random hex characters.
func WithPrefix(prefix string) string {
	return prefix + randomHex(12)
}

// Hex returns a random hex string of numBytes bytes, used for webhook
// signing secrets.
func Hex(numBytes int) string {
	return randomHex(numBytes)
}
