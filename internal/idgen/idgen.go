// Package idgen provides cryptographically random ID generation.
//
// Domain objects carry prefixed IDs: lst_ (listing), bid_, ofr_ (offer),
// txn_ (transaction), wc_ (withdrawal credit), dsp_ (dispute).
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix generates a random ID with a prefix (e.g. "lst_", "txn_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
