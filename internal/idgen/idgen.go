// Package idgen generates random identifiers for service-assigned records
// (disputes, operations). Escrow ids are derived, not generated; see escrow.DeriveID.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Prefixes for generated ids.
const (
	DisputePrefix   = "dsp_"
	OperationPrefix = "op_"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
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

// HasPrefix reports whether id looks like one produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 24 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}
