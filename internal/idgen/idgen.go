// Package idgen generates identifiers for transactions, transfers and postings.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID in canonical form. Used for ledger entries and
// request IDs.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a time-ordered UUIDv7 without
// dashes, e.g. "txn_0190f3c2...". IDs with the same prefix sort by
// creation time, which keeps Postgres index inserts append-mostly.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// HasPrefix reports whether id was minted by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	rest, ok := strings.CutPrefix(id, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := hex.DecodeString(rest)
	return err == nil
}

// Hex returns numBytes of randomness hex encoded. The in-memory network uses
// it for 32-byte transaction hashes.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
