// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"fmt"
)

// New generates a UUID-like random ID (32 hex chars with dashes), used as
// the uid of protocol messages so ACKs and dedup can correlate them.
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
