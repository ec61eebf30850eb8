// Package idgen generates short, URL-safe identifiers for in-cluster
// relay resources.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Length is the number of hex characters returned by New.
const Length = 6

// New returns a 6-character lowercase hex id, e.g. "a1b2c3".
//
// There's no maintained nanoid port in the dependency set this module
// draws from, so we derive the same shape (short, hex, collision-safe
// enough for pod names within one cluster) from a standard UUIDv4.
func New() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return id[:Length]
}
