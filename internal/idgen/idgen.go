// Package idgen generates identifiers for marketplace records.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes keep identifiers self-describing in logs and webhook payloads.
const (
	PrefixListing    = "lst_"
	PrefixOffer      = "ofr_"
	PrefixContract   = "ctr_"
	PrefixEntry      = "led_"
	PrefixQuarantine = "qtn_"
)

// New returns a random version 4 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HasPrefix reports whether id was produced by WithPrefix(prefix).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix) && len(id) == len(prefix)+32
}
