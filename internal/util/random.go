// Package util holds small helpers shared across CarePipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// The ids are unique enough for records but must not be used as secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	if hexLength <= 0 {
		return prefix
	}
	var b strings.Builder
	b.Grow(len(prefix) + hexLength)
	b.WriteString(prefix)
	for i := 0; i < hexLength; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// GenerateSubscriptionID returns a new subscription id with the "sub_" prefix.
func GenerateSubscriptionID() string {
	return GenerateRandomID("sub_", 16)
}

// GenerateEvidenceRef returns a reference for an uploaded piece of evidence.
func GenerateEvidenceRef() string {
	return GenerateRandomID("ev_", 16)
}
