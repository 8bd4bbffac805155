// Package util provides environment variable parsing and ID helpers shared
// across components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID in the format "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified
// length using math/rand/v2 (non-cryptographic).
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateCustomerID generates a unique customer ID with "c_" prefix.
func GenerateCustomerID() string {
	return GenerateRandomID("c_", 32)
}

// GenerateInteractionID generates a unique interaction ID with "i_" prefix.
func GenerateInteractionID() string {
	return GenerateRandomID("i_", 32)
}

// GenerateFollowUpID generates a unique follow-up ID with "f_" prefix.
func GenerateFollowUpID() string {
	return GenerateRandomID("f_", 32)
}

// GenerateTargetID generates a unique campaign target ID with "t_" prefix.
func GenerateTargetID() string {
	return GenerateRandomID("t_", 32)
}
