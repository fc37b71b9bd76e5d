// Package util holds small helpers shared by the store and the command line.
package util

import (
	"math/rand/v2"
	"strings"
)

const hexChars = "0123456789abcdef"

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// The ids are unique enough for row keys but are not secrets.
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
