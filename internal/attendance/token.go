package attendance

import (
	"math/rand/v2"
	"strings"
)

// tokenAlphabet omits characters that are easy to misread on a projector: 0/O, 1/I, L.
const (
	tokenAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	tokenLength   = 8
)

// NewToken returns a random session code. It is not meant to be unguessable,
// only short-lived.
func NewToken() string {
	var b strings.Builder
	b.Grow(tokenLength)
	for i := 0; i < tokenLength; i++ {
		b.WriteByte(tokenAlphabet[rand.IntN(len(tokenAlphabet))])
	}
	return b.String()
}

// NormalizeToken upper-cases s and drops everything that is not A-Z or 0-9.
func NormalizeToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TokensMatch compares a presented code against the active one.
func TokensMatch(presented, active string) bool {
	p := NormalizeToken(presented)
	return p != "" && p == NormalizeToken(active)
}
