package vault

import (
	"crypto/rand"
	"fmt"
)

const (
	tokenLength   = 16
	tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// newToken returns a random token over a 62-symbol alphabet, 16 symbols
// long (~95 bits). Rejection sampling keeps the distribution uniform.
func newToken() (string, error) {
	// 62*4 = 248 bytes of the 0..255 range are usable without bias.
	const limit = byte(len(tokenAlphabet) * (256 / len(tokenAlphabet)))

	out := make([]byte, 0, tokenLength)
	buf := make([]byte, tokenLength*2)
	for len(out) < tokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("token entropy: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
			if len(out) == tokenLength {
				break
			}
		}
	}
	return string(out), nil
}

// validToken reports whether s has the shape of an issued token.
// Cheap pre-filter so malformed links never hit the store.
func validToken(s string) bool {
	if len(s) != tokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
