package vault

import (
	"strings"
	"testing"
)

func TestNewTokenShape(t *testing.T) {
	for i := 0; i < 100; i++ {
		tok, err := newToken()
		if err != nil {
			t.Fatalf("newToken: %v", err)
		}
		if len(tok) != tokenLength {
			t.Fatalf("expected length %d, got %d (%q)", tokenLength, len(tok), tok)
		}
		for _, c := range tok {
			if !strings.ContainsRune(tokenAlphabet, c) {
				t.Fatalf("token %q contains %q outside the alphabet", tok, c)
			}
		}
		if !validToken(tok) {
			t.Fatalf("generated token %q fails validToken", tok)
		}
	}
}

func TestNewTokenUniqueness(t *testing.T) {
	const n = 100000
	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		tok, err := newToken()
		if err != nil {
			t.Fatalf("newToken: %v", err)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token after %d draws: %q", i, tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestValidTokenRejectsMalformed(t *testing.T) {
	bad := []string{
		"",
		"short",
		"AAAAAAAAAAAAAAA",   // 15
		"AAAAAAAAAAAAAAAAA", // 17
		"AAAAAAA_AAAAAAAA",
		"AAAAAAA AAAAAAAA",
		"AAAAAAAÄAAAAAAAA",
	}
	for _, s := range bad {
		if validToken(s) {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
	if !validToken("Az09Az09Az09Az09") {
		t.Fatalf("expected well-formed token to validate")
	}
}
