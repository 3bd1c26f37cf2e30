package crypto

import (
	"testing"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	if !VerifyPassword(hash, "secret") {
		t.Fatal("expected password verification to succeed")
	}

	if VerifyPassword(hash, "incorrect") {
		t.Fatal("expected password verification to fail")
	}
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(48)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	other, err := GenerateToken(48)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if token == other {
		t.Fatal("expected tokens to differ")
	}
}

func TestGenerateNumericCodeFormat(t *testing.T) {
	seen := make(map[string]struct{})

	for i := 0; i < 10000; i++ {
		code := GenerateNumericCode(6)
		if len(code) != 6 {
			t.Fatalf("expected 6 characters, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("expected digits only, got %q", code)
			}
		}
		seen[code] = struct{}{}
	}

	// 10k draws from a million-value space should not collapse onto a handful
	// of values.
	if len(seen) < 9000 {
		t.Fatalf("expected mostly distinct codes, got %d distinct", len(seen))
	}
}

func TestGenerateNumericCodeDefaultsLength(t *testing.T) {
	if got := GenerateNumericCode(0); len(got) != 6 {
		t.Fatalf("expected default 6 digits, got %q", got)
	}
}
