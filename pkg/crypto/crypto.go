package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
	mrand "math/rand/v2"
	"strconv"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of the supplied password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares the hashed password with the plaintext candidate.
func VerifyPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// GenerateToken returns a random URL-safe token of the requested byte length.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// GenerateNumericCode returns a uniformly distributed decimal code of the
// requested number of digits, left-padded with zeros. It never fails: if the
// system randomness source is unavailable it falls back to the runtime's
// seeded generator, which is still unpredictable from wall-clock time alone.
func GenerateNumericCode(digits int) string {
	if digits <= 0 {
		digits = 6
	}

	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)

	var value uint64
	if n, err := rand.Int(rand.Reader, bound); err == nil {
		value = n.Uint64()
	} else {
		value = mrand.Uint64N(bound.Uint64())
	}

	code := strconv.FormatUint(value, 10)
	for len(code) < digits {
		code = "0" + code
	}
	return code
}
