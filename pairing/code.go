package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// CodeDigits is the length of a short code.
	CodeDigits = 6
	// DefaultCodeTTL is how long a generated code stays usable.
	DefaultCodeTTL = 2 * time.Minute
)

var codeSpace = big.NewInt(1_000_000)

// ShortCode is the human-verified secret both sides type in.
type ShortCode struct {
	Digits    string
	ExpiresAt time.Time
}

// String renders the code as XXX-XXX.
func (c ShortCode) String() string {
	if len(c.Digits) != CodeDigits {
		return c.Digits
	}
	return c.Digits[:3] + "-" + c.Digits[3:]
}

// Expired reports whether the code is past its TTL at now.
func (c ShortCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func newShortCode(now time.Time, ttl time.Duration) (ShortCode, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return ShortCode{}, fmt.Errorf("generate short code: %w", err)
	}
	return ShortCode{
		Digits:    fmt.Sprintf("%06d", n.Int64()),
		ExpiresAt: now.Add(ttl),
	}, nil
}

// NormalizeCode accepts "123-456", "123 456" or "123456" and returns the digits.
func NormalizeCode(input string) (string, error) {
	var b strings.Builder
	for _, r := range input {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ':
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, r)
		}
	}
	if b.Len() != CodeDigits {
		return "", fmt.Errorf("%w: want %d digits", ErrInvalidCode, CodeDigits)
	}
	return b.String(), nil
}
