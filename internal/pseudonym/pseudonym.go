// Package pseudonym canonicalizes raw contact identifiers and derives the
// salted one-way keys used to correlate declarations without storing raw
// contact data.
package pseudonym

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrMissingSalt indicates the hasher was constructed without a secret salt.
// Callers treat this as a fatal configuration error, not a per-request one.
var ErrMissingSalt = errors.New("pseudonym: secret salt is required")

const (
	hashSeparator  = "|"
	hintHeadLength = 6
	hintTailLength = 4
	hintUnknown    = "unknown"
)

// NormalizeContact canonicalizes a raw email or phone identifier: trimmed,
// lower-cased, with all internal whitespace and hyphens removed. The result
// is deterministic and idempotent.
func NormalizeContact(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	var builder strings.Builder
	builder.Grow(len(lowered))
	for _, r := range lowered {
		switch {
		case r == '-':
		case r == ' ', r == '\t', r == '\n', r == '\r':
		default:
			builder.WriteRune(r)
		}
	}
	return builder.String()
}

// Hasher derives stable pseudonymous keys from normalized identifiers.
type Hasher struct {
	salt string
}

// NewHasher constructs a Hasher from the process-wide secret salt.
func NewHasher(salt string) (*Hasher, error) {
	if strings.TrimSpace(salt) == "" {
		return nil, ErrMissingSalt
	}
	return &Hasher{salt: salt}, nil
}

// Hash returns the hex digest of sha256(salt + "|" + normalized). The same
// salt and input always produce the same digest; changing the salt
// invalidates all prior matching.
func (h *Hasher) Hash(normalized string) string {
	sum := sha256.Sum256([]byte(h.salt + hashSeparator + normalized))
	return hex.EncodeToString(sum[:])
}

// Hint returns a short non-reversible cue for displaying a pseudonymous key
// to end users: the first six and last four hex characters joined by an
// ellipsis. Inputs too short to abbreviate yield "unknown".
func Hint(hash string) string {
	if len(hash) <= hintHeadLength+hintTailLength {
		return hintUnknown
	}
	return hash[:hintHeadLength] + "..." + hash[len(hash)-hintTailLength:]
}
