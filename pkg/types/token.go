package types

import (
	"encoding/hex"
	"time"
)

// Token is a minted proof-of-work token: the oracle's challenge followed by the
// 8-byte encoded counter that satisfied the difficulty predicate.
type Token struct {
	Challenge []byte
	Counter   uint64
	Raw       []byte
	MintedAt  time.Time
	Expiry    time.Time
}

// Hex returns the transport form sent as the pow query parameter.
func (t *Token) Hex() string {
	return hex.EncodeToString(t.Raw)
}

// ValidFor reports whether the token remains valid for at least margin after now.
func (t *Token) ValidFor(now time.Time, margin time.Duration) bool {
	if t == nil {
		return false
	}
	return now.Add(margin).Before(t.Expiry)
}
