package types

import (
	"fmt"
	"sort"
	"strings"
)

// Fragment is the half-open byte range [Offset, Offset+Size).
type Fragment struct {
	Offset int64
	Size   int64
}

func (f Fragment) End() int64 {
	return f.Offset + f.Size
}

func (f Fragment) String() string {
	return fmt.Sprintf("[%d,%d)", f.Offset, f.End())
}

// Digest is a lowercase hex-encoded hash value.
type Digest string

// NormalizeDigest lowercases and trims a digest reported by the oracle.
func NormalizeDigest(s string) Digest {
	return Digest(strings.ToLower(strings.TrimSpace(s)))
}

// Verdict is the outcome of comparing a fragment against the oracle.
type Verdict int

const (
	VerdictUnknown Verdict = iota // could not verify
	VerdictClean
	VerdictCorrupt
)

func (v Verdict) String() string {
	switch v {
	case VerdictClean:
		return "clean"
	case VerdictCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// CorruptionReport is the sorted set of corrupted atomic-block offsets.
type CorruptionReport []int64

// NewCorruptionReport sorts and de-duplicates offsets.
func NewCorruptionReport(offsets ...int64) CorruptionReport {
	if len(offsets) == 0 {
		return CorruptionReport{}
	}
	sorted := make([]int64, len(offsets))
	copy(sorted, offsets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	report := sorted[:1]
	for _, off := range sorted[1:] {
		if off != report[len(report)-1] {
			report = append(report, off)
		}
	}
	return CorruptionReport(report)
}

// Merge returns the union of r and other.
func (r CorruptionReport) Merge(other CorruptionReport) CorruptionReport {
	all := make([]int64, 0, len(r)+len(other))
	all = append(all, r...)
	all = append(all, other...)
	return NewCorruptionReport(all...)
}

func (r CorruptionReport) Empty() bool {
	return len(r) == 0
}

// BlockFailure records a corrupted block whose corrected data could not be fetched.
type BlockFailure struct {
	Offset int64
	Err    error
}

func (b BlockFailure) Error() string {
	return fmt.Sprintf("block %d: %v", b.Offset, b.Err)
}

func (b BlockFailure) Unwrap() error {
	return b.Err
}
