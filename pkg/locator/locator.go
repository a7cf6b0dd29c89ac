package locator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"hashmend/pkg/types"

	"go.uber.org/zap"
)

// HashOracle reports the authoritative digest of a byte range.
type HashOracle interface {
	QueryHash(ctx context.Context, offset, size int64) (types.Digest, error)
}

// Localizer finds corrupted atomic blocks by comparing local range hashes
// against the oracle and bisecting mismatching ranges.
type Localizer struct {
	oracle    HashOracle
	chunkSize int64
	logger    *zap.Logger

	queries atomic.Int64
}

func NewLocalizer(oracle HashOracle, chunkSize int, logger *zap.Logger) *Localizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Localizer{
		oracle:    oracle,
		chunkSize: int64(chunkSize),
		logger:    logger,
	}
}

func (l *Localizer) ChunkSize() int64 {
	return l.chunkSize
}

// Queries returns the number of hash queries issued so far.
func (l *Localizer) Queries() int64 {
	return l.queries.Load()
}

// LocalHash hashes buf over frag, zero-padding the part past end of buffer.
func LocalHash(buf []byte, frag types.Fragment) types.Digest {
	var sum [sha256.Size]byte
	if frag.End() <= int64(len(buf)) {
		sum = sha256.Sum256(buf[frag.Offset:frag.End()])
	} else {
		padded := make([]byte, frag.Size)
		if frag.Offset < int64(len(buf)) {
			copy(padded, buf[frag.Offset:])
		}
		sum = sha256.Sum256(padded)
	}
	return types.Digest(hex.EncodeToString(sum[:]))
}

// Check compares one fragment with the oracle. An oracle failure yields
// VerdictUnknown together with the error, never VerdictClean.
func (l *Localizer) Check(ctx context.Context, buf []byte, frag types.Fragment) (types.Verdict, error) {
	l.queries.Add(1)
	remote, err := l.oracle.QueryHash(ctx, frag.Offset, frag.Size)
	if err != nil {
		return types.VerdictUnknown, fmt.Errorf("could not verify %s: %w", frag, err)
	}

	if remote == LocalHash(buf, frag) {
		return types.VerdictClean, nil
	}
	return types.VerdictCorrupt, nil
}

// Locate returns the offsets of all corrupted atomic blocks in frag. Offset must
// be chunk aligned. A range reaching past end of file is hashed zero-padded.
// Clean ranges are pruned after a single query. Any oracle failure aborts the
// search with an error.
func (l *Localizer) Locate(ctx context.Context, buf []byte, frag types.Fragment) (types.CorruptionReport, error) {
	frag, err := l.normalize(frag)
	if err != nil {
		return nil, err
	}
	fileLen := int64(len(buf))
	if frag.Offset >= fileLen {
		return types.CorruptionReport{}, nil
	}

	var corrupt []int64
	stack := []types.Fragment{frag}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := ctx.Err(); err != nil {
			return nil, types.Cancelled(err)
		}

		verdict, err := l.Check(ctx, buf, f)
		if err != nil {
			return nil, err
		}
		if verdict == types.VerdictClean {
			l.logger.Debug("Range intact", zap.Stringer("range", f))
			continue
		}

		l.logger.Debug("Range corrupted", zap.Stringer("range", f))
		if f.Size <= l.chunkSize {
			corrupt = append(corrupt, f.Offset)
			continue
		}

		head, tail, hasTail := l.split(f, fileLen)
		// Push the tail first so the head is explored first and offsets come out in file order.
		if hasTail {
			stack = append(stack, tail)
		}
		stack = append(stack, head)
	}

	return types.NewCorruptionReport(corrupt...), nil
}

// Linear checks every atomic block in frag with its own query. It is the
// baseline Locate must agree with.
func (l *Localizer) Linear(ctx context.Context, buf []byte, frag types.Fragment) (types.CorruptionReport, error) {
	frag, err := l.normalize(frag)
	if err != nil {
		return nil, err
	}

	var corrupt []int64
	for off := frag.Offset; off < frag.End() && off < int64(len(buf)); off += l.chunkSize {
		block := types.Fragment{Offset: off, Size: l.chunkSize}
		verdict, err := l.Check(ctx, buf, block)
		if err != nil {
			return nil, err
		}
		if verdict == types.VerdictCorrupt {
			corrupt = append(corrupt, off)
		}
	}
	return types.NewCorruptionReport(corrupt...), nil
}

// split halves f at a chunk boundary. The tail is dropped when it starts at or
// past end of file and otherwise ends no later than end of file.
func (l *Localizer) split(f types.Fragment, fileLen int64) (head, tail types.Fragment, hasTail bool) {
	half := (f.Size / 2) / l.chunkSize * l.chunkSize
	if half < l.chunkSize {
		half = l.chunkSize
	}
	head = types.Fragment{Offset: f.Offset, Size: half}

	tailOffset := f.Offset + half
	if tailOffset >= fileLen {
		return head, types.Fragment{}, false
	}
	size := f.Size - half
	if remaining := fileLen - tailOffset; remaining < size {
		size = remaining
	}
	return head, types.Fragment{Offset: tailOffset, Size: size}, size > 0
}

func (l *Localizer) normalize(frag types.Fragment) (types.Fragment, error) {
	if l.chunkSize <= 0 {
		return frag, fmt.Errorf("invalid chunk size %d", l.chunkSize)
	}
	if frag.Offset < 0 || frag.Size <= 0 {
		return frag, fmt.Errorf("invalid range %s", frag)
	}
	if frag.Offset%l.chunkSize != 0 {
		return frag, fmt.Errorf("range %s is not aligned to chunk size %d", frag, l.chunkSize)
	}
	return frag, nil
}
