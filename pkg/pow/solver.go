package pow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"hashmend/pkg/types"

	"go.uber.org/zap"
)

const (
	// DefaultDifficulty is six repeated high hex characters: the leading 24 bits
	// of the digest must all be set.
	DefaultDifficulty  = "ffffff"
	DefaultMaxAttempts = uint64(1) << 32
	DefaultMaxDuration = 10 * time.Minute

	counterSize      = 8
	checkEvery       = 4096
	progressLogEvery = 1 << 22
)

// HashFunc hashes a candidate token.
type HashFunc func(data []byte) []byte

// SHA256 is the oracle's hash function.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Solver brute-forces a counter whose hash over challenge ‖ counter meets the
// difficulty prefix.
type Solver struct {
	Hash        HashFunc
	Difficulty  string
	ByteOrder   binary.ByteOrder
	MaxAttempts uint64
	MaxDuration time.Duration
	logger      *zap.Logger
}

// NewSolver returns a solver using sha256, the default difficulty and a
// big-endian counter.
func NewSolver(logger *zap.Logger) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		Hash:        SHA256,
		Difficulty:  DefaultDifficulty,
		ByteOrder:   binary.BigEndian,
		MaxAttempts: DefaultMaxAttempts,
		MaxDuration: DefaultMaxDuration,
		logger:      logger,
	}
}

// Solution is a solved puzzle.
type Solution struct {
	Counter  uint64
	Raw      []byte
	Digest   string
	Attempts uint64
	Elapsed  time.Duration
}

// Solve searches counters 0, 1, 2, ... and returns the first that satisfies the
// difficulty. It fails with ErrPoWExceeded when MaxAttempts or MaxDuration is
// exhausted and ErrCancelled when ctx is cancelled by the caller.
func (s *Solver) Solve(ctx context.Context, challenge []byte) (*Solution, error) {
	difficulty := strings.ToLower(s.Difficulty)
	if _, err := hex.DecodeString(padEven(difficulty)); err != nil {
		return nil, fmt.Errorf("invalid difficulty prefix %q: %w", s.Difficulty, err)
	}
	order := s.ByteOrder
	if order == nil {
		order = binary.BigEndian
	}
	hash := s.Hash
	if hash == nil {
		hash = SHA256
	}
	maxAttempts := s.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}

	parent := ctx
	if s.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.MaxDuration)
		defer cancel()
	}

	// Only the leading bytes that cover the prefix need encoding.
	prefixBytes := (len(difficulty) + 1) / 2
	buf := make([]byte, len(challenge)+counterSize)
	copy(buf, challenge)
	counterBuf := buf[len(challenge):]

	start := time.Now()
	var counter uint64
	for attempts := uint64(0); attempts < maxAttempts; attempts++ {
		if attempts%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				if parent.Err() != nil {
					return nil, types.Cancelled(parent.Err())
				}
				return nil, fmt.Errorf("%w: no solution after %d attempts in %s", types.ErrPoWExceeded, attempts, time.Since(start).Round(time.Millisecond))
			}
		}
		if attempts > 0 && attempts%progressLogEvery == 0 {
			s.logger.Debug("Proof-of-work in progress", zap.Uint64("attempts", attempts))
		}

		order.PutUint64(counterBuf, counter)
		sum := hash(buf)
		if len(sum) >= prefixBytes && strings.HasPrefix(hex.EncodeToString(sum[:prefixBytes]), difficulty) {
			raw := make([]byte, len(buf))
			copy(raw, buf)
			return &Solution{
				Counter:  counter,
				Raw:      raw,
				Digest:   hex.EncodeToString(sum),
				Attempts: attempts + 1,
				Elapsed:  time.Since(start),
			}, nil
		}
		counter++
	}

	return nil, fmt.Errorf("%w: no solution after %d attempts", types.ErrPoWExceeded, maxAttempts)
}

// Verify reports whether raw satisfies the solver's difficulty.
func (s *Solver) Verify(raw []byte) bool {
	hash := s.Hash
	if hash == nil {
		hash = SHA256
	}
	return strings.HasPrefix(hex.EncodeToString(hash(raw)), strings.ToLower(s.Difficulty))
}

func padEven(s string) string {
	if len(s)%2 == 1 {
		return s + "0"
	}
	return s
}
