package locator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"hashmend/pkg/oracle"
	"hashmend/pkg/oracle/oracletest"
	"hashmend/pkg/pow"
	"hashmend/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryOracle answers hash queries from the authoritative content in memory.
type memoryOracle struct {
	remote []byte
	fail   func(offset, size int64) error

	mu     sync.Mutex
	ranges []types.Fragment
}

func (m *memoryOracle) QueryHash(ctx context.Context, offset, size int64) (types.Digest, error) {
	m.mu.Lock()
	m.ranges = append(m.ranges, types.Fragment{Offset: offset, Size: size})
	m.mu.Unlock()

	if m.fail != nil {
		if err := m.fail(offset, size); err != nil {
			return "", err
		}
	}
	return types.Digest(oracletest.RangeHash(m.remote, offset, size)), nil
}

func randomContent(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func corrupt(data []byte, offsets ...int) []byte {
	out := append([]byte(nil), data...)
	seen := make(map[int]bool)
	for _, off := range offsets {
		if !seen[off] {
			out[off] ^= 0xA5
			seen[off] = true
		}
	}
	return out
}

func TestLocateSingleCorruptBlock(t *testing.T) {
	remote := randomContent(96, 1)
	local := corrupt(remote, 40)

	l := NewLocalizer(&memoryOracle{remote: remote}, 32, nil)
	report, err := l.Locate(context.Background(), local, types.Fragment{Offset: 0, Size: 96})
	require.NoError(t, err)
	assert.Equal(t, types.CorruptionReport{32}, report)
}

func TestLocateIntactRangeIssuesOneQuery(t *testing.T) {
	remote := randomContent(32*1024, 2)
	o := &memoryOracle{remote: remote}
	l := NewLocalizer(o, 32, nil)

	report, err := l.Locate(context.Background(), append([]byte(nil), remote...), types.Fragment{Offset: 0, Size: 32 * 1024})
	require.NoError(t, err)
	assert.Empty(t, report)
	assert.Equal(t, int64(1), l.Queries())
	assert.Len(t, o.ranges, 1)
}

func TestLocateMatchesLinearScan(t *testing.T) {
	const chunk = 32
	rng := rand.New(rand.NewSource(42))

	sizes := []int{32, 33, 96, 100, 1000, 4096, 8191}
	for _, size := range sizes {
		for trial := 0; trial < 5; trial++ {
			t.Run(fmt.Sprintf("size_%d_trial_%d", size, trial), func(t *testing.T) {
				remote := randomContent(size, int64(size*10+trial))
				var offsets []int
				for i := rng.Intn(6); i > 0; i-- {
					offsets = append(offsets, rng.Intn(size))
				}
				local := corrupt(remote, offsets...)

				expected := make([]int64, 0, len(offsets))
				for _, off := range offsets {
					expected = append(expected, int64(off/chunk*chunk))
				}

				frag := types.Fragment{Offset: 0, Size: int64(size)}
				bisect := NewLocalizer(&memoryOracle{remote: remote}, chunk, nil)
				got, err := bisect.Locate(context.Background(), local, frag)
				require.NoError(t, err)

				linear := NewLocalizer(&memoryOracle{remote: remote}, chunk, nil)
				baseline, err := linear.Linear(context.Background(), local, frag)
				require.NoError(t, err)

				assert.Equal(t, types.NewCorruptionReport(expected...), got)
				assert.Equal(t, baseline, got)
			})
		}
	}
}

func TestLocateSparseCorruptionBeatsLinear(t *testing.T) {
	remote := randomContent(32*1024, 3)
	local := corrupt(remote, 100, 20000)
	frag := types.Fragment{Offset: 0, Size: 32 * 1024}

	bisect := NewLocalizer(&memoryOracle{remote: remote}, 32, nil)
	report, err := bisect.Locate(context.Background(), local, frag)
	require.NoError(t, err)
	assert.Equal(t, types.CorruptionReport{96, 20000}, report)

	linear := NewLocalizer(&memoryOracle{remote: remote}, 32, nil)
	_, err = linear.Linear(context.Background(), local, frag)
	require.NoError(t, err)

	assert.Equal(t, int64(1024), linear.Queries())
	// Two root-to-leaf paths of depth 10 and their siblings.
	assert.LessOrEqual(t, bisect.Queries(), int64(41))
}

func TestLocateFinalPartialBlock(t *testing.T) {
	remote := randomContent(100, 4)
	local := corrupt(remote, 98)
	o := &memoryOracle{remote: remote}
	l := NewLocalizer(o, 32, nil)

	report, err := l.Locate(context.Background(), local, types.Fragment{Offset: 0, Size: 100})
	require.NoError(t, err)
	assert.Equal(t, types.CorruptionReport{96}, report)

	for _, r := range o.ranges {
		assert.LessOrEqual(t, r.End(), int64(100), "range %s runs past end of file", r)
		assert.Zero(t, r.Offset%32, "range %s not chunk aligned", r)
	}
	assert.Equal(t, types.Fragment{Offset: 0, Size: 100}, o.ranges[0])
	assert.Equal(t, types.Fragment{Offset: 96, Size: 4}, o.ranges[len(o.ranges)-1])
}

func TestLocateTailEndsAtEndOfFile(t *testing.T) {
	remote := randomContent(200, 9)
	local := corrupt(remote, 199)
	o := &memoryOracle{remote: remote}
	l := NewLocalizer(o, 32, nil)

	// [0,256) splits into [0,128) and a tail trimmed to [128,200).
	report, err := l.Locate(context.Background(), local, types.Fragment{Offset: 0, Size: 256})
	require.NoError(t, err)
	assert.Equal(t, types.CorruptionReport{192}, report)

	require.GreaterOrEqual(t, len(o.ranges), 3)
	assert.Equal(t, types.Fragment{Offset: 0, Size: 256}, o.ranges[0])
	assert.Equal(t, types.Fragment{Offset: 0, Size: 128}, o.ranges[1])
	assert.Equal(t, types.Fragment{Offset: 128, Size: 72}, o.ranges[2])
	for _, r := range o.ranges[1:] {
		assert.LessOrEqual(t, r.End(), int64(200), "range %s runs past end of file", r)
	}
}

func TestLocateTailBeyondEndOfFile(t *testing.T) {
	remote := randomContent(64, 5)
	local := corrupt(remote, 0)
	o := &memoryOracle{remote: remote}
	l := NewLocalizer(o, 32, nil)

	// Root [0,256) is split into [0,128) and a tail that starts past end of file.
	report, err := l.Locate(context.Background(), local, types.Fragment{Offset: 0, Size: 256})
	require.NoError(t, err)
	assert.Equal(t, types.CorruptionReport{0}, report)
	for _, r := range o.ranges {
		assert.Less(t, r.Offset, int64(64))
	}
}

func TestLocateOracleFailureIsNotClean(t *testing.T) {
	remote := randomContent(256, 6)
	local := corrupt(remote, 200)

	o := &memoryOracle{
		remote: remote,
		fail: func(offset, size int64) error {
			if offset == 128 && size == 128 {
				return fmt.Errorf("%w: connection reset", types.ErrNetworkFailure)
			}
			return nil
		},
	}
	l := NewLocalizer(o, 32, nil)

	report, err := l.Locate(context.Background(), local, types.Fragment{Offset: 0, Size: 256})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
	assert.Nil(t, report)

	verdict, err := l.Check(context.Background(), local, types.Fragment{Offset: 128, Size: 128})
	assert.Error(t, err)
	assert.Equal(t, types.VerdictUnknown, verdict)
}

func TestLocateTransportFailureOverHTTP(t *testing.T) {
	remote := randomContent(256, 7)
	local := corrupt(remote, 10)

	srv := oracletest.NewServer(remote, 32, oracletest.Difficulty)
	defer srv.Close()
	srv.DropHash = func(offset, size int64) bool { return offset == 0 && size == 64 }

	client, err := oracle.NewClient(oracle.Options{BaseURL: srv.BaseURL(), ChunkSize: 32}, nil)
	require.NoError(t, err)
	client.ConfigureRetry(2, time.Millisecond, time.Millisecond)
	solver := pow.NewSolver(nil)
	solver.Difficulty = oracletest.Difficulty
	client.UseTokens(pow.NewTokenManager(client, solver, nil))

	l := NewLocalizer(client, 32, zap.NewNop())
	_, err = l.Locate(context.Background(), local, types.Fragment{Offset: 0, Size: 256})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNetworkFailure)
}

func TestLocateValidation(t *testing.T) {
	l := NewLocalizer(&memoryOracle{remote: make([]byte, 64)}, 32, nil)
	buf := make([]byte, 64)

	_, err := l.Locate(context.Background(), buf, types.Fragment{Offset: 5, Size: 32})
	assert.Error(t, err)

	_, err = l.Locate(context.Background(), buf, types.Fragment{Offset: 0, Size: 0})
	assert.Error(t, err)

	report, err := l.Locate(context.Background(), buf, types.Fragment{Offset: 64, Size: 32})
	require.NoError(t, err)
	assert.Empty(t, report)
	assert.Zero(t, l.Queries())
}

func TestLocateCancelled(t *testing.T) {
	l := NewLocalizer(&memoryOracle{remote: make([]byte, 64)}, 32, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Locate(ctx, make([]byte, 64), types.Fragment{Offset: 0, Size: 64})
	assert.ErrorIs(t, err, types.ErrCancelled)
}

func TestLocalHashPadsPastEndOfFile(t *testing.T) {
	buf := []byte{1, 2, 3}
	padded := []byte{1, 2, 3, 0, 0, 0, 0, 0}

	assert.Equal(t,
		LocalHash(padded, types.Fragment{Offset: 0, Size: 8}),
		LocalHash(buf, types.Fragment{Offset: 0, Size: 8}))
	assert.Equal(t,
		types.Digest(oracletest.RangeHash(buf, 0, 8)),
		LocalHash(buf, types.Fragment{Offset: 0, Size: 8}))
}
