package repair

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"hashmend/pkg/locator"
	"hashmend/pkg/metrics"
	"hashmend/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWindowSize  = 32 * 1024
	DefaultConcurrency = 4
)

// BlockFetcher returns the authoritative content of an atomic block.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, offset int64) ([]byte, error)
}

// Oracle is everything a repair run needs from the remote side.
type Oracle interface {
	locator.HashOracle
	BlockFetcher
}

// requestCounter is implemented by oracles that answer some hash queries
// locally and can report how many actually went out.
type requestCounter interface {
	HashRequests() int64
}

type Options struct {
	ChunkSize   int
	WindowSize  int64
	Concurrency int
}

// Engine scans a file window by window, localizes corrupted blocks and
// overwrites them with oracle data.
type Engine struct {
	localizer   *locator.Localizer
	fetcher     BlockFetcher
	requests    requestCounter
	chunkSize   int64
	windowSize  int64
	concurrency int
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// Result describes a completed repair run. When Partial reports true, the
// blocks listed in Failures are still corrupted in Buffer.
type Result struct {
	Buffer      []byte
	Report      types.CorruptionReport
	Repaired    []int64
	Failures    []types.BlockFailure
	Windows     int
	HashQueries int64
	Elapsed     time.Duration
}

func (r *Result) Partial() bool {
	return len(r.Failures) > 0
}

// Unrepaired returns the offsets that are still corrupted.
func (r *Result) Unrepaired() []int64 {
	offsets := make([]int64, 0, len(r.Failures))
	for _, f := range r.Failures {
		offsets = append(offsets, f.Offset)
	}
	return offsets
}

func NewEngine(oracle Oracle, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 32
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	chunk := int64(opts.ChunkSize)
	window := opts.WindowSize / chunk * chunk
	if window < chunk {
		window = chunk
	}

	e := &Engine{
		localizer:   locator.NewLocalizer(oracle, opts.ChunkSize, logger),
		fetcher:     oracle,
		chunkSize:   chunk,
		windowSize:  window,
		concurrency: opts.Concurrency,
		logger:      logger,
	}
	if rc, ok := oracle.(requestCounter); ok {
		e.requests = rc
	}
	return e
}

// hashRequests counts hash queries that reached the oracle.
func (e *Engine) hashRequests() int64 {
	if e.requests != nil {
		return e.requests.HashRequests()
	}
	return e.localizer.Queries()
}

func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

func (e *Engine) Localizer() *locator.Localizer {
	return e.localizer
}

// Windows partitions a file of fileLen bytes into chunk-aligned top-level
// windows. A trailing piece shorter than a chunk becomes one chunk-sized window.
func (e *Engine) Windows(fileLen int64) []types.Fragment {
	var windows []types.Fragment
	for off := int64(0); off < fileLen; {
		size := fileLen - off
		if size > e.windowSize {
			size = e.windowSize
		}
		size = size / e.chunkSize * e.chunkSize
		if size == 0 {
			size = e.chunkSize
		}
		windows = append(windows, types.Fragment{Offset: off, Size: size})
		off += size
	}
	return windows
}

// Scan localizes every corrupted block in buf without repairing anything.
func (e *Engine) Scan(ctx context.Context, buf []byte) (types.CorruptionReport, error) {
	windows := e.Windows(int64(len(buf)))
	reports := make([]types.CorruptionReport, len(windows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, w := range windows {
		i, w := i, w
		g.Go(func() error {
			report, err := e.localizer.Locate(gctx, buf, w)
			if err != nil {
				return fmt.Errorf("window %s: %w", w, err)
			}
			e.metrics.WindowScanned(len(report))
			if len(report) > 0 {
				e.logger.Info("Corrupted blocks found",
					zap.Stringer("window", w),
					zap.Int("blocks", len(report)))
			}
			reports[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := types.CorruptionReport{}
	for _, r := range reports {
		merged = merged.Merge(r)
	}
	return merged, nil
}

// Repair returns a repaired copy of buf; buf itself is not modified. A block
// whose corrected data cannot be fetched is recorded in Result.Failures and the
// run continues. Localization failures, token failures and cancellation abort
// the run and no result is returned, as does a data endpoint that failed on the
// transport for every block.
func (e *Engine) Repair(ctx context.Context, buf []byte) (*Result, error) {
	start := time.Now()
	queriesBefore := e.hashRequests()

	file := make([]byte, len(buf))
	copy(file, buf)
	fileLen := int64(len(file))

	e.logger.Info("Starting repair",
		zap.Int64("size", fileLen),
		zap.Int64("chunk_size", e.chunkSize),
		zap.Int64("window_size", e.windowSize))

	report, err := e.Scan(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("failed to localize corruption: %w", err)
	}

	result := &Result{
		Report:  report,
		Windows: len(e.Windows(fileLen)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, offset := range report {
		offset := offset
		g.Go(func() error {
			err := e.repairBlock(gctx, file, offset)
			if err == nil {
				e.metrics.BlockRepaired()
				mu.Lock()
				result.Repaired = append(result.Repaired, offset)
				mu.Unlock()
				return nil
			}
			if types.IsFatal(err) {
				return err
			}

			e.metrics.BlockFailed()
			e.logger.Warn("Block repair failed", zap.Int64("offset", offset), zap.Error(err))
			mu.Lock()
			result.Failures = append(result.Failures, types.BlockFailure{Offset: offset, Err: err})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("repair aborted: %w", err)
	}

	if unreachable(result) {
		e.logger.Error("Oracle unreachable for every corrupted block",
			zap.Int("blocks", len(result.Failures)))
		return nil, fmt.Errorf("repair aborted: no block could be fetched: %w", result.Failures[0].Err)
	}

	sort.Slice(result.Repaired, func(i, j int) bool { return result.Repaired[i] < result.Repaired[j] })
	sort.Slice(result.Failures, func(i, j int) bool { return result.Failures[i].Offset < result.Failures[j].Offset })

	result.Buffer = file
	result.HashQueries = e.hashRequests() - queriesBefore
	result.Elapsed = time.Since(start)

	e.logger.Info("Repair finished",
		zap.Int("corrupted", len(report)),
		zap.Int("repaired", len(result.Repaired)),
		zap.Int("failed", len(result.Failures)),
		zap.Int64("hash_queries", result.HashQueries),
		zap.Duration("elapsed", result.Elapsed))

	return result, nil
}

// unreachable reports whether every block fetch failed on the transport, which
// means the data endpoint is down rather than missing individual blocks.
func unreachable(result *Result) bool {
	if len(result.Repaired) > 0 || len(result.Failures) == 0 {
		return false
	}
	for _, f := range result.Failures {
		if !errors.Is(f.Err, types.ErrNetworkFailure) {
			return false
		}
	}
	return true
}

// repairBlock overwrites the block at offset, clipped to end of file. Blocks
// are disjoint, so concurrent calls never write the same bytes.
func (e *Engine) repairBlock(ctx context.Context, file []byte, offset int64) error {
	data, err := e.fetcher.FetchBlock(ctx, offset)
	if err != nil {
		if types.IsFatal(err) {
			return err
		}
		return fmt.Errorf("%w: %w", types.ErrBlockFetchFailed, err)
	}

	need := int64(len(file)) - offset
	if need > e.chunkSize {
		need = e.chunkSize
	}
	if int64(len(data)) < need {
		return fmt.Errorf("%w: got %d bytes, need %d", types.ErrBlockFetchFailed, len(data), need)
	}

	copy(file[offset:offset+need], data[:need])
	return nil
}
