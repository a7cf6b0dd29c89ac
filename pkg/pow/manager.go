package pow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hashmend/pkg/metrics"
	"hashmend/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultLifetime      = 120 * time.Second
	DefaultRefreshMargin = 30 * time.Second
)

// Challenger issues fresh PoW challenges. Fetching a challenge needs no token.
type Challenger interface {
	Challenge(ctx context.Context) ([]byte, error)
}

// TokenManager mints and caches the token that authorizes oracle calls.
type TokenManager struct {
	challenger Challenger
	solver     *Solver
	logger     *zap.Logger
	metrics    *metrics.Metrics

	lifetime time.Duration
	margin   time.Duration
	now      func() time.Time

	// mu is held across a mint so concurrent callers never start a second one.
	mu    sync.Mutex
	token *types.Token
}

// NewTokenManager creates a token manager with the default lifetime and refresh margin.
func NewTokenManager(challenger Challenger, solver *Solver, logger *zap.Logger) *TokenManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if solver == nil {
		solver = NewSolver(logger)
	}
	return &TokenManager{
		challenger: challenger,
		solver:     solver,
		logger:     logger,
		lifetime:   DefaultLifetime,
		margin:     DefaultRefreshMargin,
		now:        time.Now,
	}
}

// ConfigureLifetime sets how long a minted token lives and how close to expiry it gets refreshed.
func (tm *TokenManager) ConfigureLifetime(lifetime, margin time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lifetime = lifetime
	tm.margin = margin
}

// SetClock replaces the time source.
func (tm *TokenManager) SetClock(now func() time.Time) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.now = now
}

func (tm *TokenManager) SetMetrics(m *metrics.Metrics) {
	tm.metrics = m
}

// ValidToken returns a token that stays valid for at least the refresh margin,
// minting a new one first when needed.
func (tm *TokenManager) ValidToken(ctx context.Context) (*types.Token, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token.ValidFor(tm.now(), tm.margin) {
		return tm.token, nil
	}

	token, err := tm.mint(ctx)
	if err != nil {
		return nil, err
	}
	tm.token = token
	return token, nil
}

// Invalidate drops token if it is still the cached one, so the next ValidToken
// mints a fresh one. A token already replaced by another caller is left alone.
func (tm *TokenManager) Invalidate(token *types.Token) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if token == nil || tm.token == token {
		tm.token = nil
	}
}

func (tm *TokenManager) mint(ctx context.Context) (*types.Token, error) {
	tm.logger.Info("Minting proof-of-work token")

	challenge, err := tm.challenger.Challenge(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch challenge: %w", err)
	}

	solution, err := tm.solver.Solve(ctx, challenge)
	if err != nil {
		tm.metrics.PoWFailed()
		return nil, fmt.Errorf("failed to solve challenge: %w", err)
	}

	mintedAt := tm.now()
	token := &types.Token{
		Challenge: challenge,
		Counter:   solution.Counter,
		Raw:       solution.Raw,
		MintedAt:  mintedAt,
		Expiry:    mintedAt.Add(tm.lifetime),
	}
	tm.metrics.TokenMinted(solution.Attempts, solution.Elapsed)

	tm.logger.Info("Proof-of-work token minted",
		zap.Uint64("counter", solution.Counter),
		zap.Uint64("attempts", solution.Attempts),
		zap.Duration("elapsed", solution.Elapsed),
		zap.String("digest", solution.Digest),
		zap.Time("expiry", token.Expiry))

	return token, nil
}
