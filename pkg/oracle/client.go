package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"hashmend/pkg/metrics"
	"hashmend/pkg/types"

	"go.uber.org/zap"
)

const (
	EndpointPoW  = "get-pow"
	EndpointHash = "get-hash"
	EndpointData = "get-data"

	DefaultChunkSize = 32
	DefaultTimeout   = 30 * time.Second

	maxResponseBytes = 1 << 20
)

// TokenSource hands out valid proof-of-work tokens.
type TokenSource interface {
	ValidToken(ctx context.Context) (*types.Token, error)
	Invalidate(token *types.Token)
}

// HashCache stores oracle range digests.
type HashCache interface {
	Get(offset, size int64) (types.Digest, bool, error)
	Put(offset, size int64, digest types.Digest) error
}

type Options struct {
	// BaseURL includes any path prefix, e.g. https://host/ex4.
	BaseURL    string
	ChunkSize  int
	Timeout    time.Duration
	HTTPClient *http.Client

	// MaxAttempts bounds tries per request, the first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Client issues oracle requests. Hash and data requests carry a token from the
// configured TokenSource; challenge requests need none.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	chunkSize  int
	tokens     TokenSource
	cache      HashCache
	logger     *zap.Logger
	metrics    *metrics.Metrics

	hashRequests atomic.Int64

	// Retry configuration
	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

type powResponse struct {
	Challenge string `json:"challenge"`
}

type hashResponse struct {
	Hash string `json:"hash"`
}

type dataResponse struct {
	Data string `json:"data"`
}

// NewClient creates an oracle client. Call UseTokens before issuing hash or data requests.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid oracle url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid oracle url %q: scheme must be http or https", opts.BaseURL)
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	c := &Client{
		baseURL:      base,
		httpClient:   httpClient,
		chunkSize:    opts.ChunkSize,
		logger:       logger,
		maxAttempts:  3,
		baseDelay:    200 * time.Millisecond,
		maxDelay:     5 * time.Second,
		jitterFactor: 0.2,
	}
	c.ConfigureRetry(opts.MaxAttempts, opts.BaseDelay, opts.MaxDelay)

	return c, nil
}

// UseTokens sets the token source attached to hash and data requests.
func (c *Client) UseTokens(tokens TokenSource) {
	c.tokens = tokens
}

// UseCache enables the range hash cache.
func (c *Client) UseCache(cache HashCache) {
	c.cache = cache
}

func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Client) ChunkSize() int {
	return c.chunkSize
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// HashRequests returns how many hash queries went to the oracle. Answers
// served from the cache are not counted.
func (c *Client) HashRequests() int64 {
	return c.hashRequests.Load()
}

// Challenge fetches a fresh proof-of-work challenge.
func (c *Client) Challenge(ctx context.Context) ([]byte, error) {
	var resp powResponse
	if err := c.getWithRetry(ctx, EndpointPoW, url.Values{}, &resp); err != nil {
		return nil, err
	}

	challenge, err := hex.DecodeString(strings.TrimSpace(resp.Challenge))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid challenge encoding: %w", types.ErrOracle, err)
	}
	if len(challenge) == 0 {
		return nil, fmt.Errorf("%w: empty challenge", types.ErrOracle)
	}
	return challenge, nil
}

// QueryHash returns the oracle's digest of [offset, offset+size).
func (c *Client) QueryHash(ctx context.Context, offset, size int64) (types.Digest, error) {
	if offset < 0 || size <= 0 {
		return "", fmt.Errorf("invalid range offset=%d size=%d", offset, size)
	}

	if c.cache != nil {
		digest, ok, err := c.cache.Get(offset, size)
		if err != nil {
			c.logger.Warn("Hash cache lookup failed", zap.Int64("offset", offset), zap.Int64("size", size), zap.Error(err))
		} else if ok {
			c.metrics.CacheHit()
			return digest, nil
		}
	}

	c.hashRequests.Add(1)
	params := url.Values{
		"offset": {strconv.FormatInt(offset, 10)},
		"size":   {strconv.FormatInt(size, 10)},
	}
	var resp hashResponse
	if err := c.authorizedGet(ctx, EndpointHash, params, &resp); err != nil {
		return "", err
	}

	digest := types.NormalizeDigest(resp.Hash)
	if _, err := hex.DecodeString(string(digest)); err != nil || digest == "" {
		return "", fmt.Errorf("%w: invalid digest %q", types.ErrOracle, resp.Hash)
	}

	if c.cache != nil {
		if err := c.cache.Put(offset, size, digest); err != nil {
			c.logger.Warn("Hash cache store failed", zap.Int64("offset", offset), zap.Int64("size", size), zap.Error(err))
		}
	}
	return digest, nil
}

// FetchBlock returns the oracle's authoritative content of the atomic block at offset.
func (c *Client) FetchBlock(ctx context.Context, offset int64) ([]byte, error) {
	if offset < 0 || offset%int64(c.chunkSize) != 0 {
		return nil, fmt.Errorf("offset %d is not aligned to chunk size %d", offset, c.chunkSize)
	}

	params := url.Values{"offset": {strconv.FormatInt(offset, 10)}}
	var resp dataResponse
	if err := c.authorizedGet(ctx, EndpointData, params, &resp); err != nil {
		return nil, err
	}

	data, err := hex.DecodeString(strings.TrimSpace(resp.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid block encoding: %w", types.ErrOracle, err)
	}
	if len(data) == 0 || len(data) > c.chunkSize {
		return nil, fmt.Errorf("%w: block at %d has %d bytes, expected %d", types.ErrOracle, offset, len(data), c.chunkSize)
	}
	return data, nil
}

// authorizedGet attaches a token and, if the oracle rejects it, retries once with a fresh one.
func (c *Client) authorizedGet(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	if c.tokens == nil {
		return fmt.Errorf("oracle client has no token source")
	}

	reauthorized := false
	for {
		token, err := c.tokens.ValidToken(ctx)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", types.ErrTokenUnavailable, endpoint, err)
		}

		query := url.Values{}
		for k, v := range params {
			query[k] = v
		}
		query.Set("pow", token.Hex())

		err = c.getWithRetry(ctx, endpoint, query, out)
		var oracleErr *types.OracleError
		if !reauthorized && errors.As(err, &oracleErr) &&
			(oracleErr.StatusCode == http.StatusUnauthorized || oracleErr.StatusCode == http.StatusForbidden) {
			c.logger.Info("Oracle rejected token, minting a new one",
				zap.String("endpoint", endpoint),
				zap.Int("status", oracleErr.StatusCode))
			c.tokens.Invalidate(token)
			reauthorized = true
			continue
		}
		return err
	}
}

// get performs a single request and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	u := c.baseURL.JoinPath(endpoint)
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", endpoint, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			c.metrics.ObserveOracle(endpoint, "cancelled", time.Since(start))
			return types.Cancelled(ctx.Err())
		}
		c.metrics.ObserveOracle(endpoint, "network_failure", time.Since(start))
		return fmt.Errorf("%w: %s: %w", types.ErrNetworkFailure, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			c.metrics.ObserveOracle(endpoint, "cancelled", time.Since(start))
			return types.Cancelled(ctx.Err())
		}
		c.metrics.ObserveOracle(endpoint, "network_failure", time.Since(start))
		return fmt.Errorf("%w: reading %s response: %w", types.ErrNetworkFailure, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.ObserveOracle(endpoint, "oracle_error", time.Since(start))
		return &types.OracleError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(body)), 200),
		}
	}
	c.metrics.ObserveOracle(endpoint, "success", time.Since(start))

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: malformed %s response: %w", types.ErrOracle, endpoint, err)
	}

	c.logger.Debug("Oracle request completed",
		zap.String("endpoint", endpoint),
		zap.String("offset", query.Get("offset")),
		zap.String("size", query.Get("size")),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
