package types

import (
	"errors"
	"fmt"
)

var (
	ErrNetworkFailure   = errors.New("network failure")
	ErrOracle           = errors.New("oracle error")
	ErrPoWExceeded      = errors.New("proof-of-work budget exceeded")
	ErrBlockFetchFailed = errors.New("block fetch failed")
	ErrFileIO           = errors.New("file i/o error")
	ErrCancelled        = errors.New("cancelled")
	ErrTokenUnavailable = errors.New("no valid proof-of-work token")
)

// OracleError is returned when the oracle answers with a non-success status.
type OracleError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *OracleError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("oracle %s returned status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("oracle %s returned status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

func (e *OracleError) Is(target error) bool {
	return target == ErrOracle
}

// Cancelled wraps a context error so callers can match ErrCancelled while
// keeping context.Canceled / context.DeadlineExceeded in the chain.
func Cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

// IsFatal reports whether err must abort a whole repair run. Without a token no
// later request can succeed either.
func IsFatal(err error) bool {
	return errors.Is(err, ErrPoWExceeded) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrTokenUnavailable)
}
