package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxAttempts bounds how many times a single unit of work is tried
// before its error is surfaced to the subtask.
const DefaultMaxAttempts = 3

// ErrPoolExhausted is returned when no endpoint could be drawn from the pool.
var ErrPoolExhausted = errors.New("llm: endpoint pool exhausted")

// CallFunc executes one attempt against the given endpoint.
type CallFunc func(ctx context.Context, ep *Endpoint) (string, error)

// RetryController runs a unit of work with bounded attempts, drawing a fresh
// endpoint from the pool for each retry and backing off exponentially
// (1s, 2s, ...) between attempts.
type RetryController struct {
	pool        *Pool
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRetryController creates a controller over the given pool.
func NewRetryController(pool *Pool, maxAttempts int) *RetryController {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryController{
		pool:        pool,
		maxAttempts: maxAttempts,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do executes fn up to maxAttempts times, returning the first success.
// Each attempt's outcome is reported back to the pool. If the pool cannot
// supply an endpoint, Do stops immediately without sleeping through the
// remaining attempts. After the final failure the last error is returned,
// annotated with the endpoint that was tried last and the attempt count.
func (r *RetryController) Do(ctx context.Context, fn CallFunc) (string, error) {
	var lastErr error
	var lastEndpoint *Endpoint

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		ep := r.pool.Next(attempt > 1)
		if ep == nil {
			if lastErr != nil {
				return "", fmt.Errorf("%w after attempt %d on %s: %v", ErrPoolExhausted, attempt-1, lastEndpoint.Name, lastErr)
			}
			return "", ErrPoolExhausted
		}

		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			log.Debug().
				Str("endpoint", ep.Name).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying generation on next endpoint")
			if err := r.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}

		content, err := fn(ctx, ep)
		if err == nil {
			r.pool.MarkSuccess(ctx, ep.ID)
			return content, nil
		}

		r.pool.MarkFailure(ctx, ep.ID)
		lastErr = err
		lastEndpoint = ep

		log.Warn().
			Err(err).
			Str("endpoint", ep.Name).
			Int("attempt", attempt).
			Int("max_attempts", r.maxAttempts).
			Msg("Generation attempt failed")
	}

	return "", fmt.Errorf("all %d attempts failed, last endpoint %q: %w", r.maxAttempts, lastEndpoint.Name, lastErr)
}
