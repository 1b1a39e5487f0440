package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(pool *Pool) (*RetryController, *[]time.Duration) {
	rc := NewRetryController(pool, DefaultMaxAttempts)
	var sleeps []time.Duration
	rc.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	return rc, &sleeps
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	pool := NewPool(testEndpoints())
	rc, sleeps := newTestController(pool)

	content, err := rc.Do(context.Background(), func(ctx context.Context, ep *Endpoint) (string, error) {
		return "generated text", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "generated text", content)
	assert.Empty(t, *sleeps)
}

func TestRetryStopsAtFirstSuccess(t *testing.T) {
	pool := NewPool(testEndpoints())
	rc, sleeps := newTestController(pool)

	attempts := 0
	content, err := rc.Do(context.Background(), func(ctx context.Context, ep *Endpoint) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("upstream hiccup")
		}
		return "second time lucky", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "second time lucky", content)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, *sleeps)
}

func TestRetryBoundExhaustsAttempts(t *testing.T) {
	pool := NewPool(testEndpoints())
	rc, sleeps := newTestController(pool)

	attempts := 0
	var lastEndpoint string
	_, err := rc.Do(context.Background(), func(ctx context.Context, ep *Endpoint) (string, error) {
		attempts++
		lastEndpoint = ep.Name
		return "", errors.New("permanent upstream failure")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "3")
	assert.Contains(t, err.Error(), lastEndpoint)
	assert.Contains(t, err.Error(), "permanent upstream failure")

	// Exponential backoff between attempts: 1s then 2s
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestRetryRotatesEndpointsBetweenAttempts(t *testing.T) {
	pool := NewPool(testEndpoints())
	rc, _ := newTestController(pool)

	var used []string
	_, err := rc.Do(context.Background(), func(ctx context.Context, ep *Endpoint) (string, error) {
		used = append(used, ep.ID)
		return "", errors.New("nope")
	})

	require.Error(t, err)
	require.Len(t, used, 3)
	assert.NotEqual(t, used[0], used[1])
	assert.NotEqual(t, used[1], used[2])
}

func TestRetryStopsImmediatelyOnEmptyPool(t *testing.T) {
	pool := NewPool(nil)
	rc, sleeps := newTestController(pool)

	called := false
	_, err := rc.Do(context.Background(), func(ctx context.Context, ep *Endpoint) (string, error) {
		called = true
		return "", nil
	})

	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.False(t, called)
	assert.Empty(t, *sleeps)
}

func TestRetryStopsWithoutSleepingWhenPoolDrainsMidway(t *testing.T) {
	pool := NewPool(testEndpoints())
	rc, sleeps := newTestController(pool)

	attempts := 0
	_, err := rc.Do(context.Background(), func(ctx context.Context, ep *Endpoint) (string, error) {
		attempts++
		// Endpoints are deactivated while the attempt is in flight
		pool.SetEndpoints(nil)
		return "", errors.New("connection reset")
	})

	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Empty(t, *sleeps, "exhaustion must not sleep through remaining attempts")
}

func TestRetryReportsOutcomesToPool(t *testing.T) {
	store := &recordingStore{}
	pool := NewPool(testEndpoints(), WithHealthStore(store))
	rc, _ := newTestController(pool)

	attempts := 0
	_, err := rc.Do(context.Background(), func(ctx context.Context, ep *Endpoint) (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("first endpoint down")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Len(t, store.failed, 1)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	pool := NewPool(testEndpoints())
	rc := NewRetryController(pool, DefaultMaxAttempts)
	// Real sleep here so cancellation interrupts the backoff

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := rc.Do(ctx, func(ctx context.Context, ep *Endpoint) (string, error) {
		attempts++
		return "", errors.New("fail")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
