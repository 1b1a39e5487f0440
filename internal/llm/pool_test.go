package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEndpoints() []Endpoint {
	return []Endpoint{
		{ID: "ep-1", Name: "alpha", IsActive: true},
		{ID: "ep-2", Name: "beta", IsActive: true},
		{ID: "ep-3", Name: "gamma", IsActive: true},
	}
}

func TestPoolRoundRobin(t *testing.T) {
	pool := NewPool(testEndpoints())

	var order []string
	for i := 0; i < 6; i++ {
		ep := pool.Next(false)
		require.NotNil(t, ep)
		order = append(order, ep.ID)
	}

	assert.Equal(t, []string{"ep-1", "ep-2", "ep-3", "ep-1", "ep-2", "ep-3"}, order)
}

func TestPoolSkipsCoolingDownEndpoint(t *testing.T) {
	now := time.Now()
	pool := NewPool(testEndpoints(), WithClock(func() time.Time { return now }))

	pool.MarkFailure(context.Background(), "ep-1")

	for i := 0; i < 6; i++ {
		ep := pool.Next(false)
		require.NotNil(t, ep)
		assert.NotEqual(t, "ep-1", ep.ID)
	}
}

func TestPoolCooldownExpires(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	pool := NewPool(testEndpoints(), WithClock(clock))

	pool.MarkFailure(context.Background(), "ep-1")

	// Still inside the window
	now = now.Add(CooldownWindow - time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		seen[pool.Next(false).ID] = true
	}
	assert.False(t, seen["ep-1"])

	// Window elapsed, the endpoint rejoins rotation
	now = now.Add(2 * time.Minute)
	seen = make(map[string]bool)
	for i := 0; i < 3; i++ {
		seen[pool.Next(false).ID] = true
	}
	assert.True(t, seen["ep-1"])
}

func TestPoolGracefulDegradationWhenAllCoolingDown(t *testing.T) {
	now := time.Now()
	pool := NewPool(testEndpoints(), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	pool.MarkFailure(ctx, "ep-1")
	pool.MarkFailure(ctx, "ep-2")
	pool.MarkFailure(ctx, "ep-3")

	// Cool-down is ignored rather than refusing to serve
	ep := pool.Next(false)
	require.NotNil(t, ep)
}

func TestPoolReturnsNilWhenNoActiveEndpoints(t *testing.T) {
	pool := NewPool([]Endpoint{
		{ID: "ep-1", Name: "alpha", IsActive: false},
	})
	assert.Nil(t, pool.Next(false))

	empty := NewPool(nil)
	assert.Nil(t, empty.Next(false))
}

func TestPoolRetryAvoidsLastChosen(t *testing.T) {
	pool := NewPool(testEndpoints())

	first := pool.Next(false)
	require.NotNil(t, first)

	retry := pool.Next(true)
	require.NotNil(t, retry)
	assert.NotEqual(t, first.ID, retry.ID)
}

func TestPoolRetryWithSingleEndpoint(t *testing.T) {
	pool := NewPool([]Endpoint{{ID: "ep-1", Name: "alpha", IsActive: true}})

	first := pool.Next(false)
	require.NotNil(t, first)

	// Only one endpoint exists, so a retry still gets it
	retry := pool.Next(true)
	require.NotNil(t, retry)
	assert.Equal(t, "ep-1", retry.ID)
}

func TestPoolMarkSuccessClearsFailure(t *testing.T) {
	now := time.Now()
	pool := NewPool(testEndpoints(), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	pool.MarkFailure(ctx, "ep-1")
	pool.MarkSuccess(ctx, "ep-1")

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		seen[pool.Next(false).ID] = true
	}
	assert.True(t, seen["ep-1"])
}

func TestPoolSeedFailure(t *testing.T) {
	now := time.Now()
	pool := NewPool(testEndpoints(), WithClock(func() time.Time { return now }))

	// A failure persisted before restart keeps the endpoint cooling down
	pool.SeedFailure("ep-2", now.Add(-time.Minute))

	for i := 0; i < 4; i++ {
		assert.NotEqual(t, "ep-2", pool.Next(false).ID)
	}
}

func TestPoolSetEndpointsKeepsHealthState(t *testing.T) {
	now := time.Now()
	pool := NewPool(testEndpoints(), WithClock(func() time.Time { return now }))
	pool.MarkFailure(context.Background(), "ep-1")

	pool.SetEndpoints([]Endpoint{
		{ID: "ep-1", Name: "alpha", IsActive: true},
		{ID: "ep-4", Name: "delta", IsActive: true},
	})

	for i := 0; i < 4; i++ {
		assert.Equal(t, "ep-4", pool.Next(false).ID)
	}
}

func TestPoolPersistsHealthToStore(t *testing.T) {
	store := &recordingStore{}
	now := time.Now()
	pool := NewPool(testEndpoints(), WithHealthStore(store), WithClock(func() time.Time { return now }))

	ctx := context.Background()
	pool.MarkFailure(ctx, "ep-1")
	pool.MarkSuccess(ctx, "ep-1")
	// Clearing an endpoint that never failed skips the store write
	pool.MarkSuccess(ctx, "ep-2")

	assert.Equal(t, []string{"ep-1"}, store.failed)
	assert.Equal(t, []string{"ep-1"}, store.cleared)
}

type recordingStore struct {
	failed  []string
	cleared []string
}

func (s *recordingStore) RecordFailure(ctx context.Context, endpointID string, at time.Time) error {
	s.failed = append(s.failed, endpointID)
	return nil
}

func (s *recordingStore) ClearFailure(ctx context.Context, endpointID string) error {
	s.cleared = append(s.cleared, endpointID)
	return nil
}
