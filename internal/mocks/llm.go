package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/inkfeather/inkfeather/internal/llm"
)

// MockLLMClient is a mock implementation of llm.Client
type MockLLMClient struct {
	mock.Mock
}

// Generate mocks the Generate method
func (m *MockLLMClient) Generate(ctx context.Context, ep *llm.Endpoint, prompt string) (string, error) {
	args := m.Called(ctx, ep, prompt)
	return args.String(0), args.Error(1)
}

// MockHealthStore is a mock implementation of llm.HealthStore
type MockHealthStore struct {
	mock.Mock
}

// RecordFailure mocks the RecordFailure method
func (m *MockHealthStore) RecordFailure(ctx context.Context, endpointID string, at time.Time) error {
	args := m.Called(ctx, endpointID, at)
	return args.Error(0)
}

// ClearFailure mocks the ClearFailure method
func (m *MockHealthStore) ClearFailure(ctx context.Context, endpointID string) error {
	args := m.Called(ctx, endpointID)
	return args.Error(0)
}

// MockGenerator is a mock implementation of jobs.Generator
type MockGenerator struct {
	mock.Mock
}

// Do mocks the retry-controlled generation call
func (m *MockGenerator) Do(ctx context.Context, fn llm.CallFunc) (string, error) {
	args := m.Called(ctx, fn)
	return args.String(0), args.Error(1)
}
