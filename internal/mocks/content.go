package mocks

import (
	"context"
	"database/sql"

	"github.com/stretchr/testify/mock"

	"github.com/inkfeather/inkfeather/internal/content"
	"github.com/inkfeather/inkfeather/internal/db"
)

// MockPromptBuilder is a mock implementation of jobs.PromptBuilder
type MockPromptBuilder struct {
	mock.Mock
}

// Build mocks the Build method
func (m *MockPromptBuilder) Build(topic *db.Topic, rule *db.Rule) (string, error) {
	args := m.Called(topic, rule)
	return args.String(0), args.Error(1)
}

// MockRenderer is a mock implementation of jobs.Renderer
type MockRenderer struct {
	mock.Mock
}

// Render mocks the Render method
func (m *MockRenderer) Render(markdown string) (string, error) {
	args := m.Called(markdown)
	return args.String(0), args.Error(1)
}

// ExtractTitle mocks the ExtractTitle method
func (m *MockRenderer) ExtractTitle(markdown string) string {
	args := m.Called(markdown)
	return args.String(0)
}

// MockPublisher is a mock implementation of jobs.Publisher
type MockPublisher struct {
	mock.Mock
}

// Publish mocks the Publish method
func (m *MockPublisher) Publish(ctx context.Context, tx *sql.Tx, draft *content.Draft) (string, error) {
	args := m.Called(ctx, tx, draft)
	return args.String(0), args.Error(1)
}
