package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkfeather/inkfeather/internal/db"
)

func testTopic() *db.Topic {
	return &db.Topic{
		ID:       "topic-1",
		Title:    "Composting for beginners",
		Summary:  "A gentle introduction",
		Keywords: "compost, garden",
		Category: "gardening",
	}
}

func TestPromptBuilderBuild(t *testing.T) {
	rule := &db.Rule{
		ID:             "rule-1",
		PromptTemplate: "Write an article in {{.Language}} about {{.Title}}. Use between {{.MinWords}} and {{.MaxWords}} words. Keywords: {{.Keywords}}",
		Language:       "en",
		MinWords:       600,
		MaxWords:       1200,
	}

	b := NewPromptBuilder()
	prompt, err := b.Build(testTopic(), rule)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Composting for beginners")
	assert.Contains(t, prompt, "en")
	assert.Contains(t, prompt, "600")
	assert.Contains(t, prompt, "1200")
	assert.Contains(t, prompt, "compost, garden")
}

func TestPromptBuilderDeterministic(t *testing.T) {
	rule := &db.Rule{ID: "rule-1", PromptTemplate: "About {{.Title}} ({{.Category}})"}

	b := NewPromptBuilder()
	first, err := b.Build(testTopic(), rule)
	require.NoError(t, err)
	second, err := b.Build(testTopic(), rule)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPromptBuilderEmptyTemplate(t *testing.T) {
	b := NewPromptBuilder()
	_, err := b.Build(testTopic(), &db.Rule{ID: "rule-1", PromptTemplate: "   "})
	require.Error(t, err)
}

func TestPromptBuilderBrokenTemplate(t *testing.T) {
	b := NewPromptBuilder()
	_, err := b.Build(testTopic(), &db.Rule{ID: "rule-1", PromptTemplate: "{{.Title"})
	require.Error(t, err)
}

func TestPromptBuilderUnknownField(t *testing.T) {
	b := NewPromptBuilder()
	_, err := b.Build(testTopic(), &db.Rule{ID: "rule-1", PromptTemplate: "{{.DoesNotExist}}"})
	require.Error(t, err)
}
