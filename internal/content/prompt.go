// Package content holds the collaborators around the generation core:
// prompt rendering, Markdown conversion, publishing into the article
// store, and optional similarity enrichment.
package content

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/inkfeather/inkfeather/internal/db"
)

// PromptBuilder renders the writing prompt for one topic from a rule's
// template. Rendering is deterministic: the same topic and rule always
// produce the same prompt.
type PromptBuilder struct{}

// NewPromptBuilder creates a prompt builder.
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{}
}

// promptData is the namespace exposed to rule templates.
type promptData struct {
	Title    string
	Summary  string
	Keywords string
	Category string
	Language string
	MinWords int
	MaxWords int
}

// Build renders the prompt. Template parse or execution failures are
// terminal for the subtask: retrying cannot fix a broken template.
func (b *PromptBuilder) Build(topic *db.Topic, rule *db.Rule) (string, error) {
	if strings.TrimSpace(rule.PromptTemplate) == "" {
		return "", fmt.Errorf("rule %s has an empty prompt template", rule.ID)
	}

	tmpl, err := template.New(rule.ID).Option("missingkey=error").Parse(rule.PromptTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template for rule %s: %w", rule.ID, err)
	}

	var buf strings.Builder
	err = tmpl.Execute(&buf, promptData{
		Title:    topic.Title,
		Summary:  topic.Summary,
		Keywords: topic.Keywords,
		Category: topic.Category,
		Language: rule.Language,
		MinWords: rule.MinWords,
		MaxWords: rule.MaxWords,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt for rule %s: %w", rule.ID, err)
	}

	prompt := strings.TrimSpace(buf.String())
	if prompt == "" {
		return "", fmt.Errorf("rule %s rendered an empty prompt", rule.ID)
	}

	return prompt, nil
}
