package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Topic is an input entity: an editorial subject waiting to be written up.
type Topic struct {
	ID        string
	Title     string
	Summary   string
	Keywords  string
	Category  string
	CreatedAt time.Time
}

// Rule carries the generation constraints handed to the prompt builder.
type Rule struct {
	ID             string
	Name           string
	PromptTemplate string
	Language       string
	MinWords       int
	MaxWords       int
}

// Article is a produced artifact row.
type Article struct {
	ID               string
	TopicID          string
	JobID            string
	Title            string
	Slug             string
	BodyHTML         string
	BodyMarkdown     string
	Category         string
	RelatedArticleID string
	PublishAt        time.Time
	CreatedAt        time.Time
}

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = sql.ErrNoRows

// GetTopic loads a topic by id.
func (d *DB) GetTopic(ctx context.Context, id string) (*Topic, error) {
	var t Topic
	err := d.client.QueryRowContext(ctx, `
		SELECT id, title, summary, keywords, category, created_at
		FROM topics WHERE id = $1
	`, id).Scan(&t.ID, &t.Title, &t.Summary, &t.Keywords, &t.Category, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return &t, nil
}

// GetTopicTx loads a topic inside an existing transaction.
func GetTopicTx(ctx context.Context, tx *sql.Tx, id string) (*Topic, error) {
	var t Topic
	err := tx.QueryRowContext(ctx, `
		SELECT id, title, summary, keywords, category, created_at
		FROM topics WHERE id = $1
	`, id).Scan(&t.ID, &t.Title, &t.Summary, &t.Keywords, &t.Category, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get topic: %w", err)
	}
	return &t, nil
}

// GetRule loads a generation rule by id.
func (d *DB) GetRule(ctx context.Context, id string) (*Rule, error) {
	var r Rule
	err := d.client.QueryRowContext(ctx, `
		SELECT id, name, prompt_template, language, min_words, max_words
		FROM generation_rules WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.PromptTemplate, &r.Language, &r.MinWords, &r.MaxWords)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

// GetRuleTx loads a generation rule inside an existing transaction.
func GetRuleTx(ctx context.Context, tx *sql.Tx, id string) (*Rule, error) {
	var r Rule
	err := tx.QueryRowContext(ctx, `
		SELECT id, name, prompt_template, language, min_words, max_words
		FROM generation_rules WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.PromptTemplate, &r.Language, &r.MinWords, &r.MaxWords)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

// ListArticleEmbeddings returns recent article ids with their stored
// embeddings, newest first, for similarity lookups.
func (d *DB) ListArticleEmbeddings(ctx context.Context, limit int) (map[string][]float64, error) {
	rows, err := d.client.QueryContext(ctx, `
		SELECT id, embedding
		FROM articles
		WHERE embedding IS NOT NULL
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list article embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]float64)
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		var vec []float64
		if err := json.Unmarshal(raw, &vec); err != nil {
			continue // malformed rows only degrade enrichment
		}
		out[id] = vec
	}
	return out, rows.Err()
}
