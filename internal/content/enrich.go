package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
)

// EmbeddingProvider computes a vector representation of a piece of text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// EmbeddingLister returns stored article embeddings keyed by article id.
type EmbeddingLister interface {
	ListArticleEmbeddings(ctx context.Context, limit int) (map[string][]float64, error)
}

// Enricher links a newly published article to its nearest existing article
// by embedding similarity. Enrichment is best-effort: any failure is logged
// and the article simply stays unlinked.
type Enricher struct {
	provider EmbeddingProvider
	lister   EmbeddingLister
	// candidateLimit caps how many stored embeddings are compared.
	candidateLimit int
}

// NewEnricher creates an enricher. A nil provider disables enrichment.
func NewEnricher(provider EmbeddingProvider, lister EmbeddingLister) *Enricher {
	return &Enricher{
		provider:       provider,
		lister:         lister,
		candidateLimit: 500,
	}
}

// Enrich computes the article's embedding, stores it, and records the most
// similar prior article as related. It never returns an error to the caller
// beyond context cancellation because enrichment must not fail the subtask.
func (e *Enricher) Enrich(ctx context.Context, tx *sql.Tx, articleID, text string) {
	if e == nil || e.provider == nil {
		return
	}

	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		log.Warn().Err(err).Str("article_id", articleID).Msg("Embedding failed, skipping enrichment")
		return
	}

	raw, err := json.Marshal(vec)
	if err != nil {
		log.Warn().Err(err).Str("article_id", articleID).Msg("Failed to serialise embedding")
		return
	}

	relatedID := ""
	if e.lister != nil {
		candidates, err := e.lister.ListArticleEmbeddings(ctx, e.candidateLimit)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load embeddings for similarity search")
		} else {
			relatedID = nearest(articleID, vec, candidates)
		}
	}

	if err := e.store(ctx, tx, articleID, raw, relatedID); err != nil {
		log.Warn().Err(err).Str("article_id", articleID).Msg("Failed to store enrichment")
	}
}

func (e *Enricher) store(ctx context.Context, tx *sql.Tx, articleID string, embedding []byte, relatedID string) error {
	var related interface{}
	if relatedID != "" {
		related = relatedID
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE articles SET embedding = $1, related_article_id = $2 WHERE id = $3
	`, embedding, related, articleID)
	if err != nil {
		return fmt.Errorf("failed to update article enrichment: %w", err)
	}
	return nil
}

// nearest returns the candidate id with the highest cosine similarity to
// vec, excluding the article itself. Empty when nothing qualifies.
func nearest(selfID string, vec []float64, candidates map[string][]float64) string {
	bestID := ""
	bestScore := 0.0
	for id, other := range candidates {
		if id == selfID {
			continue
		}
		score := cosineSimilarity(vec, other)
		if score > bestScore {
			bestScore = score
			bestID = id
		}
	}
	return bestID
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
