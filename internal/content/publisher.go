package content

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog/log"
)

// PublishSpacing staggers scheduled publish times so a finished batch does
// not dump its whole output at once.
const PublishSpacing = 2 * time.Hour

// Draft is a finished piece of content ready to be stored.
type Draft struct {
	TopicID  string
	JobID    string
	Title    string
	Markdown string
	HTML     string
	Category string
	// Position is the subtask's index within its job, used to stagger
	// the scheduled publish time.
	Position int
}

// Publisher writes finished articles into the content store.
type Publisher struct {
	now func() time.Time
}

// NewPublisher creates a publisher.
func NewPublisher() *Publisher {
	return &Publisher{now: time.Now}
}

// Publish inserts the article inside the caller's transaction and returns
// the new article id. It runs in the subtask's transaction boundary so a
// failed publish rolls back together with the rest of the attempt.
func (p *Publisher) Publish(ctx context.Context, tx *sql.Tx, draft *Draft) (string, error) {
	if draft.Title == "" {
		return "", fmt.Errorf("draft has no title")
	}
	if draft.HTML == "" {
		return "", fmt.Errorf("draft has no body")
	}

	articleID := uuid.New().String()
	articleSlug, err := p.uniqueSlug(ctx, tx, draft.Title, articleID)
	if err != nil {
		return "", err
	}

	publishAt := p.now().UTC().Add(time.Duration(draft.Position) * PublishSpacing)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO articles (
			id, topic_id, job_id, title, slug, body_html, body_markdown,
			category, publish_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, articleID, nullable(draft.TopicID), nullable(draft.JobID), draft.Title, articleSlug,
		draft.HTML, draft.Markdown, draft.Category, publishAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert article: %w", err)
	}

	log.Info().
		Str("article_id", articleID).
		Str("slug", articleSlug).
		Time("publish_at", publishAt).
		Msg("Published article")

	return articleID, nil
}

// uniqueSlug derives a slug from the title, falling back to a suffixed form
// when the plain slug is taken.
func (p *Publisher) uniqueSlug(ctx context.Context, tx *sql.Tx, title, articleID string) (string, error) {
	base := slug.Make(title)
	if base == "" {
		base = "article"
	}

	var taken bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM articles WHERE slug = $1)
	`, base).Scan(&taken)
	if err != nil {
		return "", fmt.Errorf("failed to check slug: %w", err)
	}
	if !taken {
		return base, nil
	}

	return fmt.Sprintf("%s-%s", base, articleID[:8]), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
