package jobs

import (
	"context"
	"database/sql"

	"github.com/inkfeather/inkfeather/internal/content"
	"github.com/inkfeather/inkfeather/internal/db"
	"github.com/inkfeather/inkfeather/internal/llm"
)

// Queue abstracts the persistence operations the engine needs, so tests
// can substitute a mock without a live database.
type Queue interface {
	Execute(ctx context.Context, fn func(*sql.Tx) error) error
	EnqueueSubtasks(ctx context.Context, jobID, family string, refIDs []string) error
	ClaimSubtask(ctx context.Context, family, jobID, subtaskID string) (*db.Subtask, error)
	UpdateSubtaskStatus(ctx context.Context, sub *db.Subtask) error
	UpdateSubtaskStatusTx(ctx context.Context, tx *sql.Tx, sub *db.Subtask) error
	CountByStatus(ctx context.Context, family, jobID, status string) (int, error)
}

// Generator runs one LLM unit of work with retry and endpoint rotation.
// Satisfied by llm.RetryController.
type Generator interface {
	Do(ctx context.Context, fn llm.CallFunc) (string, error)
}

// PromptBuilder renders the generation prompt for an input entity.
type PromptBuilder interface {
	Build(topic *db.Topic, rule *db.Rule) (string, error)
}

// Renderer converts model output into publishable HTML.
type Renderer interface {
	Render(markdown string) (string, error)
	ExtractTitle(markdown string) string
}

// Publisher stores a finished draft inside the subtask's transaction.
type Publisher interface {
	Publish(ctx context.Context, tx *sql.Tx, draft *content.Draft) (string, error)
}

// Enricher optionally links a new article to similar existing content.
// Implementations must never fail the subtask.
type Enricher interface {
	Enrich(ctx context.Context, tx *sql.Tx, articleID, text string)
}

// Notifier receives job lifecycle events. Best effort only.
type Notifier interface {
	JobFinalized(job *Job)
}
