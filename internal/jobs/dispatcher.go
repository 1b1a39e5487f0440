package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/inkfeather/inkfeather/internal/content"
	"github.com/inkfeather/inkfeather/internal/db"
	"github.com/inkfeather/inkfeather/internal/llm"
	"github.com/inkfeather/inkfeather/internal/observability"
)

// Recoverer repairs a single job's persisted state. Satisfied by the
// Reconciler; the dispatcher invokes it once before giving up on a job
// whose status looks wrong.
type Recoverer interface {
	RecoverJob(ctx context.Context, jobID string) error
}

// Outcome is the structured result of one ProcessNext call. The dispatcher
// never lets an execution error escape its boundary; failures are folded
// into the outcome.
type Outcome struct {
	JobID     string    `json:"job_id"`
	SubtaskID string    `json:"subtask_id"`
	RefID     string    `json:"ref_id"`
	Status    JobStatus `json:"status"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error,omitempty"`
	Finalized bool      `json:"finalized"`
}

// Dispatcher executes one subtask at a time for a job: claim, run the
// generation pipeline, fold the result back into job and queue state.
type Dispatcher struct {
	queue     Queue
	client    llm.Client
	generator Generator
	prompts   PromptBuilder
	renderer  Renderer
	publisher Publisher
	enricher  Enricher
	notifier  Notifier
	recoverer Recoverer
}

// NewDispatcher wires the dispatcher with its collaborators. enricher,
// notifier and recoverer may be nil.
func NewDispatcher(queue Queue, client llm.Client, generator Generator,
	prompts PromptBuilder, renderer Renderer, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		queue:     queue,
		client:    client,
		generator: generator,
		prompts:   prompts,
		renderer:  renderer,
		publisher: publisher,
	}
}

// WithEnricher attaches optional post-publish enrichment
func (d *Dispatcher) WithEnricher(e Enricher) *Dispatcher {
	d.enricher = e
	return d
}

// WithNotifier attaches job lifecycle notifications
func (d *Dispatcher) WithNotifier(n Notifier) *Dispatcher {
	d.notifier = n
	return d
}

// WithRecoverer attaches the reconciler used for fail-closed recovery
func (d *Dispatcher) WithRecoverer(r Recoverer) *Dispatcher {
	d.recoverer = r
	return d
}

// ProcessNext executes exactly one subtask of the job to completion or
// failure. With a subtask id only that row is considered. Returns
// ErrNoSubtask when the job has nothing eligible.
func (d *Dispatcher) ProcessNext(ctx context.Context, jobID, subtaskID string) (*Outcome, error) {
	span := sentry.StartSpan(ctx, "jobs.process_next")
	span.SetTag("job_id", jobID)
	defer span.Finish()

	job, err := d.loadEligibleJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sub, err := d.queue.ClaimSubtask(ctx, string(job.Family), job.ID, subtaskID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrNoSubtask
	}

	if job.Status == JobStatusPending {
		if err := d.markProcessing(ctx, job); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	execErr := d.runSubtask(ctx, job, sub)

	outcome := &Outcome{JobID: job.ID, SubtaskID: sub.ID, RefID: sub.RefID}
	if execErr == nil {
		outcome.Status = JobStatusCompleted
		err = d.recordSuccess(ctx, job, sub, outcome)
	} else {
		outcome.Status = JobStatusFailed
		outcome.Stage = StageOf(execErr)
		outcome.Error = execErr.Error()
		err = d.recordFailure(ctx, job, sub, execErr, outcome)
	}
	observability.RecordSubtask(ctx, string(job.Family), string(outcome.Status), time.Since(start))
	if err != nil {
		return nil, err
	}

	if outcome.Finalized && d.notifier != nil {
		d.notifier.JobFinalized(job)
	}
	return outcome, nil
}

// loadEligibleJob loads the job and checks it is in a runnable status. An
// ineligible status triggers one reconciliation pass before failing closed.
func (d *Dispatcher) loadEligibleJob(ctx context.Context, jobID string) (*Job, error) {
	job, err := d.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if runnable(job.Status) {
		return job, nil
	}

	if d.recoverer == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidStatus, jobID, job.Status)
	}

	log.Warn().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Job not runnable, attempting recovery")
	if err := d.recoverer.RecoverJob(ctx, jobID); err != nil {
		return nil, fmt.Errorf("%w: job %s is %s and recovery failed: %v", ErrInvalidStatus, jobID, job.Status, err)
	}

	job, err = d.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !runnable(job.Status) {
		return nil, fmt.Errorf("%w: job %s is %s after recovery", ErrInvalidStatus, jobID, job.Status)
	}
	return job, nil
}

func runnable(s JobStatus) bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

func (d *Dispatcher) getJob(ctx context.Context, jobID string) (*Job, error) {
	var job *Job
	err := d.queue.Execute(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = getJobTx(ctx, tx, jobID)
		return err
	})
	return job, err
}

func (d *Dispatcher) markProcessing(ctx context.Context, job *Job) error {
	if !CanTransition(job.Status, JobStatusProcessing) {
		return fmt.Errorf("%w: %s -> processing", ErrInvalidStatus, job.Status)
	}
	err := d.queue.Execute(ctx, func(tx *sql.Tx) error {
		return updateJobStatusTx(ctx, tx, job.ID, JobStatusProcessing)
	})
	if err != nil {
		return err
	}
	job.Status = JobStatusProcessing
	return nil
}

// runSubtask executes the generation pipeline inside a single transaction.
// Any error, including a panic, rolls the transaction back; the failure is
// then recorded durably by the caller outside the rolled-back transaction.
func (d *Dispatcher) runSubtask(ctx context.Context, job *Job, sub *db.Subtask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = System("execute", fmt.Errorf("panic: %v\n%s", r, firstLines(debug.Stack(), 6)))
			sentry.CurrentHub().Recover(r)
		}
	}()

	return d.queue.Execute(ctx, func(tx *sql.Tx) error {
		return d.executePipeline(ctx, tx, job, sub)
	})
}

// executePipeline is the per-family unit of work: resolve the input entity,
// build the prompt, call the model, and store the output.
func (d *Dispatcher) executePipeline(ctx context.Context, tx *sql.Tx, job *Job, sub *db.Subtask) error {
	topic, err := db.GetTopicTx(ctx, tx, sub.RefID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Terminal(StageResolve, fmt.Errorf("topic %s does not exist", sub.RefID))
		}
		return System(StageResolve, err)
	}

	if job.RuleID == "" {
		return Terminal(StageResolve, fmt.Errorf("job %s has no generation rule", job.ID))
	}
	rule, err := db.GetRuleTx(ctx, tx, job.RuleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Terminal(StageResolve, fmt.Errorf("rule %s does not exist", job.RuleID))
		}
		return System(StageResolve, err)
	}

	prompt, err := d.prompts.Build(topic, rule)
	if err != nil {
		return Terminal(StagePrompt, err)
	}

	output, err := d.generator.Do(ctx, func(ctx context.Context, ep *llm.Endpoint) (string, error) {
		return d.client.Generate(ctx, ep, prompt)
	})
	if err != nil {
		return Retryable(StageCall, err)
	}

	switch job.Family {
	case FamilyArticles:
		return d.storeArticle(ctx, tx, job, sub, topic, output)
	case FamilyTopics:
		return d.storeTopicExpansion(ctx, tx, topic, output)
	default:
		return Terminal(StageResolve, fmt.Errorf("unknown job family %q", job.Family))
	}
}

func (d *Dispatcher) storeArticle(ctx context.Context, tx *sql.Tx, job *Job, sub *db.Subtask, topic *db.Topic, markdown string) error {
	html, err := d.renderer.Render(markdown)
	if err != nil {
		return Retryable(StageRender, err)
	}

	title := d.renderer.ExtractTitle(markdown)
	if title == "" {
		title = topic.Title
	}

	draft := &content.Draft{
		TopicID:  topic.ID,
		JobID:    job.ID,
		Title:    title,
		Markdown: markdown,
		HTML:     html,
		Category: topic.Category,
		Position: job.Position,
	}
	articleID, err := d.publisher.Publish(ctx, tx, draft)
	if err != nil {
		return Retryable(StagePublish, err)
	}

	if d.enricher != nil {
		d.enricher.Enrich(ctx, tx, articleID, markdown)
	}
	return nil
}

// storeTopicExpansion writes the model output back onto the seed topic.
// The first paragraph becomes the summary, a trailing "Keywords:" line the
// keyword list.
func (d *Dispatcher) storeTopicExpansion(ctx context.Context, tx *sql.Tx, topic *db.Topic, output string) error {
	summary, keywords := splitExpansion(output)
	if summary == "" {
		return Retryable(StageRender, fmt.Errorf("model returned no usable summary"))
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE topics SET summary = $1, keywords = $2 WHERE id = $3
	`, summary, keywords, topic.ID)
	if err != nil {
		return System(StagePublish, err)
	}
	return nil
}

func splitExpansion(output string) (summary, keywords string) {
	var summaryLines []string
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "Keywords:"); ok {
			keywords = strings.TrimSpace(rest)
			continue
		}
		if line != "" {
			summaryLines = append(summaryLines, line)
		}
	}
	return strings.Join(summaryLines, " "), keywords
}

// recordSuccess marks the subtask completed and advances the job's
// aggregate state in one transaction, then applies the finalization rule.
func (d *Dispatcher) recordSuccess(ctx context.Context, job *Job, sub *db.Subtask, outcome *Outcome) error {
	return d.queue.Execute(ctx, func(tx *sql.Tx) error {
		sub.Status = string(JobStatusCompleted)
		sub.Error = ""
		sub.Stage = ""
		if err := d.queue.UpdateSubtaskStatusTx(ctx, tx, sub); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET completed_subtasks = completed_subtasks + 1,
			    position = position + 1,
			    subtask_statuses = jsonb_set(subtask_statuses, ARRAY[$1], '"completed"'),
			    error_message = '',
			    updated_at = NOW()
			WHERE id = $2
		`, sub.ID, job.ID)
		if err != nil {
			return fmt.Errorf("failed to advance job counters: %w", err)
		}

		return d.settleJob(ctx, tx, job, outcome)
	})
}

// recordFailure durably records a failed attempt. It runs in its own
// transaction because the attempt's transaction has already rolled back.
func (d *Dispatcher) recordFailure(ctx context.Context, job *Job, sub *db.Subtask, execErr error, outcome *Outcome) error {
	kind := KindOf(execErr)
	errText := execErr.Error()
	if kind == KindTerminal {
		errText = "non-API error, will not auto-retry: " + errText
		outcome.Error = errText
	}

	log.Error().
		Str("job_id", job.ID).
		Str("subtask_id", sub.ID).
		Str("stage", StageOf(execErr)).
		Str("kind", kind.String()).
		Err(execErr).
		Msg("Subtask failed")

	return d.queue.Execute(ctx, func(tx *sql.Tx) error {
		sub.Status = string(JobStatusFailed)
		sub.Stage = StageOf(execErr)
		sub.Error = errText
		if err := d.queue.UpdateSubtaskStatusTx(ctx, tx, sub); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET failed_subtasks = failed_subtasks + 1,
			    subtask_statuses = jsonb_set(subtask_statuses, ARRAY[$1], '"failed"'),
			    error_message = $2,
			    updated_at = NOW()
			WHERE id = $3
		`, sub.ID, errText, job.ID)
		if err != nil {
			return fmt.Errorf("failed to record job failure: %w", err)
		}

		return d.settleJob(ctx, tx, job, outcome)
	})
}

// settleJob re-reads the job, applies the finalization rule, and returns
// the job to pending when more subtasks remain. The job is never left in
// processing between subtasks.
func (d *Dispatcher) settleJob(ctx context.Context, tx *sql.Tx, job *Job, outcome *Outcome) error {
	fresh, err := getJobTx(ctx, tx, job.ID)
	if err != nil {
		return err
	}

	finalized, err := finalizeJobTx(ctx, tx, fresh)
	if err != nil {
		return err
	}
	if !finalized && fresh.Status == JobStatusProcessing {
		if err := updateJobStatusTx(ctx, tx, fresh.ID, JobStatusPending); err != nil {
			return err
		}
		fresh.Status = JobStatusPending
	}

	*job = *fresh
	outcome.Finalized = finalized
	return nil
}

func firstLines(b []byte, n int) string {
	lines := strings.SplitN(string(b), "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
