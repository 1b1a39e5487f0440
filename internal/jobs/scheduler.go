package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTick drives subtask processing when no notification arrives
	DefaultTick = 5 * time.Second
	// DefaultReconcileEvery drives the background reconciliation pass
	DefaultReconcileEvery = 3 * time.Minute
)

// Scheduler is the cooperative trigger around the engine: a periodic tick
// (plus a LISTEN/NOTIFY wake-up) invokes "process one subtask", and a
// slower tick invokes reconciliation. There is no worker pool; jobs are
// processed one subtask per tick to keep upstream request pacing serial.
type Scheduler struct {
	queue          Queue
	dispatcher     *Dispatcher
	reconciler     *Reconciler
	tick           time.Duration
	reconcileEvery time.Duration

	connInfo string
	wake     chan struct{}
}

// NewScheduler creates a scheduler. connInfo is the PostgreSQL connection
// string used for the notification listener; empty disables it.
func NewScheduler(queue Queue, dispatcher *Dispatcher, reconciler *Reconciler, connInfo string) *Scheduler {
	return &Scheduler{
		queue:          queue,
		dispatcher:     dispatcher,
		reconciler:     reconciler,
		tick:           DefaultTick,
		reconcileEvery: DefaultReconcileEvery,
		connInfo:       connInfo,
		wake:           make(chan struct{}, 1),
	}
}

// Run drives ticks until the context is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	if s.connInfo != "" {
		listener := pq.NewListener(s.connInfo, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("Queue listener event error")
			}
		})
		if err := listener.Listen("new_subtasks"); err != nil {
			log.Warn().Err(err).Msg("Could not listen for queue notifications, falling back to polling")
		} else {
			defer listener.Close()
			go s.forwardNotifications(ctx, listener)
		}
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	reconcileTicker := time.NewTicker(s.reconcileEvery)
	defer reconcileTicker.Stop()

	log.Info().
		Dur("tick", s.tick).
		Dur("reconcile_every", s.reconcileEvery).
		Msg("Scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.step(ctx)
		case <-s.wake:
			s.step(ctx)
		case <-reconcileTicker.C:
			if _, err := s.reconciler.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Reconciliation pass failed")
			}
		}
	}
}

func (s *Scheduler) forwardNotifications(ctx context.Context, listener *pq.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				continue
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
	}
}

// step processes one subtask of the next runnable job, if any
func (s *Scheduler) step(ctx context.Context) {
	jobID, err := s.nextRunnableJob(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to find runnable job")
		return
	}
	if jobID == "" {
		return
	}

	outcome, err := s.dispatcher.ProcessNext(ctx, jobID, "")
	if err != nil {
		if errors.Is(err, ErrNoSubtask) || errors.Is(err, ErrInvalidStatus) {
			return
		}
		log.Error().Err(err).Str("job_id", jobID).Msg("Subtask processing failed")
		return
	}

	log.Debug().
		Str("job_id", outcome.JobID).
		Str("subtask_id", outcome.SubtaskID).
		Str("status", string(outcome.Status)).
		Bool("finalized", outcome.Finalized).
		Msg("Processed subtask")
}

// nextRunnableJob picks the oldest job that still has eligible work.
// Ordering is only guaranteed within a job, not across jobs, but oldest
// first keeps batches draining predictably.
func (s *Scheduler) nextRunnableJob(ctx context.Context) (string, error) {
	var jobID string
	err := s.queue.Execute(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			SELECT j.id FROM jobs j
			WHERE j.status IN ('pending', 'processing')
			  AND EXISTS (
				SELECT 1 FROM job_queue q
				WHERE q.job_id = j.id
				  AND q.status IN ('pending', 'processing')
				  AND (q.not_before IS NULL OR q.not_before <= NOW())
			  )
			ORDER BY j.created_at ASC
			LIMIT 1
		`).Scan(&jobID)
		if err == sql.ErrNoRows {
			jobID = ""
			return nil
		}
		return err
	})
	return jobID, err
}
