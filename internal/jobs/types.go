package jobs

import (
	"time"
)

// JobFamily distinguishes the two batch types that share the engine.
type JobFamily string

const (
	// FamilyTopics expands seed topics with generated summaries and keywords.
	FamilyTopics JobFamily = "topics"
	// FamilyArticles generates full articles from existing topics.
	FamilyArticles JobFamily = "articles"
)

// Valid reports whether the family is one the engine knows.
func (f JobFamily) Valid() bool {
	return f == FamilyTopics || f == FamilyArticles
}

// JobStatus represents the state of a job or a queue row
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusRetry      JobStatus = "retry"
)

// IsTerminal reports whether a job in this status will receive no further work
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

// transitions is the single source of truth for legal status changes.
// Status writes anywhere in the package go through CanTransition first.
var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing, JobStatusPaused, JobStatusCancelled},
	JobStatusProcessing: {JobStatusPending, JobStatusCompleted, JobStatusFailed, JobStatusPaused, JobStatusCancelled},
	JobStatusFailed:     {JobStatusPending, JobStatusRetry},
	JobStatusRetry:      {JobStatusPending, JobStatusProcessing},
	JobStatusPaused:     {JobStatusPending, JobStatusProcessing, JobStatusCancelled},
	JobStatusCompleted:  {},
	JobStatusCancelled:  {},
}

// CanTransition reports whether moving a job from one status to another is
// legal. A same-status "transition" is always allowed so idempotent writes
// do not need special casing at call sites.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	// HangingSubtaskTimeout is how long a queue row may sit in processing
	// before the reconciler declares the attempt dead. It exceeds the
	// longest legitimate single call so only crashed attempts match.
	HangingSubtaskTimeout = 150 * time.Second

	// JobStaleTimeout is the job-level variant. A job untouched this long
	// means the worker died before reaching any failure decision, so its
	// in-flight rows are reset to pending rather than failed.
	JobStaleTimeout = 30 * time.Minute

	// MaxSubtaskRetries bounds how many times a failed row may be requeued
	// by the user-facing retry action before force is required.
	MaxSubtaskRetries = 3
)

// Job is the parent aggregate for a batch of generation work
type Job struct {
	ID              string            `json:"id"`
	Handle          string            `json:"handle"`
	Family          JobFamily         `json:"family"`
	Label           string            `json:"label"`
	RuleID          string            `json:"rule_id,omitempty"`
	TotalSubtasks   int               `json:"total_subtasks"`
	CompletedCount  int               `json:"completed_subtasks"`
	FailedCount     int               `json:"failed_subtasks"`
	Position        int               `json:"position"`
	SubtaskStatuses map[string]string `json:"subtask_statuses"`
	InputRefs       []string          `json:"input_refs"`
	Status          JobStatus         `json:"status"`
	ErrorMessage    string            `json:"error_message"`
	ProcessedAt     *time.Time        `json:"processed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Processed returns how many subtasks have reached a terminal state
func (j *Job) Processed() int {
	return j.CompletedCount + j.FailedCount
}

// Progress is the operator-facing view of a job's completion state
type Progress struct {
	JobID      string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Percentage float64   `json:"percentage"`
	LastError  string    `json:"last_error,omitempty"`
}

// JobOptions configures job creation
type JobOptions struct {
	Family    JobFamily
	Label     string
	RuleID    string
	InputRefs []string
}

// ReconcileReport summarizes what a reconciliation pass repaired
type ReconcileReport struct {
	HangingFailed   int `json:"hanging_failed"`
	StaleReset      int `json:"stale_reset"`
	DuplicatesReset int `json:"duplicates_reset"`
	CountsRepaired  int `json:"counts_repaired"`
	MissingInserted int `json:"missing_inserted"`
	OrphansRemoved  int `json:"orphans_removed"`
	Collisions      int `json:"collisions"`
	Finalized       int `json:"finalized"`
}

// Total returns how many distinct repairs the pass made
func (r *ReconcileReport) Total() int {
	return r.HangingFailed + r.StaleReset + r.DuplicatesReset + r.CountsRepaired +
		r.MissingInserted + r.OrphansRemoved + r.Finalized
}
