package notifications

import (
	"context"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkfeather/inkfeather/internal/jobs"
)

func TestSlackNotifierJobFinalized(t *testing.T) {
	var sent *slack.WebhookMessage
	n := NewSlackNotifier("https://hooks.example.com/x")
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		sent = msg
		return nil
	}

	n.JobFinalized(&jobs.Job{
		ID:             "job-1",
		Handle:         "articles-abc12345",
		Family:         jobs.FamilyArticles,
		Status:         jobs.JobStatusCompleted,
		TotalSubtasks:  6,
		CompletedCount: 6,
	})

	require.NotNil(t, sent)
	require.Len(t, sent.Attachments, 1)
	assert.Contains(t, sent.Attachments[0].Title, "complete")
	assert.Contains(t, sent.Attachments[0].Title, "articles-abc12345")
	assert.Contains(t, sent.Attachments[0].Text, "6 of 6")
}

func TestSlackNotifierFailedJobIncludesError(t *testing.T) {
	var sent *slack.WebhookMessage
	n := NewSlackNotifier("https://hooks.example.com/x")
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		sent = msg
		return nil
	}

	n.JobFinalized(&jobs.Job{
		ID:             "job-2",
		Handle:         "topics-def",
		Family:         jobs.FamilyTopics,
		Status:         jobs.JobStatusFailed,
		TotalSubtasks:  3,
		CompletedCount: 2,
		FailedCount:    1,
		ErrorMessage:   "call failed (retryable): boom",
	})

	require.NotNil(t, sent)
	assert.Contains(t, sent.Attachments[0].Title, "failed")
	assert.Contains(t, sent.Attachments[0].Text, "boom")
}

func TestSlackNotifierWithoutWebhookDoesNothing(t *testing.T) {
	n := NewSlackNotifier("")
	called := false
	n.post = func(ctx context.Context, url string, msg *slack.WebhookMessage) error {
		called = true
		return nil
	}

	n.JobFinalized(&jobs.Job{ID: "job-1"})
	assert.False(t, called)
}
