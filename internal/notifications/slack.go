package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/inkfeather/inkfeather/internal/jobs"
)

// webhookTimeout bounds each delivery so a slow Slack endpoint cannot
// stall the dispatcher's notification hook.
const webhookTimeout = 10 * time.Second

// SlackNotifier posts job lifecycle notices to a Slack incoming webhook.
// Delivery is best effort; failures are logged and dropped.
type SlackNotifier struct {
	webhookURL string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlackNotifier creates a notifier for the given webhook URL. An empty
// URL yields a notifier that silently does nothing, so callers can wire it
// unconditionally.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		post:       slack.PostWebhookContext,
	}
}

// JobFinalized sends a completion or failure notice for the job.
func (s *SlackNotifier) JobFinalized(job *jobs.Job) {
	if s == nil || s.webhookURL == "" || job == nil {
		return
	}

	colour := "#36a64f"
	title := fmt.Sprintf("Generation job complete: %s", job.Handle)
	if job.Status == jobs.JobStatusFailed {
		colour = "#d00000"
		title = fmt.Sprintf("Generation job failed: %s", job.Handle)
	}

	text := fmt.Sprintf("%d of %d subtasks completed, %d failed",
		job.CompletedCount, job.TotalSubtasks, job.FailedCount)
	if job.ErrorMessage != "" {
		text += "\nLast error: " + job.ErrorMessage
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Color: colour,
			Title: title,
			Text:  text,
			Fields: []slack.AttachmentField{
				{Title: "Family", Value: string(job.Family), Short: true},
				{Title: "Label", Value: job.Label, Short: true},
			},
		}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()

	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		log.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to deliver Slack notification")
		return
	}

	log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Delivered job notification")
}
