package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/labcontrol-io/platform/pkg/observability/metrics"
)

// statusStore is the slice of the repository the worker needs to
// report delivery outcomes.
type statusStore interface {
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.NotificationStatus, deliveredAt *time.Time) error
}

// Worker turns queued email jobs into delivered mail. It is the async
// half of the dispatcher and runs inside the notifier service.
type Worker struct {
	sender      Sender
	repo        statusStore
	templates   *Templates
	maxAttempts int
	backoff     time.Duration
}

func NewWorker(sender Sender, repo statusStore, templates *Templates, maxAttempts int, backoff time.Duration) *Worker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Worker{sender: sender, repo: repo, templates: templates, maxAttempts: maxAttempts, backoff: backoff}
}

// Handle processes one job. It always returns nil for jobs that cannot
// ever succeed (unknown template, bad payload) so the queue commits and
// moves on; only infrastructure-level surprises propagate.
func (w *Worker) Handle(ctx context.Context, job models.EmailJob) error {
	log := logger.Log.WithFields(map[string]interface{}{
		"job_id":    job.ID,
		"recipient": job.Recipient,
		"template":  job.TemplateKey,
	})

	if !w.templates.Known(job.TemplateKey) {
		log.Error("dropping email job with unregistered template key")
		return nil
	}
	if job.Recipient == "" {
		log.Error("dropping email job with no recipient")
		return nil
	}

	subject, body, err := w.templates.Render(job.TemplateKey, job.Params)
	if err != nil {
		log.WithError(err).Error("dropping email job, template render failed")
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = w.sender.Send(job.Recipient, subject, body)
		if lastErr == nil {
			metrics.IncEmailsDelivered()
			w.markDelivered(ctx, job)
			return nil
		}
		log.WithError(lastErr).WithField("attempt", attempt).Warn("email delivery attempt failed")
		if attempt == w.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.delay(attempt)):
		}
	}

	log.WithError(lastErr).Error("email delivery failed permanently")
	metrics.IncEmailsFailed()
	w.markFailed(ctx, job)
	return nil
}

// delay doubles per attempt: backoff, 2*backoff, 4*backoff, ...
func (w *Worker) delay(attempt int) time.Duration {
	return w.backoff * time.Duration(1<<(attempt-1))
}

func (w *Worker) markDelivered(ctx context.Context, job models.EmailJob) {
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	if err := w.repo.UpdateStatus(ctx, id, models.NotificationDelivered, &now); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to record email delivery")
	}
}

func (w *Worker) markFailed(ctx context.Context, job models.EmailJob) {
	id, err := uuid.Parse(job.ID)
	if err != nil {
		return
	}
	if err := w.repo.UpdateStatus(ctx, id, models.NotificationFailed, nil); err != nil {
		logger.Log.WithError(err).WithField("job_id", job.ID).Warn("failed to record email failure")
	}
}
