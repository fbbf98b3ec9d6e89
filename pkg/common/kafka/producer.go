package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/labcontrol-io/platform/pkg/common/config"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

// Producer places typed email jobs on the notification queue. The
// triggering request never waits on delivery beyond the broker ack.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(topic string) *Producer {
	cfg := config.Load()
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

func (p *Producer) EnqueueEmail(ctx context.Context, job models.EmailJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	jobBytes, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal email job: %w", err)
	}

	message := kafka.Message{
		Key:   []byte(job.ID),
		Value: jobBytes,
		Headers: []kafka.Header{
			{Key: "template-key", Value: []byte(job.TemplateKey)},
		},
	}

	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"job_id":       job.ID,
			"template_key": job.TemplateKey,
		}).Error("Failed to enqueue email job")
		return err
	}

	logger.Log.WithFields(map[string]interface{}{
		"job_id":       job.ID,
		"template_key": job.TemplateKey,
		"topic":        p.writer.Topic,
	}).Info("Email job enqueued")

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
