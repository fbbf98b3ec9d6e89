package kafka

import (
	"context"
	"encoding/json"

	"github.com/labcontrol-io/platform/pkg/common/config"
	"github.com/labcontrol-io/platform/pkg/common/logger"
	"github.com/labcontrol-io/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type Consumer struct {
	reader *kafka.Reader
}

type JobHandler func(ctx context.Context, job models.EmailJob) error

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader}
}

// Consume fetches jobs until ctx is cancelled. Malformed payloads are
// committed and skipped; handler errors leave the message uncommitted.
func (c *Consumer) Consume(ctx context.Context, handler JobHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := c.reader.FetchMessage(ctx)
			if err != nil {
				logger.Log.WithError(err).Error("Failed to fetch message")
				continue
			}

			var job models.EmailJob
			if err := json.Unmarshal(message.Value, &job); err != nil {
				logger.Log.WithError(err).Error("Failed to unmarshal email job")
				c.reader.CommitMessages(ctx, message)
				continue
			}

			if err := handler(ctx, job); err != nil {
				logger.Log.WithError(err).WithFields(map[string]interface{}{
					"job_id": job.ID,
				}).Error("Failed to process email job")
				continue
			}

			if err := c.reader.CommitMessages(ctx, message); err != nil {
				logger.Log.WithError(err).Error("Failed to commit message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
