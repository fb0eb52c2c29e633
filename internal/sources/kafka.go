package sources

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-incident/internal/config"
	"github.com/miradorstack/mirador-incident/internal/models"
)

// Submitter is the engine surface the consumer feeds.
type Submitter interface {
	Submit(ctx context.Context, source string, raw map[string]any) (models.Alert, error)
}

// KafkaConsumer polls an alert topic for sources without push capability and
// feeds each message through the normal ingest path. Malformed messages are
// committed and dropped; redelivery cannot repair a missing identity.
type KafkaConsumer struct {
	reader *kafka.Reader
	engine Submitter
	source string
	logger *slog.Logger
}

// NewKafkaConsumer constructs a consumer for the configured topic.
func NewKafkaConsumer(cfg config.KafkaConfig, engine Submitter, logger *slog.Logger) *KafkaConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		engine: engine,
		source: cfg.Source,
		logger: logger,
	}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info("kafka consumer started", slog.String("topic", c.reader.Config().Topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		var raw map[string]any
		if err := json.Unmarshal(msg.Value, &raw); err != nil {
			c.logger.Warn("dropping undecodable kafka message",
				slog.Int64("offset", msg.Offset), slog.Any("error", err))
		} else if _, err := c.engine.Submit(ctx, c.source, raw); err != nil {
			// Submit already logged the drop reason; nothing to retry here.
			c.logger.Debug("kafka message not ingested",
				slog.Int64("offset", msg.Offset), slog.Any("error", err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("kafka commit failed", slog.Any("error", err))
		}
	}
}
