package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"tallysync/internal/config"
	"tallysync/internal/observability"
)

type KafkaFeed struct {
	cfg     config.KafkaConfig
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewKafkaFeed(cfg config.KafkaConfig, logger *slog.Logger, metrics *observability.Metrics) *KafkaFeed {
	return &KafkaFeed{cfg: cfg, logger: logger, metrics: metrics}
}

func (f *KafkaFeed) Name() string { return "kafka" }

func (f *KafkaFeed) Run(ctx context.Context, handle Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  f.cfg.Brokers,
		Topic:    f.cfg.Topic,
		GroupID:  f.cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()
	if f.logger != nil {
		f.logger.Info("kafka consumer started", "brokers", f.cfg.Brokers, "topic", f.cfg.Topic, "group_id", f.cfg.GroupID)
	}
	connected := false
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka read: %w", err)
		}
		if !connected {
			f.metrics.BrokerConnected(true)
			connected = true
		}
		handle(Message{Topic: m.Topic, Key: m.Key, Payload: m.Value})
	}
}
