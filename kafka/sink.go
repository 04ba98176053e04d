package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"daqlink/namespace"
	"daqlink/tag"
)

// Sink publishes server-bound values and, optionally, filter records.
type Sink struct {
	config   Config
	producer *Producer
}

// NewSink creates a sink for the cluster described by cfg.
func NewSink(cfg Config, log *zap.SugaredLogger) *Sink {
	s := &Sink{config: cfg}
	s.producer = NewProducer(&s.config, log)
	return s
}

// Name identifies the sink in logs and metrics.
func (s *Sink) Name() string { return "kafka/" + s.config.Name }

// Connect verifies broker connectivity.
func (s *Sink) Connect(ctx context.Context) error {
	return s.producer.Connect(ctx)
}

// Close closes all topic writers.
func (s *Sink) Close() error {
	s.producer.Disconnect()
	return nil
}

// Producer exposes the underlying producer for status reporting.
func (s *Sink) Producer() *Producer { return s.producer }

// PublishValue writes v to the equipment's value topic.
func (s *Sink) PublishValue(ctx context.Context, v tag.Value) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value of tag %d: %w", v.TagID, err)
	}
	return s.producer.Produce(ctx, ValueTopic(s.config.Topic, v.Equipment), messageKey(v.Equipment, v.TagID), payload)
}

// PublishFiltered writes fv to the filter topic. It is a no-op unless
// filter publishing is enabled.
func (s *Sink) PublishFiltered(ctx context.Context, fv tag.FilteredValue) error {
	if !s.config.Filtered {
		return nil
	}
	payload, err := json.Marshal(fv)
	if err != nil {
		return fmt.Errorf("encode filter record of tag %d: %w", fv.TagID, err)
	}
	return s.producer.Produce(ctx, FilterTopic(s.config.Topic), messageKey(fv.Equipment, fv.TagID), payload)
}

// ValueTopic returns the topic carrying values of one equipment.
func ValueTopic(prefix, equipment string) string {
	return namespace.KafkaValueTopic(prefix, equipment)
}

// FilterTopic returns the topic carrying filter records.
func FilterTopic(prefix string) string {
	return namespace.KafkaFilterTopic(prefix)
}

// messageKey keeps all updates of one tag on one partition.
func messageKey(equipment string, tagID int64) []byte {
	return []byte(fmt.Sprintf("%s.%d", equipment, tagID))
}
