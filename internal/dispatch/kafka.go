package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"

	"github.com/balarajuyogesh/hawkeye/internal/config"
)

// kafkaSender produces transition payloads onto a Kafka topic, keyed by
// watcher id so one watcher's transitions stay ordered per partition.
type kafkaSender struct {
	producer sarama.SyncProducer
	brokers  []string
	topic    string
	key      string
}

func newKafkaSender(watcherID string, t config.Target) (*kafkaSender, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(t.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	return &kafkaSender{producer: producer, brokers: t.Brokers, topic: t.Topic, key: watcherID}, nil
}

func (s *kafkaSender) Send(_ context.Context, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(payload),
	}
	if s.key != "" {
		msg.Key = sarama.StringEncoder(s.key)
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka produce: %w", err)
	}
	return nil
}

func (s *kafkaSender) Describe() string {
	return fmt.Sprintf("kafka %s topic=%s", strings.Join(s.brokers, ","), s.topic)
}

func (s *kafkaSender) Close() error {
	if err := s.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
