package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaSender struct {
	writer messageWriter
}

// NewKafkaSender publishes each payload as a JSON message keyed by contract address.
func NewKafkaSender(brokers []string, topic string) (Sender, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic required")
	}
	return &kafkaSender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 20 * time.Millisecond,
			WriteTimeout: 5 * time.Second,
		},
	}, nil
}

func (s *kafkaSender) Send(ctx context.Context, payload EventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(payload.Contract),
		Value: data,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(payload.Kind)},
			{Key: "alert_id", Value: []byte(payload.AlertID)},
		},
	}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (s *kafkaSender) Close() error {
	return s.writer.Close()
}
