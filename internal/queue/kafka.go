package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const typeHeader = "type"

// KafkaQueue publishes to one topic and consumes it through a consumer group.
type KafkaQueue struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	group   string
}

// NewKafkaQueue builds a writer for topic. Readers are created per Consume call.
func NewKafkaQueue(brokers []string, topic, group string) (*KafkaQueue, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka queue requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka queue requires a topic")
	}
	if group == "" {
		group = "faceattend-worker"
	}
	return &KafkaQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		brokers: brokers,
		topic:   topic,
		group:   group,
	}, nil
}

// Publish writes msg keyed by msg.Key so one student's evidence stays ordered.
func (q *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	return q.writer.WriteMessages(ctx, toKafka(msg))
}

// Consume reads the topic as part of the consumer group until ctx is done.
func (q *KafkaQueue) Consume(ctx context.Context) (<-chan Message, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  q.brokers,
		GroupID:  q.group,
		Topic:    q.topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	out := make(chan Message)
	go func() {
		defer close(out)
		defer reader.Close()
		for {
			km, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				slog.Default().WarnContext(ctx, "kafka read failed", "topic", q.topic, "error", err)
				time.Sleep(time.Second)
				continue
			}
			msg, ok := fromKafka(km)
			if !ok {
				slog.Default().WarnContext(ctx, "dropping message without type", "topic", q.topic, "offset", km.Offset)
				continue
			}
			if !deliver(ctx, out, msg) {
				return
			}
		}
	}()
	return out, nil
}

// Close flushes and closes the writer.
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}

func toKafka(msg Message) kafka.Message {
	return kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: []kafka.Header{{Key: typeHeader, Value: []byte(msg.Type)}},
		Time:    time.Now().UTC(),
	}
}

func fromKafka(km kafka.Message) (Message, bool) {
	for _, h := range km.Headers {
		if h.Key == typeHeader && len(h.Value) > 0 {
			return Message{Type: string(h.Value), Key: string(km.Key), Body: km.Value}, true
		}
	}
	return Message{}, false
}
