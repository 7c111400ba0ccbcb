package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Message represents work to be processed.
type Message struct {
	Type string `json:"type"`
	Key  string `json:"key,omitempty"`
	Body []byte `json:"body"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend      string
	Redis        *redis.Client
	RedisKey     string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
	MemorySize   int
}

// Open builds the queue named by opts.Backend: memory, redis or kafka.
func Open(opts Options) (Queue, error) {
	switch strings.ToLower(opts.Backend) {
	case "", "memory":
		size := opts.MemorySize
		if size <= 0 {
			size = 256
		}
		return NewInMemory(size), nil
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("queue: redis backend requires a client")
		}
		return NewRedisQueue(opts.Redis, opts.RedisKey), nil
	case "kafka":
		return NewKafkaQueue(opts.KafkaBrokers, opts.KafkaTopic, opts.KafkaGroup)
	default:
		return nil, fmt.Errorf("queue: unknown backend %q", opts.Backend)
	}
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				if !deliver(ctx, out, msg) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close is a no-op.
func (q *InMemory) Close() error { return nil }

func deliver(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func encode(msg Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(s string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(s), &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("queue: message without type")
	}
	return msg, nil
}
