package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"faceattend/internal/config"
	"faceattend/internal/queue"
)

func TestOpenQueueClosesRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	q, closeQueue, err := openQueue(config.App{QueueBackend: "redis", RedisAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("openQueue: %v", err)
	}
	if err := q.Publish(context.Background(), queue.Message{Type: "evidence.capture"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if mr.CurrentConnectionCount() == 0 {
		t.Fatalf("expected an open redis connection")
	}

	closeQueue()
	deadline := time.Now().Add(2 * time.Second)
	for mr.CurrentConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("redis connections still open after close: %d", mr.CurrentConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOpenQueueMemory(t *testing.T) {
	q, closeQueue, err := openQueue(config.App{QueueBackend: "memory"})
	if err != nil {
		t.Fatalf("openQueue: %v", err)
	}
	defer closeQueue()
	if _, ok := q.(*queue.InMemory); !ok {
		t.Fatalf("expected in-memory queue, got %T", q)
	}
}
