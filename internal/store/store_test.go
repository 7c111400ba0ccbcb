package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "student:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, "student:b", []byte("bob")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "student:a", []byte("alice")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "attendance:1", []byte("rec")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(ctx, "student_x", []byte("not a student")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "student:a")
	if err != nil || string(got) != "alice" {
		t.Fatalf("get student:a = %q, %v", got, err)
	}

	entries, err := s.List(ctx, "student:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].Key != "student:a" || entries[1].Key != "student:b" {
		t.Fatalf("unexpected list result: %+v", entries)
	}

	ok, err := s.PutIfAbsent(ctx, "presence:s:x", []byte("r1"))
	if err != nil || !ok {
		t.Fatalf("first PutIfAbsent = %v, %v", ok, err)
	}
	ok, err = s.PutIfAbsent(ctx, "presence:s:x", []byte("r2"))
	if err != nil || ok {
		t.Fatalf("second PutIfAbsent = %v, %v", ok, err)
	}
	got, _ = s.Get(ctx, "presence:s:x")
	if string(got) != "r1" {
		t.Fatalf("claim overwritten: %q", got)
	}

	if err := s.Put(ctx, "student:a", []byte("alice-2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = s.Get(ctx, "student:a")
	if string(got) != "alice-2" {
		t.Fatalf("overwrite not applied: %q", got)
	}

	if err := s.Delete(ctx, "student:a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "student:a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be gone, got %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := s.PutIfAbsent(ctx, "presence:race", []byte("x")); err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one PutIfAbsent winner, got %d", wins.Load())
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer s.Close()
	exerciseStore(t, s)

	if !mr.Exists(redisNamespace + "presence:race") {
		t.Fatalf("expected keys to be namespaced")
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "kv.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestOpenUnknownBackend(t *testing.T) {
	if _, err := Open(context.Background(), Options{Backend: "etcd"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`a_b%c\`); got != `a\_b\%c\\` {
		t.Fatalf("escapeLike = %q", got)
	}
}
