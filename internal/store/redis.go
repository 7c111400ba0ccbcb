package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisNamespace = "faceattend:"

// Redis is a Store backed by plain Redis string keys under a fixed namespace.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to redis with short timeouts.
func NewRedis(addr string) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &Redis{Client: client}
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.Client.Get(ctx, redisNamespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (r *Redis) Put(ctx context.Context, key string, value []byte) error {
	return r.Client.Set(ctx, redisNamespace+key, value, 0).Err()
}

func (r *Redis) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	return r.Client.SetNX(ctx, redisNamespace+key, value, 0).Result()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.Client.Del(ctx, redisNamespace+key).Err()
}

func (r *Redis) List(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := r.Client.Scan(ctx, 0, redisNamespace+escapeGlob(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	out := make([]Entry, 0, len(keys))
	for start := 0; start < len(keys); start += 200 {
		end := min(start+200, len(keys))
		vals, err := r.Client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				// deleted between SCAN and MGET
				continue
			}
			out = append(out, Entry{Key: strings.TrimPrefix(keys[start+i], redisNamespace), Value: []byte(s)})
		}
	}
	return out, nil
}

// Ping verifies redis connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
