package kvstore

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/kimhsiao/medcord/backend/internal/errors"
)

// RedisBackend stores the namespace in Redis under a key prefix.
// Batches run in a MULTI/EXEC transaction.
type RedisBackend struct {
	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisBackend wraps an existing client. The caller keeps ownership.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the server answers PING.
func DialRedis(ctx context.Context, opts *redis.Options, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.StorageError("redis fallback unreachable", err)
	}
	return &RedisBackend{client: client, prefix: prefix, owned: true}, nil
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := b.client.Get(ctx, b.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, apperrors.StorageError("redis get failed", err)
	}
	return v, nil
}

func (b *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, b.prefix+prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), b.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, apperrors.StorageError("redis scan failed", err)
	}
	return keys, nil
}

func (b *RedisBackend) Apply(ctx context.Context, writes []Write) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			if w.Delete {
				pipe.Del(ctx, b.prefix+w.Key)
				continue
			}
			pipe.Set(ctx, b.prefix+w.Key, w.Value, 0)
		}
		return nil
	})
	if err != nil {
		return apperrors.StorageError("redis transaction failed", err)
	}
	return nil
}

func (b *RedisBackend) Size(ctx context.Context) (int64, error) {
	keys, err := b.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	var n int64
	for _, k := range keys {
		l, err := b.client.StrLen(ctx, b.prefix+k).Result()
		if err != nil {
			return 0, apperrors.StorageError("redis strlen failed", err)
		}
		n += int64(len(k)) + l
	}
	return n, nil
}

// Close closes the client if the backend dialed it.
func (b *RedisBackend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
