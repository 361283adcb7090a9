package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "psk:"

// RedisStore resolves keys from a Redis instance, for fleets sharing one
// credential database.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("keystore: failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Lookup returns the key for an identity
func (r *RedisStore) Lookup(ctx context.Context, identity string) ([]byte, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+identity).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: redis lookup: %w", err)
	}
	return data, nil
}

// Put stores a key under an identity
func (r *RedisStore) Put(ctx context.Context, identity string, key []byte) error {
	if err := r.client.Set(ctx, redisKeyPrefix+identity, key, 0).Err(); err != nil {
		return fmt.Errorf("keystore: redis put: %w", err)
	}
	return nil
}

// Delete removes an identity
func (r *RedisStore) Delete(ctx context.Context, identity string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+identity).Err(); err != nil {
		return fmt.Errorf("keystore: redis delete: %w", err)
	}
	return nil
}

// Close releases the client connection pool
func (r *RedisStore) Close() error {
	return r.client.Close()
}
