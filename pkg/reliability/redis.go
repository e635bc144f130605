package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "as4:duplicate:"

// RedisConfig holds configuration for the Redis registry
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr     string
	Password string
	DB       int

	// Prefix is the key prefix (default: "as4:duplicate:")
	Prefix string

	// Retention is how long a registration is remembered.
	Retention time.Duration
}

// RedisRegistry shares registrations between receivers through Redis.
type RedisRegistry struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisRegistry connects to Redis and verifies the connection.
func NewRedisRegistry(cfg *RedisConfig) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRegistryFromClient(client, cfg.Prefix, cfg.Retention), nil
}

// NewRedisRegistryFromClient wraps an existing client.
func NewRedisRegistryFromClient(client redis.UniversalClient, prefix string, retention time.Duration) *RedisRegistry {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisRegistry{client: client, prefix: prefix, retention: retention}
}

// RegisterAndCheck uses SET NX so concurrent receivers agree on the first
// registration.
func (r *RedisRegistry) RegisterAndCheck(ctx context.Context, messageID, profileID, pmodeID string) (Outcome, error) {
	return r.RegisterAndCheckWithin(ctx, r.retention, messageID, profileID, pmodeID)
}

// RegisterAndCheckWithin is RegisterAndCheck with the key expiring after
// window.
func (r *RedisRegistry) RegisterAndCheckWithin(ctx context.Context, window time.Duration, messageID, profileID, pmodeID string) (Outcome, error) {
	if window <= 0 {
		window = r.retention
	}
	key := r.prefix + Key(messageID, profileID, pmodeID)

	created, err := r.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), window).Result()
	if err != nil {
		return OutcomeNew, fmt.Errorf("failed to register message: %w", err)
	}
	if !created {
		return OutcomeDuplicate, nil
	}
	return OutcomeNew, nil
}

// Release deletes the registration key.
func (r *RedisRegistry) Release(ctx context.Context, messageID, profileID, pmodeID string) error {
	if err := r.client.Del(ctx, r.prefix+Key(messageID, profileID, pmodeID)).Err(); err != nil {
		return fmt.Errorf("failed to release message: %w", err)
	}
	return nil
}

// Ping checks the connection, for readiness probes.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
