// ABOUTME: Redis implementation of the credential Store using go-redis
// ABOUTME: Stores one credential string and one key hash per tenant

package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is prepended to every Redis key.
	// Default: "coven:wa:"
	KeyPrefix string
}

// RedisStore implements Store on Redis. Key material of a tenant lives in a
// single hash so Clear is one DEL.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// storedCredentials is the JSON document kept under the credentials key.
type storedCredentials struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRedisStore creates a RedisStore.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "coven:wa:"
	}
	return &RedisStore{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func (s *RedisStore) credsKey(tenantID string) string { return s.keyPrefix + "creds:" + tenantID }
func (s *RedisStore) keysKey(tenantID string) string  { return s.keyPrefix + "keys:" + tenantID }

func keyField(keyType, id string) string { return keyType + ":" + id }

// Load returns the tenant's credential record.
func (s *RedisStore) Load(ctx context.Context, tenantID string) (Credentials, error) {
	raw, err := s.client.Get(ctx, s.credsKey(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credentials{}, ErrNotFound
	}
	if err != nil {
		return Credentials{}, fmt.Errorf("getting credentials: %w", err)
	}

	var stored storedCredentials
	if err := json.Unmarshal(raw, &stored); err != nil {
		return Credentials{}, fmt.Errorf("decoding credentials: %w", err)
	}
	return Credentials{Data: stored.Data, UpdatedAt: stored.UpdatedAt}, nil
}

// Persist upserts the tenant's credential record.
func (s *RedisStore) Persist(ctx context.Context, tenantID string, data []byte) error {
	raw, err := json.Marshal(storedCredentials{Data: data, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	if err := s.client.Set(ctx, s.credsKey(tenantID), raw, 0).Err(); err != nil {
		return fmt.Errorf("setting credentials: %w", err)
	}
	return nil
}

// GetKey returns one key record.
func (s *RedisStore) GetKey(ctx context.Context, tenantID, keyType, id string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.keysKey(tenantID), keyField(keyType, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting key: %w", err)
	}
	return data, nil
}

// SetKeys upserts and deletes key records in one MULTI/EXEC.
func (s *RedisStore) SetKeys(ctx context.Context, tenantID string, keys Keys) error {
	hash := s.keysKey(tenantID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for keyType, byID := range keys {
			for id, data := range byID {
				if data == nil {
					pipe.HDel(ctx, hash, keyField(keyType, id))
				} else {
					pipe.HSet(ctx, hash, keyField(keyType, id), data)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing keys: %w", err)
	}
	return nil
}

// Clear removes the credential record and all key material of the tenant.
func (s *RedisStore) Clear(ctx context.Context, tenantID string) error {
	if err := s.client.Del(ctx, s.credsKey(tenantID), s.keysKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
