// Package session provides refresh-token storage backends.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"docvault/api/internal/store"
)

// tokenData is the value stored per refresh-token hash. Only the user id is
// kept; callers re-fetch the user from the relational store.
type tokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore holds refresh tokens in Redis, keyed by token hash, expiring
// with the token itself.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "refresh:"}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "refresh:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data, err := json.Marshal(tokenData{UserID: userID, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh session already expired")
	}

	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return store.User{}, fmt.Errorf("token not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data tokenData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	return store.User{ID: data.UserID}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
