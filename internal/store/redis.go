// Package store persists sessions in Redis. Sessions are JSON blobs keyed
// session:<session key>, expiring after a bounded idle period; Save
// refreshes the expiry.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/crmrelay/internal/types"
)

const keyPrefix = "session:"

// DefaultIdleTTL is how long an untouched session survives before the
// conversation is forgotten.
const DefaultIdleTTL = 24 * time.Hour

// Redis implements types.SessionStore on a Redis client.
type Redis struct {
	client  *redis.Client
	idleTTL time.Duration
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr, password string, db int, idleTTL time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewWithClient(client, idleTTL), nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, idleTTL time.Duration) *Redis {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Redis{client: client, idleTTL: idleTTL}
}

// Load fetches a session, returning (nil, nil) when none exists.
func (r *Redis) Load(ctx context.Context, key types.SessionKey) (*types.Session, error) {
	data, err := r.client.Get(ctx, keyPrefix+string(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	var s types.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return &s, nil
}

// Save writes the session and refreshes its idle expiry.
func (r *Redis) Save(ctx context.Context, session *types.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.Key, err)
	}
	if err := r.client.Set(ctx, keyPrefix+string(session.Key), data, r.idleTTL).Err(); err != nil {
		return fmt.Errorf("save session %s: %w", session.Key, err)
	}
	return nil
}

// Delete removes the session. Deleting a missing session is not an error.
func (r *Redis) Delete(ctx context.Context, key types.SessionKey) error {
	if err := r.client.Del(ctx, keyPrefix+string(key)).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

// Keys lists the keys of all live sessions.
func (r *Redis) Keys(ctx context.Context) ([]types.SessionKey, error) {
	var keys []types.SessionKey
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, types.SessionKey(strings.TrimPrefix(iter.Val(), keyPrefix)))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return keys, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
