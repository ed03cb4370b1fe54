package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const activeSessionsKey = "active_sessions"

// Mirror publishes session metadata to an external index. It is never read
// back; the in-memory store stays authoritative.
type Mirror interface {
	Put(ctx context.Context, s *Session) error
	Remove(ctx context.Context, id string) error
	Close() error
}

// RedisMirror keeps a session:<id> hash and the active_sessions set,
// expiring with the session timeout.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMirror connects to Redis and verifies the connection
func NewRedisMirror(ctx context.Context, addr, password string, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &RedisMirror{client: client, ttl: ttl}, nil
}

func sessionKey(id string) string {
	return "session:" + id
}

func (m *RedisMirror) Put(ctx context.Context, s *Session) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(s.ID), map[string]interface{}{
			"user_id":    s.UserID,
			"created_at": s.CreatedAt.Format(time.RFC3339),
			"status":     "active",
		})
		pipe.SAdd(ctx, activeSessionsKey, s.ID)
		pipe.Expire(ctx, sessionKey(s.ID), m.ttl)
		return nil
	})
	return err
}

func (m *RedisMirror) Remove(ctx context.Context, id string) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(id))
		pipe.SRem(ctx, activeSessionsKey, id)
		return nil
	})
	return err
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
