package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked token ids until their natural expiry.
type TokenRevoker interface {
	Revoke(tokenID string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
}

// MemoryTokenRevoker keeps revoked tokens in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens: make(map[string]time.Time),
	}
}

// Revoke marks a token as revoked until its expiry.
func (r *MemoryTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[tokenID] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

// IsRevoked checks if the token is revoked.
func (r *MemoryTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

// RedisTokenRevoker stores revoked tokens in Redis with TTL, so revocation
// survives restarts and is shared between replicas.
type RedisTokenRevoker struct {
	client *redis.Client
}

// NewRedisTokenRevoker builds a Redis-backed revoker.
func NewRedisTokenRevoker(addr, password string) *RedisTokenRevoker {
	return &RedisTokenRevoker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
	}
}

// Revoke marks a token as revoked until expiry.
func (r *RedisTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err()
}

// IsRevoked checks if the token is revoked.
func (r *RedisTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

func revocationKey(tokenID string) string {
	return "polichat:revoked:" + tokenID
}
