package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"basilisk-escrow/internal/escrow"
)

// NonceStore remembers nonces that have already been accepted.
// Implementations must be safe for concurrent use.
type NonceStore interface {
	// Claim records the nonce for signer and reports whether it was unused.
	Claim(ctx context.Context, signer escrow.Actor, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore keeps nonces in process memory, intended for single
// instance deployments and tests.
type MemoryNonceStore struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	now     func() time.Time
	claims  int
	sweepAt int
}

// NewMemoryNonceStore initialises an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now, sweepAt: 1024}
}

// Claim implements NonceStore.
func (s *MemoryNonceStore) Claim(_ context.Context, signer escrow.Actor, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.claims++
	if s.claims >= s.sweepAt {
		s.claims = 0
		for key, expires := range s.seen {
			if now.After(expires) {
				delete(s.seen, key)
			}
		}
	}
	key := nonceKey(signer, nonce)
	if expires, ok := s.seen[key]; ok && !now.After(expires) {
		return false, nil
	}
	s.seen[key] = now.Add(ttl)
	return true, nil
}

// Len returns the number of remembered nonces.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RedisNonceStore shares nonces across instances with SET NX.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// RedisNonceConfig 描述 nonce 存储使用的 Redis 连接参数。
type RedisNonceConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// NewRedisNonceStore 创建基于 Redis 的 nonce 存储。
func NewRedisNonceStore(ctx context.Context, cfg RedisNonceConfig) (*RedisNonceStore, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "escrow:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}, nil
}

// Claim implements NonceStore.
func (s *RedisNonceStore) Claim(ctx context.Context, signer escrow.Actor, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+nonceKey(signer, nonce), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("记录 nonce 失败: %w", err)
	}
	return ok, nil
}

// Close 关闭 Redis 连接。
func (s *RedisNonceStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func nonceKey(signer escrow.Actor, nonce string) string {
	return strings.ToLower(signer.Hex()) + ":" + nonce
}
