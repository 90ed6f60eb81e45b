package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"

	"circulation/pkg/domain"
)

var basketJSON = jsoniter.ConfigFastest

// saveBasketScript keeps whichever snapshot carries the highest revision.
var saveBasketScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "rev") or "0")
local incoming = tonumber(ARGV[1])
if incoming < current then
  return 0
end
redis.call("HSET", KEYS[1], "rev", ARGV[1], "data", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// MemoryBasketStore keeps baskets in memory.
type MemoryBasketStore struct {
	mu      sync.Mutex
	baskets map[string]domain.Basket
}

// NewMemoryBasketStore constructs an empty basket store.
func NewMemoryBasketStore() *MemoryBasketStore {
	return &MemoryBasketStore{baskets: make(map[string]domain.Basket)}
}

// LoadBasket returns the stored snapshot for a member.
func (s *MemoryBasketStore) LoadBasket(_ context.Context, memberID string) (domain.Basket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.baskets[memberID]
	if !ok {
		return domain.Basket{}, false, nil
	}
	b.Lines = append([]domain.BasketLine(nil), b.Lines...)
	return b, true, nil
}

// SaveBasket stores b unless a newer revision is already present.
func (s *MemoryBasketStore) SaveBasket(_ context.Context, b domain.Basket) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.baskets[b.MemberID]; ok && b.Revision < current.Revision {
		return false, nil
	}
	b.Lines = append([]domain.BasketLine(nil), b.Lines...)
	s.baskets[b.MemberID] = b
	return true, nil
}

// RedisBasketStore persists basket snapshots in Redis hashes.
type RedisBasketStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBasketStore creates a Redis-backed basket store.
func NewRedisBasketStore(addr, password, prefix string, ttl time.Duration) (*RedisBasketStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "circulation:basket"
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisBasketStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

func (s *RedisBasketStore) key(memberID string) string {
	return s.prefix + ":" + memberID
}

// LoadBasket returns the stored snapshot for a member.
func (s *RedisBasketStore) LoadBasket(ctx context.Context, memberID string) (domain.Basket, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	raw, err := s.client.HGet(ctx, s.key(memberID), "data").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Basket{}, false, nil
		}
		return domain.Basket{}, false, fmt.Errorf("load basket: %w", err)
	}
	var b domain.Basket
	if err := basketJSON.UnmarshalFromString(raw, &b); err != nil {
		return domain.Basket{}, false, fmt.Errorf("decode basket: %w", err)
	}
	return b, true, nil
}

// SaveBasket writes b unless a newer revision is already stored.
func (s *RedisBasketStore) SaveBasket(ctx context.Context, b domain.Basket) (bool, error) {
	data, err := basketJSON.MarshalToString(b)
	if err != nil {
		return false, fmt.Errorf("encode basket: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	res, err := saveBasketScript.Run(ctx, s.client, []string{s.key(b.MemberID)}, b.Revision, data, s.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("save basket: %w", err)
	}
	return res == 1, nil
}

// Close releases the Redis client.
func (s *RedisBasketStore) Close() error {
	return s.client.Close()
}
