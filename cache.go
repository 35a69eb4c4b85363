package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache key layout shared with the other subsystems reading the order book
// snapshot (price estimators, margin liquidation checks).
func bestActiveBuyKey(symbol string) string  { return fmt.Sprintf("orderbook_%s_best_active_buy", symbol) }
func bestActiveSellKey(symbol string) string { return fmt.Sprintf("orderbook_%s_best_active_sell", symbol) }
func depthKey(symbol string) string          { return fmt.Sprintf("orderbook_%s_depth", symbol) }
func matcherStateKey(symbol string) string   { return fmt.Sprintf("matcher_state_%s", symbol) }

// MarketCache is the shared cache consumed by the matcher (price band
// clamping, cursor recovery) and produced by the order book generator.
// Values read from it are soft bounds, never ground truth for fills.
type MarketCache interface {
	GetDecimal(ctx context.Context, key string) (decimal.Decimal, bool, error)
	SetDecimal(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

// RedisCache implements MarketCache on go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) GetDecimal(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return value, true, nil
}

func (c *RedisCache) SetDecimal(ctx context.Context, key string, value decimal.Decimal, ttl time.Duration) error {
	return c.client.Set(ctx, key, value.String(), ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (c *RedisCache) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.client.Set(ctx, key, raw, ttl).Err()
}

// MemoryCache is an in-process MarketCache, useful for testing.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[string][]byte)}
}

func (c *MemoryCache) GetDecimal(_ context.Context, key string) (decimal.Decimal, bool, error) {
	c.mu.RLock()
	raw, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, false, nil
	}

	value, err := decimal.NewFromString(string(raw))
	if err != nil {
		return decimal.Zero, false, err
	}
	return value, true, nil
}

func (c *MemoryCache) SetDecimal(_ context.Context, key string, value decimal.Decimal, _ time.Duration) error {
	c.mu.Lock()
	c.values[key] = []byte(value.String())
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	c.mu.RLock()
	raw, ok := c.values[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *MemoryCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.values[key] = raw
	c.mu.Unlock()
	return nil
}
