package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ErrNoPrice is returned when no fair-market value is known for an asset.
var ErrNoPrice = errors.New("ledger: no price for asset")

// Quote is a fair-market value per unit of an asset.
type Quote struct {
	Asset string          `json:"asset"`
	Price decimal.Decimal `json:"price"`
	AsOf  time.Time       `json:"as_of"`
}

// PriceOracle supplies fair-market values. Timeouts are the oracle's
// concern.
type PriceOracle interface {
	GetFMV(ctx context.Context, asset string) (Quote, error)
}

// StaticOracle serves fixed prices. Set may be called at any time.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStaticOracle creates an oracle over prices keyed by asset code.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{prices: make(map[string]decimal.Decimal, len(prices)), now: time.Now}
	for a, p := range prices {
		o.prices[strings.ToUpper(a)] = p
	}
	return o
}

// Set updates the price of asset.
func (o *StaticOracle) Set(asset string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[strings.ToUpper(asset)] = price
}

// GetFMV implements PriceOracle.
func (o *StaticOracle) GetFMV(_ context.Context, asset string) (Quote, error) {
	o.mu.RLock()
	p, ok := o.prices[strings.ToUpper(asset)]
	o.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	return Quote{Asset: strings.ToUpper(asset), Price: p, AsOf: o.now().UTC()}, nil
}

// PriceCache stores quotes for a bounded time.
type PriceCache interface {
	Get(ctx context.Context, asset string) (Quote, bool, error)
	Set(ctx context.Context, q Quote, ttl time.Duration) error
}

type memItem struct {
	q       Quote
	expires time.Time
}

// MemoryCache is an in-process PriceCache.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

// NewMemoryCache creates an empty MemoryCache. A nil clock uses time.Now.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{items: make(map[string]memItem), now: now}
}

// Get implements PriceCache. Expired items are evicted on read.
func (c *MemoryCache) Get(_ context.Context, asset string) (Quote, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[strings.ToUpper(asset)]
	if !ok {
		return Quote{}, false, nil
	}
	if !c.now().Before(it.expires) {
		delete(c.items, strings.ToUpper(asset))
		return Quote{}, false, nil
	}
	return it.q, true, nil
}

// Set implements PriceCache.
func (c *MemoryCache) Set(_ context.Context, q Quote, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[strings.ToUpper(q.Asset)] = memItem{q: q, expires: c.now().Add(ttl)}
	return nil
}

const redisKeyPrefix = "paycore:fmv:"

// RedisCache is a PriceCache shared between processes. Expiry is left to
// redis.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache wraps an existing client.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements PriceCache.
func (c *RedisCache) Get(ctx context.Context, asset string) (Quote, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+strings.ToUpper(asset)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, fmt.Errorf("redis fmv get: %w", err)
	}
	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		return Quote{}, false, fmt.Errorf("redis fmv decode: %w", err)
	}
	return q, true, nil
}

// Set implements PriceCache.
func (c *RedisCache) Set(ctx context.Context, q Quote, ttl time.Duration) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("redis fmv encode: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+strings.ToUpper(q.Asset), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis fmv set: %w", err)
	}
	return nil
}

// CachedOracle serves quotes from a cache for up to ttl before asking the
// underlying oracle again. A failing cache degrades to direct lookups.
type CachedOracle struct {
	src    PriceOracle
	cache  PriceCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedOracle wraps src with cache. A zero ttl defaults to one minute.
func NewCachedOracle(src PriceOracle, cache PriceCache, ttl time.Duration, logger *slog.Logger) *CachedOracle {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedOracle{src: src, cache: cache, ttl: ttl, logger: logger}
}

// GetFMV implements PriceOracle.
func (o *CachedOracle) GetFMV(ctx context.Context, asset string) (Quote, error) {
	q, ok, err := o.cache.Get(ctx, asset)
	if err != nil {
		o.logger.Warn("fmv cache read failed", "asset", asset, "err", err)
	}
	if ok {
		return q, nil
	}
	q, err = o.src.GetFMV(ctx, asset)
	if err != nil {
		return Quote{}, err
	}
	if err := o.cache.Set(ctx, q, o.ttl); err != nil {
		o.logger.Warn("fmv cache write failed", "asset", asset, "err", err)
	}
	return q, nil
}
