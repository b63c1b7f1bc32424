// Package rediscache caches candidate rule lookups in Redis.
package rediscache

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
)

// ErrCacheMiss is returned by Get when no entry exists for the filter.
var ErrCacheMiss = errors.New("cache miss")

const generationKey = "pricing:candidates:gen"

// Config controls entry lifetime.
type Config struct {
	// TTL is the base lifetime of an entry. A random jitter of up to TTL/4
	// is added so entries written together do not expire together.
	TTL time.Duration
	// Bucket is the resolution the filter time is truncated to when building
	// keys. Entries never outlive their bucket.
	Bucket time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.Bucket <= 0 {
		c.Bucket = time.Minute
	}
	return c
}

// Cache stores candidate rule sets of anonymous lookups. Usage counters in
// cached rules may lag; the usage store re-checks every limit atomically.
type Cache struct {
	client *redis.Client
	cfg    Config
}

// New returns a Cache over client.
func New(client *redis.Client, cfg Config) *Cache {
	return &Cache{client: client, cfg: cfg.withDefaults()}
}

// Dial parses a redis:// URL and returns a Cache owning the connection.
func Dial(rawURL string, cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return New(redis.NewClient(opts), cfg), nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get returns the cached candidates for f or ErrCacheMiss.
func (c *Cache) Get(ctx context.Context, f pricing.CandidateFilter) ([]pricing.Rule, error) {
	key, err := c.key(ctx, f)
	if err != nil {
		return nil, err
	}
	return c.get(ctx, key)
}

func (c *Cache) get(ctx context.Context, key string) ([]pricing.Rule, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return decodeRules(data)
}

// Set stores candidates for f.
func (c *Cache) Set(ctx context.Context, f pricing.CandidateFilter, rules []pricing.Rule) error {
	key, err := c.key(ctx, f)
	if err != nil {
		return err
	}
	return c.set(ctx, key, f, rules)
}

func (c *Cache) set(ctx context.Context, key string, f pricing.CandidateFilter, rules []pricing.Rule) error {
	ttl := c.cfg.TTL + rand.N(c.cfg.TTL/4+1)
	if left := f.Now.Truncate(c.cfg.Bucket).Add(c.cfg.Bucket).Sub(f.Now); left > 0 && left < ttl {
		ttl = left
	}
	if err := c.client.Set(ctx, key, encodeRules(rules), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Invalidate drops every cached entry by advancing the key generation.
func (c *Cache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("redis incr %q: %w", generationKey, err)
	}
	return nil
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) key(ctx context.Context, f pricing.CandidateFilter) (string, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("redis get %q: %w", generationKey, err)
	}
	return candidatesKey(gen, f, c.cfg.Bucket), nil
}

// bucketFilter widens f to the whole time bucket it falls in, so a cached
// answer covers every rule that becomes active or expires inside the bucket.
func (c *Cache) bucketFilter(f pricing.CandidateFilter) pricing.CandidateFilter {
	start := f.Now.Truncate(c.cfg.Bucket)
	f.Now = start
	f.Until = start.Add(c.cfg.Bucket)
	return f
}

func candidatesKey(gen int64, f pricing.CandidateFilter, bucket time.Duration) string {
	return fmt.Sprintf("pricing:candidates:%d:%s:%d:%s",
		gen, f.Currency, f.Now.Truncate(bucket).Unix(), strings.Join(f.CouponCodes, ","))
}

var _ pricing.RuleRepository = (*RuleRepository)(nil)

// RuleRepository serves FindCandidates for anonymous filters from the cache
// and delegates everything else. Redis failures fall back to the wrapped
// repository.
type RuleRepository struct {
	next  pricing.RuleRepository
	cache *Cache
}

// NewRuleRepository wraps next with cache.
func NewRuleRepository(next pricing.RuleRepository, cache *Cache) *RuleRepository {
	return &RuleRepository{next: next, cache: cache}
}

func (r *RuleRepository) ListAttached(ctx context.Context, cartID uuid.UUID, userID string) ([]pricing.Rule, error) {
	return r.next.ListAttached(ctx, cartID, userID)
}

func (r *RuleRepository) FindByCode(ctx context.Context, code string) (*pricing.Rule, error) {
	return r.next.FindByCode(ctx, code)
}

func (r *RuleRepository) Attach(ctx context.Context, cartID, ruleID uuid.UUID) error {
	return r.next.Attach(ctx, cartID, ruleID)
}

// FindCandidates bypasses the cache for identified users, whose per-user
// counters must be current. Cached answers span the whole time bucket, so
// they may include rules outside their window at f.Now; the selector
// re-checks ActiveAt for every candidate.
func (r *RuleRepository) FindCandidates(ctx context.Context, f pricing.CandidateFilter) ([]pricing.Rule, error) {
	if f.UserID != "" {
		return r.next.FindCandidates(ctx, f)
	}
	lg := zctx.From(ctx)

	// The key is fixed before the store is read, so an invalidation racing
	// with this lookup leaves the answer under the old generation.
	key, err := r.cache.key(ctx, f)
	if err != nil {
		lg.Warn("Candidate cache read failed", zap.Error(err))
		return r.next.FindCandidates(ctx, f)
	}
	rules, err := r.cache.get(ctx, key)
	switch {
	case err == nil:
		return rules, nil
	case !errors.Is(err, ErrCacheMiss):
		lg.Warn("Candidate cache read failed", zap.Error(err))
	}

	rules, err = r.next.FindCandidates(ctx, r.cache.bucketFilter(f))
	if err != nil {
		return nil, err
	}
	if err := r.cache.set(ctx, key, f, rules); err != nil {
		lg.Warn("Candidate cache write failed", zap.Error(err))
	}
	return rules, nil
}

var _ pricing.UsageStore = (*UsageStore)(nil)

// UsageStore invalidates the cache after every recorded batch, since global
// usage counters changed.
type UsageStore struct {
	next  pricing.UsageStore
	cache *Cache
}

// NewUsageStore wraps next with cache invalidation.
func NewUsageStore(next pricing.UsageStore, cache *Cache) *UsageStore {
	return &UsageStore{next: next, cache: cache}
}

func (s *UsageStore) ApplyUsage(ctx context.Context, b pricing.UsageBatch) error {
	if err := s.next.ApplyUsage(ctx, b); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		zctx.From(ctx).Warn("Candidate cache invalidation failed", zap.Error(err))
	}
	return nil
}

// RuleWriter is the write side of a rule store.
type RuleWriter interface {
	Upsert(ctx context.Context, rule *pricing.Rule) error
}

// InvalidatingWriter drops every cached candidate set after each rule write.
// Unlike usage recording, a failed invalidation is returned: the rule change
// would otherwise stay invisible until entries expire.
type InvalidatingWriter struct {
	next  RuleWriter
	cache *Cache
}

// NewInvalidatingWriter wraps next with cache invalidation.
func NewInvalidatingWriter(next RuleWriter, cache *Cache) *InvalidatingWriter {
	return &InvalidatingWriter{next: next, cache: cache}
}

func (w *InvalidatingWriter) Upsert(ctx context.Context, rule *pricing.Rule) error {
	if err := w.next.Upsert(ctx, rule); err != nil {
		return err
	}
	if err := w.cache.Invalidate(ctx); err != nil {
		return errors.Wrap(err, "invalidate candidate cache")
	}
	return nil
}
