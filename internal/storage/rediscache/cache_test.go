package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/bazaar-pricing/internal/domain/pricing"
	"github.com/xenking/bazaar-pricing/internal/storage/memory"
)

// --- Mock implementations ---

type countingRepo struct {
	*memory.Store
	finds int
}

func (c *countingRepo) FindCandidates(ctx context.Context, f pricing.CandidateFilter) ([]pricing.Rule, error) {
	c.finds++
	return c.Store.FindCandidates(ctx, f)
}

var testNow = time.Date(2025, 6, 15, 12, 0, 30, 0, time.UTC)

func setupTestRedis(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Config{TTL: time.Minute, Bucket: time.Minute}), mr
}

func sampleRule() pricing.Rule {
	starts := testNow.Add(-time.Hour)
	limit := 10
	return pricing.Rule{
		ID:           uuid.New(),
		Name:         "SUMMER",
		Type:         pricing.CategoryPercentage,
		Target:       pricing.CategoryTarget(7),
		Active:       true,
		AutoApply:    true,
		StartsAt:     &starts,
		Percentage:   decimal.NewNullDecimal(decimal.RequireFromString("12.5")),
		MaxDiscount:  decimal.NewNullDecimal(decimal.RequireFromString("20")),
		MinCartValue: decimal.NewNullDecimal(decimal.RequireFromString("50")),
		UsageCount:   3,
		PerUserLimit: &limit,
		Combinable:   true,
		Priority:     5,
		CreatedAt:    testNow.Add(-2 * time.Hour),
	}
}

// --- Tests ---

func TestRuleCodec(t *testing.T) {
	in := []pricing.Rule{sampleRule()}

	out, err := decodeRules(encodeRules(in))
	require.NoError(t, err)
	require.Len(t, out, 1)

	got, want := out[0], in[0]
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Type, got.Type)
	assert.Equal(t, want.Target, got.Target)
	assert.True(t, want.Percentage.Decimal.Equal(got.Percentage.Decimal))
	assert.False(t, got.Amount.Valid)
	assert.False(t, got.MaxCartValue.Valid)
	assert.True(t, want.StartsAt.Equal(*got.StartsAt))
	assert.Nil(t, got.EndsAt)
	assert.Nil(t, got.MaxGlobalUses)
	require.NotNil(t, got.PerUserLimit)
	assert.Equal(t, 10, *got.PerUserLimit)
	assert.Equal(t, want.UsageCount, got.UsageCount)

	empty, err := decodeRules(encodeRules(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = decodeRules([]byte(`[{"type":"bogus"}]`))
	require.Error(t, err)
}

func TestCache_GetSet(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()
	f := pricing.CandidateFilter{Now: testNow, Currency: "USD", CouponCodes: []string{"SAVE20"}}

	_, err := cache.Get(ctx, f)
	require.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, cache.Set(ctx, f, []pricing.Rule{sampleRule()}))
	got, err := cache.Get(ctx, f)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// Entries never outlive their time bucket.
	key := candidatesKey(0, f, time.Minute)
	assert.LessOrEqual(t, mr.TTL(key), 30*time.Second)

	other := f
	other.Currency = "EUR"
	_, err = cache.Get(ctx, other)
	require.ErrorIs(t, err, ErrCacheMiss)

	later := f
	later.Now = testNow.Add(time.Minute)
	_, err = cache.Get(ctx, later)
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_Invalidate(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()
	f := pricing.CandidateFilter{Now: testNow, Currency: "USD"}

	require.NoError(t, cache.Set(ctx, f, []pricing.Rule{sampleRule()}))
	require.NoError(t, cache.Invalidate(ctx))

	_, err := cache.Get(ctx, f)
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_InvalidPayload(t *testing.T) {
	cache, mr := setupTestRedis(t)
	f := pricing.CandidateFilter{Now: testNow, Currency: "USD"}
	require.NoError(t, mr.Set(candidatesKey(0, f, time.Minute), "not json"))

	_, err := cache.Get(context.Background(), f)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestRuleRepository_FindCandidates(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	store := memory.New()
	store.PutRule(sampleRule())
	repo := &countingRepo{Store: store}
	cached := NewRuleRepository(repo, cache)

	anon := pricing.CandidateFilter{Now: testNow, Currency: "USD"}
	first, err := cached.FindCandidates(ctx, anon)
	require.NoError(t, err)
	second, err := cached.FindCandidates(ctx, anon)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.finds)
	assert.Equal(t, first[0].ID, second[0].ID)

	t.Run("identified users bypass the cache", func(t *testing.T) {
		before := repo.finds
		user := anon
		user.UserID = "user-1"
		_, err := cached.FindCandidates(ctx, user)
		require.NoError(t, err)
		_, err = cached.FindCandidates(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, before+2, repo.finds)
	})

	t.Run("redis outage falls back to the repository", func(t *testing.T) {
		mr.SetError("ERR simulated outage")
		defer mr.SetError("")

		before := repo.finds
		got, err := cached.FindCandidates(ctx, anon)
		require.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Equal(t, before+1, repo.finds)
	})
}

func TestUsageStore_InvalidatesOnSuccess(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()

	store := memory.New()
	rule := sampleRule()
	store.PutRule(rule)
	f := pricing.CandidateFilter{Now: testNow, Currency: "USD"}
	require.NoError(t, cache.Set(ctx, f, []pricing.Rule{rule}))

	usage := NewUsageStore(store, cache)
	require.ErrorIs(t, usage.ApplyUsage(ctx, pricing.UsageBatch{
		IdempotencyKey: "k1",
		Increments:     []pricing.UsageIncrement{{RuleID: uuid.New()}},
	}), pricing.ErrPersistence)

	_, err := cache.Get(ctx, f)
	require.NoError(t, err, "failed batches keep the cache")

	require.NoError(t, usage.ApplyUsage(ctx, pricing.UsageBatch{
		IdempotencyKey: "k2",
		Increments:     []pricing.UsageIncrement{{RuleID: rule.ID}},
	}))
	_, err = cache.Get(ctx, f)
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestRuleRepository_RuleStartingInsideBucket(t *testing.T) {
	cache, _ := setupTestRedis(t)
	ctx := context.Background()

	bucket := testNow.Truncate(time.Minute)
	starts := bucket.Add(30 * time.Second)
	rule := sampleRule()
	rule.StartsAt = &starts

	store := memory.New()
	store.PutRule(rule)
	repo := &countingRepo{Store: store}
	cached := NewRuleRepository(repo, cache)

	early := pricing.CandidateFilter{Now: bucket.Add(5 * time.Second), Currency: "USD"}
	got, err := cached.FindCandidates(ctx, early)
	require.NoError(t, err)
	require.Len(t, got, 1, "the cached answer covers the whole bucket")
	assert.NotEqual(t, pricing.Eligible, got[0].ActiveAt(early.Now), "the caller still filters by instant")

	late := pricing.CandidateFilter{Now: bucket.Add(40 * time.Second), Currency: "USD"}
	direct, err := store.FindCandidates(ctx, late)
	require.NoError(t, err)
	got, err = cached.FindCandidates(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.finds, "served from cache")
	assert.Equal(t, ruleIDs(direct), ruleIDs(got))
	assert.Equal(t, pricing.Eligible, got[0].ActiveAt(late.Now))
}

func TestInvalidatingWriter(t *testing.T) {
	cache, mr := setupTestRedis(t)
	ctx := context.Background()

	store := memory.New()
	rule := sampleRule()
	store.PutRule(rule)
	repo := &countingRepo{Store: store}
	cached := NewRuleRepository(repo, cache)
	writer := NewInvalidatingWriter(store, cache)

	anon := pricing.CandidateFilter{Now: testNow, Currency: "USD"}
	got, err := cached.FindCandidates(ctx, anon)
	require.NoError(t, err)
	require.Len(t, got, 1)

	rule.Active = false
	require.NoError(t, writer.Upsert(ctx, &rule))

	got, err = cached.FindCandidates(ctx, anon)
	require.NoError(t, err)
	assert.Empty(t, got, "deactivated rule must not be served from cache")
	assert.Equal(t, 2, repo.finds)

	t.Run("invalidation failure is reported", func(t *testing.T) {
		mr.SetError("ERR simulated outage")
		defer mr.SetError("")

		rule.Active = true
		require.Error(t, writer.Upsert(ctx, &rule))
	})

	t.Run("invalid rule is rejected before invalidation", func(t *testing.T) {
		bad := sampleRule()
		bad.Target = pricing.CartTarget()
		require.Error(t, writer.Upsert(ctx, &bad))
	})
}

func ruleIDs(rules []pricing.Rule) []uuid.UUID {
	out := make([]uuid.UUID, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}
