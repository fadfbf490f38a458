package settings

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/settlement"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		wantErr  error
		wantRate string
	}{
		{"string rate", `{"commission_levels":2,"level_percentages":[10,5],"point_rate":"1000"}`, nil, "1000"},
		{"numeric rate", `{"commission_levels":1,"level_percentages":[10],"point_rate":12.5}`, nil, "12.5"},
		{"over 100 percent", `{"commission_levels":2,"level_percentages":[90,20],"point_rate":"1"}`, settlement.ErrInvalidSettings, ""},
		{"zero rate", `{"commission_levels":1,"level_percentages":[10],"point_rate":"0"}`, settlement.ErrInvalidSettings, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParsePlan(tt.json)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.wantRate).Equal(s.PointRate))
		})
	}
}

func TestParsePlan_Malformed(t *testing.T) {
	_, err := ParsePlan(`{"commission_levels":`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse plan JSON")
}

func TestFromConfig(t *testing.T) {
	cfg := &config.Config{CommissionLevels: 2, LevelPercentages: []int{10, 5}, PointRate: decimal.NewFromInt(1000)}

	s, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 10, s.PercentageFor(1))

	cfg.PointRate = decimal.Zero
	_, err = FromConfig(cfg)
	assert.ErrorIs(t, err, settlement.ErrInvalidSettings)
}

func TestStatic_SaveSettings(t *testing.T) {
	// GIVEN: A static provider with a two-level plan
	// WHEN: An admin saves a new plan, then tries an invalid one
	// THEN: Readers see the new plan and the invalid one is refused

	ctx := context.Background()
	p := NewStatic(settlement.Settings{CommissionLevels: 2, LevelPercentages: []int{10, 5}, PointRate: decimal.NewFromInt(1000)})

	next := settlement.Settings{CommissionLevels: 1, LevelPercentages: []int{20}, PointRate: decimal.NewFromInt(500)}
	require.NoError(t, p.SaveSettings(ctx, next))

	err := p.SaveSettings(ctx, settlement.Settings{CommissionLevels: 1, LevelPercentages: []int{101}, PointRate: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, settlement.ErrInvalidSettings)

	got, err := p.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CommissionLevels)
	got.LevelPercentages[0] = 99

	again, err := p.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, again.LevelPercentages[0], "callers get a copy")
}

// countingStore records reads so cache hits are observable.
type countingStore struct {
	*Static
	reads int
	fail  error
}

func (c *countingStore) Settings(ctx context.Context) (settlement.Settings, error) {
	c.reads++
	if c.fail != nil {
		return settlement.Settings{}, c.fail
	}
	return c.Static.Settings(ctx)
}

func basePlan() settlement.Settings {
	return settlement.Settings{CommissionLevels: 2, LevelPercentages: []int{10, 5}, PointRate: decimal.NewFromInt(1000)}
}

func unreachableRedis() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		MaxRetries:  -1,
		DialTimeout: 100 * time.Millisecond,
	})
}

func TestRedisCache_FallsBackWhenRedisIsDown(t *testing.T) {
	// GIVEN: A cache whose Redis cannot be reached
	// WHEN: Settings are read
	// THEN: The inner store answers and no error surfaces

	inner := &countingStore{Static: NewStatic(basePlan())}
	client := unreachableRedis()
	defer client.Close()
	cache := NewRedisCache(client, inner, time.Minute)

	s, err := cache.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.CommissionLevels)
	assert.Equal(t, 1, inner.reads)
}

func TestRedisCache_InnerFailureSurfaces(t *testing.T) {
	boom := errors.New("database down")
	inner := &countingStore{Static: NewStatic(basePlan()), fail: boom}
	client := unreachableRedis()
	defer client.Close()
	cache := NewRedisCache(client, inner, time.Minute)

	_, err := cache.Settings(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestRedisCache_FailureIsUpstreamForEngine(t *testing.T) {
	inner := &countingStore{Static: NewStatic(basePlan()), fail: errors.New("database down")}
	client := unreachableRedis()
	defer client.Close()

	e := settlement.NewEngine(nil, NewRedisCache(client, inner, time.Minute), settlement.Options{})
	_, err := e.Snapshot(context.Background())
	assert.ErrorIs(t, err, settlement.ErrUpstreamUnavailable)
	assert.True(t, settlement.IsRetryable(err))
}

func newLiveCache(t *testing.T, inner settlement.SettingsStore) *RedisCache {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	client, err := NewRedisClient(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	cache := NewRedisCache(client, inner, time.Minute).WithKey("settlement:test:" + uuid.NewString())
	t.Cleanup(func() { cache.Invalidate(context.Background()) })
	return cache
}

func TestRedisCache_ReadThroughAndInvalidate(t *testing.T) {
	// GIVEN: A live Redis in front of a counting store
	// WHEN: Reading twice, saving a new plan, then reading again
	// THEN: The second read is a hit and the save invalidates the cached copy

	inner := &countingStore{Static: NewStatic(basePlan())}
	cache := newLiveCache(t, inner)
	ctx := context.Background()

	_, err := cache.Settings(ctx)
	require.NoError(t, err)
	_, err = cache.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.reads)

	require.NoError(t, cache.SaveSettings(ctx, settlement.Settings{CommissionLevels: 1, LevelPercentages: []int{7}, PointRate: decimal.NewFromInt(10)}))

	s, err := cache.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.reads)
	assert.Equal(t, 7, s.PercentageFor(1))
}
