package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmmirror/crmmirror/pkg/models"
)

func staticProvider(cfg Config) ConfigProvider {
	return ConfigProviderFunc(func(context.Context, string) (Config, error) {
		return cfg, nil
	})
}

func TestLimiter_CheckAndConsume_withinDailyBudget(t *testing.T) {
	l := NewLimiter(staticProvider(Config{MaxPerDay: 3}))

	ctx := context.Background()
	require.NoError(t, l.CheckAndConsume(ctx, "query", 1))
	require.NoError(t, l.CheckAndConsume(ctx, "query", 2))

	err := l.CheckAndConsume(ctx, "query", 1)
	require.Error(t, err)

	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "query", qe.APICategory)
	assert.Equal(t, WindowDaily, qe.Window)
	assert.Equal(t, int64(3), qe.Used)
	assert.Equal(t, int64(3), qe.Limit)
}

func TestLimiter_CheckAndConsume_rejectionConsumesNothing(t *testing.T) {
	l := NewLimiter(staticProvider(Config{MaxPerDay: 2, MaxPerSecond: 100}))
	ctx := context.Background()

	require.NoError(t, l.CheckAndConsume(ctx, "query", 2))
	require.Error(t, l.CheckAndConsume(ctx, "query", 1))

	usage := l.Usage(ctx, "query")
	assert.Equal(t, int64(2), usage.Used, "a rejected attempt must not change usage")
}

func TestLimiter_CheckAndConsume_perSecondWindow(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	l := NewLimiter(
		staticProvider(Config{MaxPerDay: 1000, MaxPerSecond: 2}),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	require.NoError(t, l.CheckAndConsume(ctx, "query", 1))
	require.NoError(t, l.CheckAndConsume(ctx, "query", 1))

	err := l.CheckAndConsume(ctx, "query", 1)
	var qe *QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, WindowSecond, qe.Window)

	// The next second opens a fresh window while the daily count keeps
	// accumulating.
	now = now.Add(time.Second)
	require.NoError(t, l.CheckAndConsume(ctx, "query", 1))
	assert.Equal(t, int64(3), l.Usage(ctx, "query").Used)
}

func TestLimiter_rolloverReloadsConfig(t *testing.T) {
	now := time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC)
	var limit atomic.Int64
	limit.Store(5)

	l := NewLimiter(
		ConfigProviderFunc(func(context.Context, string) (Config, error) {
			return Config{MaxPerDay: limit.Load()}, nil
		}),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	require.NoError(t, l.CheckAndConsume(ctx, "query", 5))
	require.Error(t, l.CheckAndConsume(ctx, "query", 1))

	// Raise the limit. It must not apply mid-window.
	limit.Store(10)
	require.Error(t, l.CheckAndConsume(ctx, "query", 1))

	now = now.Add(2 * time.Minute) // past midnight

	require.NoError(t, l.CheckAndConsume(ctx, "query", 6))
	usage := l.Usage(ctx, "query")
	assert.Equal(t, int64(10), usage.Limit, "new limit applies at the window boundary")
	assert.Equal(t, int64(6), usage.Used, "usage resets at the window boundary")
}

func TestLimiter_defaultsForUnknownProvider(t *testing.T) {
	l := NewLimiter(nil)
	usage := l.Usage(context.Background(), "bulk-ingest")
	assert.Equal(t, DefaultConfigs["bulk-ingest"].MaxPerDay, usage.Limit)
}

func TestLimiter_alertThresholds(t *testing.T) {
	type alert struct {
		level Level
		used  int64
	}
	var mu sync.Mutex
	var fired []alert

	l := NewLimiter(
		staticProvider(Config{MaxPerDay: 10, AlertThreshold: 0.8, CriticalThreshold: 0.95}),
		WithAlertFunc(func(_ string, level Level, used, _ int64) {
			mu.Lock()
			fired = append(fired, alert{level: level, used: used})
			mu.Unlock()
		}),
	)
	ctx := context.Background()

	require.NoError(t, l.CheckAndConsume(ctx, "query", 7))
	assert.Empty(t, fired, "below the warning threshold nothing fires")

	require.NoError(t, l.CheckAndConsume(ctx, "query", 1))
	require.Len(t, fired, 1)
	assert.Equal(t, LevelWarning, fired[0].level)

	require.NoError(t, l.CheckAndConsume(ctx, "query", 1))
	assert.Len(t, fired, 1, "warning fires once per window")

	require.NoError(t, l.CheckAndConsume(ctx, "query", 1))
	require.Len(t, fired, 2)
	assert.Equal(t, LevelCritical, fired[1].level)
}

func TestLimiter_concurrentConsumeNeverOversubscribes(t *testing.T) {
	const limit = 500
	l := NewLimiter(staticProvider(Config{MaxPerDay: limit}))
	ctx := context.Background()

	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if l.CheckAndConsume(ctx, "query", 1) == nil {
					granted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted.Load())
	assert.Equal(t, int64(limit), l.Usage(ctx, "query").Used)
}

func TestLimiter_restoreWithinSameWindow(t *testing.T) {
	now := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	l := NewLimiter(
		staticProvider(Config{MaxPerDay: 100}),
		WithClock(func() time.Time { return now }),
	)
	ctx := context.Background()

	l.Restore(ctx, []models.RateBudget{
		{APICategory: "query", Window: WindowDaily, WindowStart: time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), Used: 40},
		{APICategory: "streaming", Window: WindowDaily, WindowStart: time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), Used: 99},
	})

	assert.Equal(t, int64(40), l.Usage(ctx, "query").Used, "same-day budget is restored")
	assert.Equal(t, int64(0), l.Usage(ctx, "streaming").Used, "stale budget is discarded")
}

func TestLimiter_snapshotCoversTrackedCategories(t *testing.T) {
	l := NewLimiter(staticProvider(Config{MaxPerDay: 10}))
	ctx := context.Background()

	require.NoError(t, l.CheckAndConsume(ctx, "query", 3))
	require.NoError(t, l.CheckAndConsume(ctx, "streaming", 1))

	budgets := l.Snapshot(ctx)
	require.Len(t, budgets, 2)

	byCat := map[string]models.RateBudget{}
	for _, b := range budgets {
		byCat[b.APICategory] = b
	}
	assert.Equal(t, int64(3), byCat["query"].Used)
	assert.Equal(t, int64(1), byCat["streaming"].Used)
}
