// Package ratelimit tracks outbound call counts per API category
// against configured quotas, protecting the remote platform's call
// budget. Consumption is rejected, never queued: callers decide
// whether to back off, retry, or drop.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/models"
)

// Window names the two quota windows tracked per category.
const (
	WindowDaily  = "daily"
	WindowSecond = "second"
)

// Config is the quota configuration for one API category. A zero
// limit means the window is not enforced.
type Config struct {
	MaxPerDay         int64
	MaxPerSecond      int64
	AlertThreshold    float64
	CriticalThreshold float64
}

// DefaultConfigs seeds categories with no explicit configuration, so
// an unknown category is limited rather than unbounded or failing.
var DefaultConfigs = map[string]Config{
	"query":       {MaxPerDay: 15000, AlertThreshold: 0.8, CriticalThreshold: 0.95},
	"bulk-ingest": {MaxPerDay: 10000, AlertThreshold: 0.8, CriticalThreshold: 0.95},
	"streaming":   {MaxPerDay: 15000, AlertThreshold: 0.8, CriticalThreshold: 0.95},
}

// ConfigProvider supplies quota configuration. Implementations may
// read from a config file or the durable config store; the limiter
// re-reads on every window rollover, which is what makes configuration
// hot-reloadable without restarting the limiter.
type ConfigProvider interface {
	RateLimitConfig(ctx context.Context, apiCategory string) (Config, error)
}

// ConfigProviderFunc adapts a function to ConfigProvider.
type ConfigProviderFunc func(ctx context.Context, apiCategory string) (Config, error)

func (f ConfigProviderFunc) RateLimitConfig(ctx context.Context, apiCategory string) (Config, error) {
	return f(ctx, apiCategory)
}

// QuotaExceededError reports a consumption attempt that would exceed
// the window's limit. The attempt was rejected and nothing consumed.
type QuotaExceededError struct {
	APICategory string
	Window      string
	Used        int64
	Limit       int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s (%s window): used %d of %d",
		e.APICategory, e.Window, e.Used, e.Limit)
}

// Level classifies a threshold crossing.
type Level int

const (
	LevelWarning Level = iota + 1
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// AlertFunc receives threshold crossings. These are observability
// signals only; they never block consumption.
type AlertFunc func(apiCategory string, level Level, used, limit int64)

type windowBudget struct {
	window string
	length time.Duration

	mu          sync.Mutex // serializes rollover, not consumption
	windowStart atomic.Int64
	used        atomic.Int64
	limit       atomic.Int64
	alertLevel  atomic.Int32 // highest level signalled this window
}

type categoryState struct {
	daily  *windowBudget
	second *windowBudget
	cfg    atomic.Pointer[Config]
}

// Limiter tracks one RateBudget per (category, window) pair.
// Consumption on the hot path is an atomic compare-and-increment; the
// only locking happens on first use of a category and on window
// rollover.
type Limiter struct {
	provider ConfigProvider
	alert    AlertFunc
	now      func() time.Time
	logger   zerolog.Logger

	mu   sync.RWMutex
	cats map[string]*categoryState
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithAlertFunc installs the threshold-crossing hook.
func WithAlertFunc(fn AlertFunc) Option {
	return func(l *Limiter) { l.alert = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the limiter logger.
func WithLogger(lg zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = lg }
}

// NewLimiter returns a Limiter reading quotas from provider. A nil
// provider serves DefaultConfigs only.
func NewLimiter(provider ConfigProvider, opts ...Option) *Limiter {
	l := &Limiter{
		provider: provider,
		now:      time.Now,
		logger:   zerolog.Nop(),
		cats:     make(map[string]*categoryState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CheckAndConsume consumes cost units from the category's budgets, or
// fails with QuotaExceededError when either window would be exceeded.
// Rejection consumes nothing from any window.
func (l *Limiter) CheckAndConsume(ctx context.Context, apiCategory string, cost int64) error {
	if cost <= 0 {
		cost = 1
	}

	cat := l.category(ctx, apiCategory)
	cfg := *cat.cfg.Load()

	l.rollover(ctx, apiCategory, cat, cat.second)
	l.rollover(ctx, apiCategory, cat, cat.daily)

	if err := consume(cat.second, apiCategory, cost); err != nil {
		return err
	}
	if err := consume(cat.daily, apiCategory, cost); err != nil {
		// Give back the second-window units so rejection is free.
		cat.second.used.Add(-cost)
		return err
	}

	l.signalThresholds(apiCategory, cat.daily, cfg)
	return nil
}

// Usage returns the read-only daily budget for a category.
func (l *Limiter) Usage(ctx context.Context, apiCategory string) models.RateBudget {
	cat := l.category(ctx, apiCategory)
	l.rollover(ctx, apiCategory, cat, cat.daily)

	return models.RateBudget{
		APICategory: apiCategory,
		Window:      WindowDaily,
		WindowStart: time.Unix(0, cat.daily.windowStart.Load()).UTC(),
		Used:        cat.daily.used.Load(),
		Limit:       cat.daily.limit.Load(),
	}
}

// Snapshot returns every tracked daily budget, for persistence across
// restarts within the same window.
func (l *Limiter) Snapshot(ctx context.Context) []models.RateBudget {
	l.mu.RLock()
	names := make([]string, 0, len(l.cats))
	for name := range l.cats {
		names = append(names, name)
	}
	l.mu.RUnlock()

	budgets := make([]models.RateBudget, 0, len(names))
	for _, name := range names {
		budgets = append(budgets, l.Usage(ctx, name))
	}
	return budgets
}

// Restore seeds daily usage from persisted budgets. Budgets whose
// window has already rolled over are ignored.
func (l *Limiter) Restore(ctx context.Context, budgets []models.RateBudget) {
	for _, b := range budgets {
		if b.Window != WindowDaily {
			continue
		}
		if !b.WindowStart.Equal(dayStart(l.now().UTC())) {
			continue
		}
		cat := l.category(ctx, b.APICategory)
		cat.daily.used.Store(b.Used)
		l.logger.Info().
			Str("category", b.APICategory).
			Int64("used", b.Used).
			Msg("restored rate budget from durable state")
	}
}

func (l *Limiter) category(ctx context.Context, apiCategory string) *categoryState {
	l.mu.RLock()
	cat, ok := l.cats[apiCategory]
	l.mu.RUnlock()
	if ok {
		return cat
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if cat, ok = l.cats[apiCategory]; ok {
		return cat
	}

	cfg := l.loadConfig(ctx, apiCategory)
	now := l.now().UTC()

	cat = &categoryState{
		daily:  &windowBudget{window: WindowDaily, length: 24 * time.Hour},
		second: &windowBudget{window: WindowSecond, length: time.Second},
	}
	cat.cfg.Store(&cfg)
	cat.daily.windowStart.Store(dayStart(now).UnixNano())
	cat.daily.limit.Store(cfg.MaxPerDay)
	cat.second.windowStart.Store(now.Truncate(time.Second).UnixNano())
	cat.second.limit.Store(cfg.MaxPerSecond)

	l.cats[apiCategory] = cat
	return cat
}

func (l *Limiter) loadConfig(ctx context.Context, apiCategory string) Config {
	if l.provider != nil {
		cfg, err := l.provider.RateLimitConfig(ctx, apiCategory)
		if err == nil && (cfg.MaxPerDay > 0 || cfg.MaxPerSecond > 0) {
			if cfg.AlertThreshold <= 0 {
				cfg.AlertThreshold = 0.8
			}
			if cfg.CriticalThreshold <= 0 {
				cfg.CriticalThreshold = 0.95
			}
			return cfg
		}
		if err != nil {
			l.logger.Warn().
				Str("category", apiCategory).
				Err(err).
				Msg("rate limit config unavailable, using defaults")
		}
	}

	if cfg, ok := DefaultConfigs[apiCategory]; ok {
		return cfg
	}
	return Config{MaxPerDay: 10000, AlertThreshold: 0.8, CriticalThreshold: 0.95}
}

// rollover resets the budget when its window has expired, re-reading
// the configuration so limit changes take effect at the boundary.
func (l *Limiter) rollover(ctx context.Context, apiCategory string, cat *categoryState, b *windowBudget) {
	now := l.now().UTC()
	start := time.Unix(0, b.windowStart.Load())
	if now.Sub(start) < b.length {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start = time.Unix(0, b.windowStart.Load())
	if now.Sub(start) < b.length {
		return
	}

	cfg := l.loadConfig(ctx, apiCategory)
	cat.cfg.Store(&cfg)

	var newStart time.Time
	var limit int64
	if b.window == WindowDaily {
		newStart = dayStart(now)
		limit = cfg.MaxPerDay
	} else {
		newStart = now.Truncate(time.Second)
		limit = cfg.MaxPerSecond
	}

	b.windowStart.Store(newStart.UnixNano())
	b.limit.Store(limit)
	b.used.Store(0)
	b.alertLevel.Store(0)
}

// consume performs the compare-and-increment against one window. A
// zero limit disables the window.
func consume(b *windowBudget, apiCategory string, cost int64) error {
	limit := b.limit.Load()
	if limit <= 0 {
		return nil
	}

	for {
		used := b.used.Load()
		if used+cost > limit {
			return &QuotaExceededError{
				APICategory: apiCategory,
				Window:      b.window,
				Used:        used,
				Limit:       limit,
			}
		}
		if b.used.CompareAndSwap(used, used+cost) {
			return nil
		}
	}
}

// signalThresholds fires the warning/critical hooks once per window
// per level when daily usage crosses the configured fractions.
func (l *Limiter) signalThresholds(apiCategory string, b *windowBudget, cfg Config) {
	limit := b.limit.Load()
	if limit <= 0 {
		return
	}

	used := b.used.Load()
	frac := float64(used) / float64(limit)

	var level Level
	switch {
	case frac >= cfg.CriticalThreshold:
		level = LevelCritical
	case frac >= cfg.AlertThreshold:
		level = LevelWarning
	default:
		return
	}

	prev := b.alertLevel.Load()
	if int32(level) <= prev {
		return
	}
	if !b.alertLevel.CompareAndSwap(prev, int32(level)) {
		return
	}

	l.logger.Warn().
		Str("category", apiCategory).
		Str("level", level.String()).
		Int64("used", used).
		Int64("limit", limit).
		Msg("rate budget threshold crossed")

	if l.alert != nil {
		l.alert(apiCategory, level, used, limit)
	}
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
