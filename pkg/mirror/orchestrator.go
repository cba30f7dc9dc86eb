// Package mirror assembles the pipeline and exposes its lifecycle:
// start and stop the change-event subscription, refresh the object
// registry, and report service statistics to the admin surface.
package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/models"
	"github.com/crmmirror/crmmirror/pkg/ratelimit"
	"github.com/crmmirror/crmmirror/pkg/registry"
	"github.com/crmmirror/crmmirror/pkg/store"
	"github.com/crmmirror/crmmirror/pkg/subscribe"
	"github.com/crmmirror/crmmirror/pkg/syncer"
)

// SubscriptionController is the slice of the subscription lifecycle
// the orchestrator drives.
type SubscriptionController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() subscribe.State
	IsSubscribed() bool
}

// Orchestrator drives the mirroring service lifecycle.
type Orchestrator struct {
	subscription SubscriptionController
	registry     *registry.Registry
	synchronizer *syncer.Synchronizer
	limiter      *ratelimit.Limiter
	store        store.Store
	logger       zerolog.Logger
	now          func() time.Time

	mu        sync.Mutex
	running   bool
	startTime time.Time
}

// NewOrchestrator wires the pipeline's lifecycle.
func NewOrchestrator(
	sub SubscriptionController,
	reg *registry.Registry,
	sync *syncer.Synchronizer,
	limiter *ratelimit.Limiter,
	st store.Store,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		subscription: sub,
		registry:     reg,
		synchronizer: sync,
		limiter:      limiter,
		store:        st,
		logger:       logger,
		now:          time.Now,
	}
}

// Start loads the object registry, restores persisted rate budgets and
// opens the subscription. Starting an already running service is a
// no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		o.logger.Info().Msg("mirroring service already running")
		return nil
	}

	if err := o.registry.Refresh(ctx); err != nil {
		return err
	}

	if budgets, err := o.store.LoadRateBudgets(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("rate budgets unavailable, starting from zero")
	} else {
		o.limiter.Restore(ctx, budgets)
	}

	if err := o.subscription.Start(ctx); err != nil {
		return err
	}

	o.running = true
	o.startTime = o.now()
	o.logger.Info().Int("objects", o.registry.Len()).Msg("mirroring service started")
	return nil
}

// Stop closes the subscription, draining any in-flight record, and
// persists the current rate budgets. Stopping a stopped service is a
// no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		o.logger.Info().Msg("mirroring service already stopped")
		return nil
	}

	if err := o.subscription.Stop(ctx); err != nil {
		return err
	}

	if err := o.store.SaveRateBudgets(ctx, o.limiter.Snapshot(ctx)); err != nil {
		o.logger.Warn().Err(err).Msg("persisting rate budgets on stop failed")
	}

	o.running = false
	o.logger.Info().Msg("mirroring service stopped")
	return nil
}

// Restart stops and starts the service. A stop failure is logged and
// does not block the start; restart exists to recover a wedged
// subscription, so refusing to start again would defeat it.
func (o *Orchestrator) Restart(ctx context.Context) error {
	if err := o.Stop(ctx); err != nil {
		o.logger.Warn().Err(err).Msg("stop during restart failed, starting anyway")
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}
	return o.Start(ctx)
}

// RefreshObjectRegistry reloads the registered object set while the
// service keeps running.
func (o *Orchestrator) RefreshObjectRegistry(ctx context.Context) error {
	return o.registry.Refresh(ctx)
}

// IsStarted reports whether the service is running.
func (o *Orchestrator) IsStarted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Statistics returns a point-in-time snapshot of the service.
func (o *Orchestrator) Statistics() models.StatsSnapshot {
	o.mu.Lock()
	running := o.running
	started := o.startTime
	o.mu.Unlock()

	snap := models.StatsSnapshot{
		IsRunning: running,
		Subscription: models.SubscriptionStats{
			IsSubscribed: o.subscription.IsSubscribed(),
			State:        o.subscription.State().String(),
		},
	}

	if running {
		t := started
		snap.StartTime = &t
		snap.Uptime = o.now().Sub(started).Round(time.Second).String()
	}

	targets := o.registry.List()
	snap.Objects.TotalCount = len(targets)
	snap.Objects.Objects = make([]models.ObjectDetail, 0, len(targets))
	for _, target := range targets {
		if target.IsCustomType {
			snap.Objects.CustomCount++
		} else {
			snap.Objects.StandardCount++
		}
		snap.Objects.Objects = append(snap.Objects.Objects, models.ObjectDetail{
			ObjectType:   target.ObjectType,
			DisplayLabel: target.DisplayLabel,
			IsCustomType: target.IsCustomType,
		})
	}

	return snap
}
