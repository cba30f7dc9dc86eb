// Package registry holds the set of object types whose change events
// are mirrored. Reads are lock-free against an immutable snapshot;
// Refresh swaps in a whole new set so lookups never observe a
// half-applied reload.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/models"
)

// ConfigSource lists the sync target rows that drive the registry.
type ConfigSource interface {
	ListRealtimeEnabledObjects(ctx context.Context) ([]models.SyncTarget, error)
}

// ConfigSourceFunc adapts a function to ConfigSource.
type ConfigSourceFunc func(ctx context.Context) ([]models.SyncTarget, error)

func (f ConfigSourceFunc) ListRealtimeEnabledObjects(ctx context.Context) ([]models.SyncTarget, error) {
	return f(ctx)
}

// RefreshError wraps a failed reload. The registry keeps serving its
// previous snapshot when Refresh fails.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refreshing object registry: %v", e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Registry is the in-memory view of realtime-enabled object types,
// keyed case-insensitively by object type name.
type Registry struct {
	source ConfigSource
	logger zerolog.Logger

	snapshot atomic.Pointer[map[string]models.SyncTarget]
	writeMu  sync.Mutex // serializes Refresh/Register/Unregister
}

// New returns a Registry backed by source. It starts empty; call
// Refresh to load the initial set.
func New(source ConfigSource, logger zerolog.Logger) *Registry {
	r := &Registry{source: source, logger: logger}
	empty := map[string]models.SyncTarget{}
	r.snapshot.Store(&empty)
	return r
}

// Refresh reloads the registered set from the config source. Entries
// with realtime sync disabled are filtered out. On error the current
// snapshot stays in place and a RefreshError is returned.
func (r *Registry) Refresh(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	targets, err := r.source.ListRealtimeEnabledObjects(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("object registry refresh failed, keeping previous set")
		return &RefreshError{Err: err}
	}

	next := make(map[string]models.SyncTarget, len(targets))
	for _, t := range targets {
		if !t.IsRealtimeEnabled {
			continue
		}
		next[normalize(t.ObjectType)] = t
	}
	r.snapshot.Store(&next)

	r.logger.Info().Int("objects", len(next)).Msg("object registry refreshed")
	return nil
}

// IsRegistered reports whether events for objectType should be
// mirrored.
func (r *Registry) IsRegistered(objectType string) bool {
	_, ok := (*r.snapshot.Load())[normalize(objectType)]
	return ok
}

// Get returns the sync target for objectType.
func (r *Registry) Get(objectType string) (models.SyncTarget, bool) {
	t, ok := (*r.snapshot.Load())[normalize(objectType)]
	return t, ok
}

// Register adds a single target without a full reload. Targets with
// realtime sync disabled are rejected.
func (r *Registry) Register(target models.SyncTarget) error {
	if !target.IsRealtimeEnabled {
		return fmt.Errorf("object type %q is not realtime enabled", target.ObjectType)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	cur := *r.snapshot.Load()
	next := make(map[string]models.SyncTarget, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[normalize(target.ObjectType)] = target
	r.snapshot.Store(&next)
	return nil
}

// Unregister removes objectType from the registered set. Removing an
// unknown type is a no-op.
func (r *Registry) Unregister(objectType string) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	key := normalize(objectType)
	cur := *r.snapshot.Load()
	if _, ok := cur[key]; !ok {
		return
	}
	next := make(map[string]models.SyncTarget, len(cur)-1)
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	r.snapshot.Store(&next)
}

// List returns the registered targets sorted by object type.
func (r *Registry) List() []models.SyncTarget {
	cur := *r.snapshot.Load()
	out := make([]models.SyncTarget, 0, len(cur))
	for _, t := range cur {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectType < out[j].ObjectType })
	return out
}

// Len returns the number of registered object types.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

func normalize(objectType string) string {
	return strings.ToLower(strings.TrimSpace(objectType))
}
