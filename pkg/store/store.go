// Package store defines the persistence boundary of the mirroring
// pipeline. The local mirror, the audit logs and the durable rate
// budgets all live behind one interface so the pipeline never talks
// to a database driver directly.
package store

import (
	"context"
	"errors"

	"github.com/crmmirror/crmmirror/pkg/models"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// Store is the durable side of the pipeline.
//
// ApplyChange is the write that makes a change event durable: the
// mirrored record upsert (or delete) and its SUCCESS audit row commit
// in one transaction, so the sync log never claims an outcome the
// mirror does not reflect.
type Store interface {
	// Migrate creates or updates the supporting tables.
	Migrate(ctx context.Context) error

	// ApplyChange applies rec to the mirror and appends entry, atomically.
	ApplyChange(ctx context.Context, rec *models.ChangeRecord, entry *models.SyncLogEntry) error

	// AppendSyncLog records an outcome without touching the mirror,
	// used for failures that still need an audit row.
	AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error

	// AppendAPICallLog records one rate-tracked platform call.
	AppendAPICallLog(ctx context.Context, entry *models.APICallLog) error

	// ListRealtimeEnabledObjects returns every configured sync target.
	ListRealtimeEnabledObjects(ctx context.Context) ([]models.SyncTarget, error)

	// SaveSyncTarget inserts or updates one sync target.
	SaveSyncTarget(ctx context.Context, target models.SyncTarget) error

	// LoadRateBudgets returns all persisted rate budgets.
	LoadRateBudgets(ctx context.Context) ([]models.RateBudget, error)

	// SaveRateBudgets upserts the given budgets.
	SaveRateBudgets(ctx context.Context, budgets []models.RateBudget) error

	Close() error
}
