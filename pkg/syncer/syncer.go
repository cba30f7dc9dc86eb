// Package syncer applies decoded change records to the local mirror.
// Every applied record leaves an audit row; acknowledgement decisions
// hang off whether that row was durably written.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/crmmirror/crmmirror/pkg/models"
	"github.com/crmmirror/crmmirror/pkg/ratelimit"
	"github.com/crmmirror/crmmirror/pkg/registry"
	"github.com/crmmirror/crmmirror/pkg/store"
)

// StreamingCategory is the rate budget consumed per mirrored event.
const StreamingCategory = "streaming"

// Outcome is the result of applying one change record.
//
// Durable reports whether the outcome was recorded in the store: a
// durable outcome, success or failure, may be acknowledged upstream.
// A non-durable outcome must be redelivered.
type Outcome struct {
	Status  models.SyncStatus
	Skipped bool
	Durable bool
	Err     error
}

// Synchronizer turns change records into mirror writes.
type Synchronizer struct {
	store    store.Store
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	logger   zerolog.Logger
	now      func() time.Time

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// New returns a Synchronizer.
func New(st store.Store, reg *registry.Registry, limiter *ratelimit.Limiter, logger zerolog.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:    st,
		registry: reg,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Counters returns applied, failed and skipped record counts.
func (s *Synchronizer) Counters() (succeeded, failed, skipped int64) {
	return s.succeeded.Load(), s.failed.Load(), s.skipped.Load()
}

// Apply processes one change record.
//
// Records missing an object type or record id are skipped.
// Unregistered object types are skipped without consuming budget.
// Registered records consume one unit of the streaming budget; an
// exhausted budget returns a non-durable outcome so the event comes
// back later. A mirror write failure is recorded as a FAILED audit
// row, which is itself a durable outcome.
func (s *Synchronizer) Apply(ctx context.Context, rec *models.ChangeRecord) Outcome {
	if rec == nil {
		return Outcome{Durable: true, Skipped: true}
	}

	if rec.ObjectType == "" || rec.RecordID == "" {
		s.skipped.Add(1)
		s.logger.Warn().
			Str("object_type", rec.ObjectType).
			Str("record_id", rec.RecordID).
			Msg("change record missing identity, skipping")
		return Outcome{Durable: true, Skipped: true}
	}

	if !s.registry.IsRegistered(rec.ObjectType) {
		s.skipped.Add(1)
		s.logger.Debug().
			Str("object_type", rec.ObjectType).
			Str("record_id", rec.RecordID).
			Msg("object type not registered, skipping")
		return Outcome{Durable: true, Skipped: true}
	}

	if err := s.limiter.CheckAndConsume(ctx, StreamingCategory, 1); err != nil {
		var qe *ratelimit.QuotaExceededError
		if errors.As(err, &qe) {
			s.logger.Warn().
				Str("object_type", rec.ObjectType).
				Str("window", qe.Window).
				Msg("streaming budget exhausted, deferring event")
			return Outcome{Durable: false, Err: err}
		}
		return Outcome{Durable: false, Err: err}
	}

	started := s.now()
	entry := s.logEntry(rec, models.SyncStatusSuccess, "")

	if err := s.store.ApplyChange(ctx, rec, entry); err != nil {
		s.failed.Add(1)
		s.logger.Error().
			Str("object_type", rec.ObjectType).
			Str("record_id", rec.RecordID).
			Err(err).
			Msg("mirror write failed")

		failedEntry := s.logEntry(rec, models.SyncStatusFailed, err.Error())
		if logErr := s.store.AppendSyncLog(ctx, failedEntry); logErr != nil {
			return Outcome{Status: models.SyncStatusFailed, Durable: false, Err: errors.Join(err, logErr)}
		}
		s.recordCall(ctx, rec, started, "FAILED", err.Error())
		return Outcome{Status: models.SyncStatusFailed, Durable: true, Err: err}
	}

	s.succeeded.Add(1)
	s.recordCall(ctx, rec, started, "SUCCESS", "")
	s.logger.Info().
		Str("object_type", rec.ObjectType).
		Str("record_id", rec.RecordID).
		Str("operation", string(rec.Operation)).
		Msg("change record mirrored")
	return Outcome{Status: models.SyncStatusSuccess, Durable: true}
}

// ApplyBatch applies records independently; one bad record never
// blocks its neighbors.
func (s *Synchronizer) ApplyBatch(ctx context.Context, recs []*models.ChangeRecord) []Outcome {
	outcomes := make([]Outcome, len(recs))
	for i, rec := range recs {
		outcomes[i] = s.Apply(ctx, rec)
	}
	return outcomes
}

// RecordDecodeFailure writes a FAILED audit row for an event that
// could not be decoded. The returned error is non-nil only when the
// row could not be written, in which case the event must not be
// acknowledged.
func (s *Synchronizer) RecordDecodeFailure(ctx context.Context, eventID, objectType string, cause error) error {
	if objectType == "" {
		objectType = "UNKNOWN"
	}

	s.failed.Add(1)
	entry := &models.SyncLogEntry{
		ObjectType:         objectType,
		RecordID:           eventID,
		Operation:          models.OperationUpdate,
		Status:             models.SyncStatusFailed,
		ErrorMessage:       cause.Error(),
		SourceTimestamp:    s.now(),
		ProcessedTimestamp: s.now(),
	}
	if err := s.store.AppendSyncLog(ctx, entry); err != nil {
		return fmt.Errorf("recording decode failure: %w", err)
	}

	s.logger.Warn().
		Str("event_id", eventID).
		Err(cause).
		Msg("undecodable event recorded as failed")
	return nil
}

func (s *Synchronizer) logEntry(rec *models.ChangeRecord, status models.SyncStatus, errMsg string) *models.SyncLogEntry {
	return &models.SyncLogEntry{
		ObjectType:         rec.ObjectType,
		RecordID:           rec.RecordID,
		Operation:          rec.Operation,
		Status:             status,
		ErrorMessage:       errMsg,
		SourceTimestamp:    rec.SourceTimestamp,
		ProcessedTimestamp: s.now(),
	}
}

// recordCall appends a best-effort API call log row. Failures are
// logged and swallowed; the call log never gates the pipeline.
func (s *Synchronizer) recordCall(ctx context.Context, rec *models.ChangeRecord, started time.Time, status, errMsg string) {
	entry := &models.APICallLog{
		APICategory:    StreamingCategory,
		Operation:      string(rec.Operation) + " " + rec.ObjectType,
		DurationMillis: s.now().Sub(started).Milliseconds(),
		Status:         status,
		ErrorMessage:   errMsg,
		CalledAt:       started,
	}
	if err := s.store.AppendAPICallLog(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Msg("api call log write failed")
	}
}
