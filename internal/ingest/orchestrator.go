// Canopy - Sensor Telemetry Ingestion and Real-Time Fanout
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/canopy

// Package ingest drives one adapter batch through the ingestion pipeline:
//
//	Received -> Admitted -> Deduplicated -> Normalized -> Persisted -> FanoutTriggered -> Closed
//
// with Rejected reachable from any non-terminal state. Readings that fail
// validation are rejected individually and recorded as IngestionErrors; the
// rest of the batch proceeds. Only infrastructure failures (idempotency
// backend, store) reject the whole batch, and those release every key the
// batch reserved so the sender's retry is processed as new work.
//
// Keys are reserved on behalf of the session, and the session is written
// with its candidate keys before any reservation is made. If the process
// dies before the readings commit, session cleanup can release exactly the
// keys this session holds.
//
// Accepted readings are written in one transaction. Live subscribers and
// the alert evaluator are fed from the store's change feed, never from
// here, so nothing is pushed that did not commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tomtom215/canopy/internal/idempotency"
	"github.com/tomtom215/canopy/internal/logging"
	"github.com/tomtom215/canopy/internal/metrics"
	"github.com/tomtom215/canopy/internal/models"
	"github.com/tomtom215/canopy/internal/normalize"
)

// ErrInvalidBatch is returned for a batch missing its identity or readings.
var ErrInvalidBatch = errors.New("ingest: invalid batch")

// Admitter gates batches before any work is done.
type Admitter interface {
	Admit(ctx context.Context) (release func(), err error)
}

// Deduplicator reserves idempotency keys.
type Deduplicator interface {
	CheckAndReserve(ctx context.Context, key, owner string, scope models.IdempotencyScope) (idempotency.Result, error)
	Release(ctx context.Context, key, owner string, scope models.IdempotencyScope) error
}

// Normalizer canonicalizes a raw reading.
type Normalizer interface {
	Normalize(ctx context.Context, raw *models.RawReading, id models.StreamIdentity) (*normalize.CanonicalReading, error)
}

// Store is the persistence the orchestrator writes to.
type Store interface {
	AppendReadings(ctx context.Context, readings []*models.SensorReading) error
	CreateSession(ctx context.Context, s *models.IngestionSession) error
	UpdateSession(ctx context.Context, s *models.IngestionSession) error
	AppendErrors(ctx context.Context, errs []*models.IngestionError) error
}

// StageError is an infrastructure failure that rejected a whole batch.
type StageError struct {
	Stage     State
	SessionID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingest %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Orchestrator is safe for concurrent use; each Process call owns its batch.
type Orchestrator struct {
	admission Admitter
	dedup     Deduplicator
	normalize Normalizer
	store     Store
	log       zerolog.Logger
	now       func() time.Time
}

// New returns an orchestrator wired to its collaborators.
func New(admission Admitter, dedup Deduplicator, normalizer Normalizer, st Store) *Orchestrator {
	return &Orchestrator{
		admission: admission,
		dedup:     dedup,
		normalize: normalizer,
		store:     st,
		log:       logging.WithComponent("ingest"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// batchRun is the mutable state of one Process call.
type batchRun struct {
	batch    *models.IngestBatch
	session  *models.IngestionSession
	state    State
	results  []models.ReadingResult
	reserved []string // fresh keys, released on infrastructure failure
	pending  []*models.SensorReading
	errs     []*models.IngestionError
	log      zerolog.Logger
}

func (r *batchRun) advance(to State) {
	if !CanTransition(r.state, to) {
		// A programming error, not a runtime condition.
		panic(fmt.Sprintf("ingest: illegal transition %s -> %s", r.state, to))
	}
	r.log.Trace().Str("from", string(r.state)).Str("to", string(to)).Msg("Batch state transition")
	r.state = to
	if r.session != nil {
		r.session.Stage = string(to)
	}
}

// Process runs batch through the pipeline. A non-nil error means the
// batch as a whole was not processed: admission refused it (an
// *admission.RateLimitedError), it was malformed (ErrInvalidBatch), or
// infrastructure failed (*StageError). Otherwise every reading has a
// definitive outcome in the result.
func (o *Orchestrator) Process(ctx context.Context, batch *models.IngestBatch) (*models.BatchResult, error) {
	start := time.Now()
	if err := validateBatch(batch); err != nil {
		return nil, err
	}

	run := &batchRun{
		batch:   batch,
		state:   StateReceived,
		results: make([]models.ReadingResult, len(batch.Readings)),
	}

	release, err := o.admission.Admit(ctx)
	if err != nil {
		metrics.RecordBatch(string(batch.Protocol), string(StateRejected), time.Since(start))
		return nil, err
	}
	defer release()

	session := &models.IngestionSession{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SiteID:         batch.SiteID,
		EquipmentID:    batch.EquipmentID,
		Protocol:       batch.Protocol,
		IdempotencyKey: batch.IdempotencyKey,
		StartedAt:      o.now(),
		State:          models.SessionOpen,
		ReservedKeys:   candidateKeys(batch),
	}
	run.session = session
	run.log = o.log.With().
		Str("session_id", session.ID).
		Str("site_id", batch.SiteID).
		Str("equipment_id", batch.EquipmentID).
		Str("protocol", string(batch.Protocol)).
		Logger()
	run.advance(StateAdmitted)

	if err := o.store.CreateSession(ctx, session); err != nil {
		metrics.RecordBatch(string(batch.Protocol), string(StateRejected), time.Since(start))
		return nil, &StageError{Stage: StateAdmitted, Err: fmt.Errorf("create session: %w", err)}
	}

	if err := o.deduplicate(ctx, run); err != nil {
		return nil, o.fail(ctx, run, start, err)
	}
	run.advance(StateDeduplicated)

	if err := o.normalizeAll(ctx, run); err != nil {
		return nil, o.fail(ctx, run, start, err)
	}
	run.advance(StateNormalized)

	if len(run.pending) > 0 {
		if err := o.store.AppendReadings(ctx, run.pending); err != nil {
			return nil, o.fail(ctx, run, start, fmt.Errorf("append readings: %w", err))
		}
	}
	run.advance(StatePersisted)

	if len(run.errs) > 0 {
		if err := o.store.AppendErrors(ctx, run.errs); err != nil {
			// Readings are committed; losing audit rows must not fail the batch.
			run.log.Warn().Err(err).Int("errors", len(run.errs)).Msg("Failed to record ingestion errors")
		}
	}

	// Delivery happens off the change feed once the commit is visible.
	run.advance(StateFanoutTriggered)

	run.advance(StateClosed)
	result := o.close(ctx, run)
	metrics.RecordBatch(string(batch.Protocol), string(StateClosed), time.Since(start))

	run.log.Debug().
		Int("accepted", result.Accepted).
		Int("duplicates", result.Duplicates).
		Int("rejected", result.Rejected).
		Dur("duration", time.Since(start)).
		Msg("Batch processed")
	return result, nil
}

// candidateKeys lists the per-reading keys the batch may reserve.
func candidateKeys(b *models.IngestBatch) []string {
	keys := make([]string, 0, len(b.Readings))
	seen := make(map[string]struct{}, len(b.Readings))
	for i := range b.Readings {
		k := models.ReadingKey(b.IdempotencyKey, i, &b.Readings[i])
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

func validateBatch(b *models.IngestBatch) error {
	switch {
	case b == nil:
		return fmt.Errorf("%w: nil batch", ErrInvalidBatch)
	case b.SiteID == "" || b.EquipmentID == "":
		return fmt.Errorf("%w: site and equipment are required", ErrInvalidBatch)
	case !b.Protocol.Valid():
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidBatch, b.Protocol)
	case b.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidBatch)
	case len(b.Readings) == 0:
		return fmt.Errorf("%w: no readings", ErrInvalidBatch)
	}
	return nil
}

// deduplicate reserves a key per reading. Duplicates and invalid keys get
// their final outcome here; fresh readings go on to normalization.
func (o *Orchestrator) deduplicate(ctx context.Context, run *batchRun) error {
	scope := run.batch.Scope()
	for i := range run.batch.Readings {
		raw := &run.batch.Readings[i]
		res := &run.results[i]
		res.Index = i
		res.StreamKey = raw.StreamKey

		key := models.ReadingKey(run.batch.IdempotencyKey, i, raw)
		outcome, err := o.dedup.CheckAndReserve(ctx, key, run.session.ID, scope)
		switch {
		case errors.Is(err, idempotency.ErrInvalidKey):
			o.reject(run, i, models.ReasonInvalidKey, "key must be 1-512 bytes without control separators")
			continue
		case err != nil:
			return err
		}
		if outcome == idempotency.Duplicate {
			res.Status = models.OutcomeDuplicate
			continue
		}
		run.reserved = append(run.reserved, key)
	}
	return nil
}

// normalizeAll canonicalizes every reading still without an outcome.
func (o *Orchestrator) normalizeAll(ctx context.Context, run *batchRun) error {
	now := o.now()
	for i := range run.batch.Readings {
		res := &run.results[i]
		if res.Status != "" {
			continue
		}
		raw := &run.batch.Readings[i]

		streamType, channel, err := models.ParseStreamKey(raw.StreamKey)
		if err != nil {
			o.reject(run, i, models.ReasonInvalidStreamKey, err.Error())
			continue
		}
		id := models.StreamIdentity{
			SiteID:      run.batch.SiteID,
			EquipmentID: run.batch.EquipmentID,
			StreamType:  streamType,
			Channel:     channel,
		}

		canonical, err := o.normalize.Normalize(ctx, raw, id)
		if err != nil {
			if ve, ok := normalize.AsValidation(err); ok {
				o.reject(run, i, ve.Reason, ve.Detail)
				continue
			}
			return fmt.Errorf("normalize %s: %w", id.Key(), err)
		}
		if canonical.StreamCreated {
			run.log.Info().
				Str("stream_id", canonical.Stream.ID).
				Str("stream", id.Key()).
				Str("unit", canonical.Unit).
				Msg("Provisioned sensor stream")
		}

		res.Status = models.OutcomeAccepted
		res.StreamID = canonical.Stream.ID
		run.pending = append(run.pending, &models.SensorReading{
			ID:             uuid.Must(uuid.NewV7()).String(),
			StreamID:       canonical.Stream.ID,
			SiteID:         run.batch.SiteID,
			Timestamp:      canonical.Timestamp,
			Value:          canonical.Value,
			Unit:           canonical.Unit,
			IngestedAt:     now,
			SourceProtocol: run.batch.Protocol,
			SessionID:      run.session.ID,
		})
	}
	return nil
}

func (o *Orchestrator) reject(run *batchRun, i int, reason, detail string) {
	res := &run.results[i]
	res.Status = models.OutcomeRejected
	res.Reason = reason
	res.Detail = detail

	payload, err := json.Marshal(&run.batch.Readings[i])
	if err != nil {
		payload = []byte(fmt.Sprintf("%+v", run.batch.Readings[i]))
	}
	run.errs = append(run.errs, &models.IngestionError{
		ID:           uuid.Must(uuid.NewV7()).String(),
		SessionID:    run.session.ID,
		ReadingIndex: i,
		RawPayload:   string(payload),
		Reason:       reason,
		Detail:       detail,
		CreatedAt:    o.now(),
	})
}

// fail rejects the whole batch after an infrastructure error. Reserved keys
// are released first so a retry is not mistaken for a duplicate.
func (o *Orchestrator) fail(ctx context.Context, run *batchRun, start time.Time, cause error) error {
	failedAt := run.state
	scope := run.batch.Scope()

	// The caller's context may be what failed; cleanup gets its own budget.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	for _, key := range run.reserved {
		if err := o.dedup.Release(cleanupCtx, key, run.session.ID, scope); err != nil {
			run.log.Error().Err(err).Str("key", key).Msg("Failed to release idempotency key")
		}
	}

	run.advance(StateRejected)
	run.session.Stage = string(failedAt)
	run.session.State = models.SessionRejected
	run.session.ReservedKeys = nil
	closedAt := o.now()
	run.session.ClosedAt = &closedAt
	if err := o.store.UpdateSession(cleanupCtx, run.session); err != nil {
		run.log.Warn().Err(err).Msg("Failed to mark session rejected")
	}

	metrics.RecordReadingOutcome(string(run.batch.Protocol), string(models.OutcomeRejected), models.ReasonStoreUnavailable)
	metrics.RecordBatch(string(run.batch.Protocol), string(StateRejected), time.Since(start))
	run.log.Error().Err(cause).Str("stage", string(failedAt)).Msg("Batch rejected")
	return &StageError{Stage: failedAt, SessionID: run.session.ID, Err: cause}
}

func (o *Orchestrator) close(ctx context.Context, run *batchRun) *models.BatchResult {
	result := &models.BatchResult{
		SessionID: run.session.ID,
		State:     string(models.SessionClosed),
		Readings:  run.results,
	}
	protocol := string(run.batch.Protocol)
	for i := range run.results {
		res := &run.results[i]
		switch res.Status {
		case models.OutcomeAccepted:
			result.Accepted++
		case models.OutcomeDuplicate:
			result.Duplicates++
		case models.OutcomeRejected:
			result.Rejected++
		}
		metrics.RecordReadingOutcome(protocol, string(res.Status), res.Reason)
	}

	closedAt := o.now()
	run.session.State = models.SessionClosed
	run.session.ReservedKeys = nil
	run.session.ClosedAt = &closedAt
	run.session.Accepted = result.Accepted
	run.session.Duplicates = result.Duplicates
	run.session.Rejected = result.Rejected
	if err := o.store.UpdateSession(ctx, run.session); err != nil {
		run.log.Warn().Err(err).Msg("Failed to close session")
	}
	return result
}
