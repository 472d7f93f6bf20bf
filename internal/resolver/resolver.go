// Package resolver decides whether a new observation creates, replaces, or is
// suppressed by the stored announcement sharing its identity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/metrics"
)

const noIdentityNote = "no identity computed; stored without deduplication"

// Observation is one fetched announcement ready for resolution.
type Observation struct {
	BatchDate         time.Time
	Folder            string
	SourceName        string
	SourceType        ingest.SourceType
	Title             string
	Content           string
	PublishedAt       *time.Time
	OriginURL         string
	Domain            string
	CanonicalIdentity string
	// IdentityHash is empty when canonicalization produced no identity.
	IdentityHash string
	ContentHash  string
}

// Config controls optional Resolver behavior.
type Config struct {
	// Topic receives a notification for every record that was written.
	Topic string
}

// Resolver applies the priority ordering against the store's conflict primitive.
type Resolver struct {
	store      ingest.AnnouncementStore
	log        ingest.DecisionLog
	priorities PriorityTable
	clock      ingest.Clock
	publisher  ingest.Publisher
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Resolver. publisher may be nil.
func New(
	store ingest.AnnouncementStore,
	log ingest.DecisionLog,
	priorities PriorityTable,
	clock ingest.Clock,
	publisher ingest.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:      store,
		log:        log,
		priorities: priorities,
		clock:      clock,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
	}
}

// Resolve stores obs according to the priority rules and returns the decision.
// The decision is appended to the decision log before Resolve returns. Storage
// failures come back wrapped in ingest.ErrStorage and are never reported as a
// kept-existing decision.
func (r *Resolver) Resolve(ctx context.Context, obs Observation) (ingest.Decision, error) {
	decision := ingest.Decision{
		IdentityHash:   obs.IdentityHash,
		IncomingSource: obs.SourceType,
	}

	incoming, err := r.priorities.Priority(obs.SourceType)
	if err != nil {
		decision.Kind = ingest.DecisionError
		decision.Note = err.Error()
		r.logger.Error("observation from unranked source type",
			zap.String("source", obs.SourceName),
			zap.String("source_type", string(obs.SourceType)),
			zap.Error(err),
		)
		return decision, r.finish(ctx, obs, decision, err)
	}
	decision.IncomingPriority = incoming

	now := r.clock.Now()
	rec := obs.record(incoming, now)

	if obs.IdentityHash == "" {
		if _, err := r.store.InsertUnkeyed(ctx, rec); err != nil {
			return r.storageFailure(ctx, obs, decision, err)
		}
		decision.Kind = ingest.DecisionNew
		decision.Note = noIdentityNote
		if err := r.finish(ctx, obs, decision, nil); err != nil {
			return decision, err
		}
		r.notify(ctx, rec, decision)
		return decision, nil
	}

	decide := func(existing ingest.Announcement) (bool, error) {
		existingPriority, err := r.priorities.Priority(existing.SourceType)
		if err != nil {
			return false, err
		}
		decision.ExistingSource = existing.SourceType
		decision.ExistingPriority = &existingPriority
		switch {
		case incoming > existingPriority:
			decision.Kind = ingest.DecisionReplaced
			return true, nil
		case incoming == existingPriority:
			decision.Kind = ingest.DecisionSamePriorityDuplicate
			return true, nil
		default:
			decision.Kind = ingest.DecisionKeptExisting
			return false, nil
		}
	}

	res, err := r.store.Upsert(ctx, rec, decide)
	switch {
	case errors.Is(err, ingest.ErrUnknownSourceType):
		decision.Kind = ingest.DecisionError
		decision.Note = err.Error()
		r.logger.Error("stored announcement has unranked source type",
			zap.String("identity_hash", obs.IdentityHash),
			zap.Error(err),
		)
		return decision, r.finish(ctx, obs, decision, err)
	case err != nil:
		return r.storageFailure(ctx, obs, decision, err)
	}

	switch {
	case res.Inserted:
		decision.Kind = ingest.DecisionNew
	case res.ExistingErr != nil:
		// The write went through as a plain upsert; record why no comparison happened.
		decision.Kind = ingest.DecisionError
		decision.Note = fmt.Sprintf("existing row unreadable, wrote observation unconditionally: %v", res.ExistingErr)
		r.logger.Warn("resolution fell back to unconditional upsert",
			zap.String("identity_hash", obs.IdentityHash),
			zap.Error(res.ExistingErr),
		)
	}

	if err := r.finish(ctx, obs, decision, nil); err != nil {
		return decision, err
	}
	if decision.Kind != ingest.DecisionKeptExisting {
		r.notify(ctx, rec, decision)
	}
	return decision, nil
}

// storageFailure records an error decision when the log is still reachable and
// returns the cause marked as a storage failure.
func (r *Resolver) storageFailure(
	ctx context.Context,
	obs Observation,
	decision ingest.Decision,
	cause error,
) (ingest.Decision, error) {
	decision.Kind = ingest.DecisionError
	decision.Note = cause.Error()
	storageErr := ingest.StorageError(fmt.Errorf("resolve %s: %w", obs.OriginURL, cause))
	if err := r.finish(ctx, obs, decision, storageErr); err != nil {
		r.logger.Warn("decision log unavailable", zap.Error(err))
	}
	return decision, storageErr
}

// finish appends the decision and counts it. It returns cause unchanged when
// set, otherwise any decision log failure.
func (r *Resolver) finish(ctx context.Context, obs Observation, decision ingest.Decision, cause error) error {
	metrics.ObserveDecision(string(obs.SourceType), string(decision.Kind))
	entry := ingest.DecisionEntry{
		SourceName:       obs.SourceName,
		IncomingSource:   obs.SourceType,
		Decision:         decision.Kind,
		IncomingPriority: decision.IncomingPriority,
		ExistingPriority: decision.ExistingPriority,
		OriginURL:        obs.OriginURL,
		Note:             decision.Note,
		CreatedAt:        r.clock.Now(),
	}
	if obs.IdentityHash != "" {
		hash := obs.IdentityHash
		entry.IdentityHash = &hash
	}
	if decision.ExistingSource != "" {
		existing := decision.ExistingSource
		entry.ExistingSource = &existing
	}
	logErr := r.log.Append(ctx, entry)
	r.logger.Debug("decision recorded",
		zap.String("source", obs.SourceName),
		zap.String("identity_hash", obs.IdentityHash),
		zap.String("decision", string(decision.Kind)),
	)
	if cause != nil {
		if logErr != nil {
			r.logger.Warn("append decision failed", zap.Error(logErr))
		}
		return cause
	}
	if logErr != nil {
		return ingest.StorageError(fmt.Errorf("append decision: %w", logErr))
	}
	return nil
}

func (r *Resolver) notify(ctx context.Context, rec ingest.Announcement, decision ingest.Decision) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"identity_hash": decision.IdentityHash,
		"decision":      decision.Kind,
		"source":        rec.SourceName,
		"source_type":   rec.SourceType,
		"origin_url":    rec.OriginURL,
		"batch_date":    rec.BatchDate.Format(ingest.DateLayout),
		"content_hash":  rec.ContentHash,
		"timestamp":     r.clock.Now().Format(time.RFC3339),
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, payload); err != nil {
		r.logger.Warn("publish announcement event failed",
			zap.String("origin_url", rec.OriginURL),
			zap.Error(err),
		)
	}
}

func (o Observation) record(priority int, now time.Time) ingest.Announcement {
	rec := ingest.Announcement{
		BatchDate:      o.BatchDate,
		Folder:         o.Folder,
		SourceName:     o.SourceName,
		SourceType:     o.SourceType,
		SourcePriority: priority,
		Title:          o.Title,
		Content:        o.Content,
		PublishedAt:    o.PublishedAt,
		OriginURL:      o.OriginURL,
		Domain:         o.Domain,
		ContentHash:    o.ContentHash,
		Status:         ingest.AnnouncementPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if o.IdentityHash != "" {
		identity, hash := o.CanonicalIdentity, o.IdentityHash
		rec.CanonicalIdentity = &identity
		rec.IdentityHash = &hash
	}
	return rec
}
