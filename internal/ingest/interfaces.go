package ingest

import (
	"context"
	"time"
)

// RuleStore loads domain rules from persistent storage.
type RuleStore interface {
	// RulesForDomain returns every rule for domain in declaration order.
	RulesForDomain(ctx context.Context, domain string) ([]DomainRule, error)
	// ReplaceRules swaps the rules of each domain present in rules.
	ReplaceRules(ctx context.Context, rules []DomainRule) error
}

// DecideFunc inspects the locked pre-existing row and reports whether to overwrite it.
type DecideFunc func(existing Announcement) (overwrite bool, err error)

// UpsertResult describes what the store did for a keyed upsert.
type UpsertResult struct {
	// Inserted is true when no row held the identity hash.
	Inserted bool
	// Existing is the pre-conflict row, nil when inserted or vanished.
	Existing *Announcement
	// Overwritten is true when the existing row was replaced by the new fields.
	Overwritten bool
	// ExistingErr carries the cause when the existing row could not be read;
	// the write still went through as an unconditional upsert.
	ExistingErr error
}

// AnnouncementStore persists announcements with identity-hash conflict semantics.
type AnnouncementStore interface {
	// InsertUnkeyed stores a record that has no identity hash.
	InsertUnkeyed(ctx context.Context, rec Announcement) (int64, error)
	// Upsert atomically inserts rec or, on identity conflict, hands the locked
	// existing row to decide and overwrites it when decide returns true.
	Upsert(ctx context.Context, rec Announcement, decide DecideFunc) (UpsertResult, error)
	// StateByIdentity returns the status and winning source type stored for an
	// identity hash.
	StateByIdentity(ctx context.Context, identityHash string) (IdentityState, error)
	// MarkCompleted flags the record for identityHash as processed downstream.
	MarkCompleted(ctx context.Context, identityHash string, at time.Time) error
	// IdentityStats reports unkeyed ratios per domain.
	IdentityStats(ctx context.Context) ([]DomainIdentityStats, error)
}

// DecisionLog is the append-only duplicate decision audit trail.
type DecisionLog interface {
	Append(ctx context.Context, entry DecisionEntry) error
}

// ValidationStore persists count validation rows keyed by (batch date, source).
type ValidationStore interface {
	Get(ctx context.Context, key BatchKey) (CountValidation, error)
	Save(ctx context.Context, row CountValidation) error
	List(ctx context.Context, batchDate time.Time) ([]CountValidation, error)
}

// FailureFilter narrows failed item listings.
type FailureFilter struct {
	BatchDate time.Time
	Source    string
	Status    FailureStatus
	Limit     int
}

// FailureStore persists failed items keyed by (detail url, batch date).
type FailureStore interface {
	// Upsert inserts a pending row or refreshes the error fields of an existing one.
	Upsert(ctx context.Context, item FailedItem) error
	List(ctx context.Context, filter FailureFilter) ([]FailedItem, error)
	// UpdateRetry records a retry outcome for one row.
	UpdateRetry(ctx context.Context, id int64, status FailureStatus, retryCount int, errMsg string, at time.Time) error
}

// Lister performs the listing-only pass of a source.
type Lister interface {
	CountListing(ctx context.Context, batchDate time.Time) (Listing, error)
	ListItems(ctx context.Context, batchDate time.Time) ([]ListItem, error)
}

// DetailFetcher fetches the raw payload of one listed item.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, item ListItem) (Detail, error)
}

// Source is one upstream producer of announcements.
type Source interface {
	Name() string
	Type() SourceType
	Lister
	DetailFetcher
}

// Publisher pushes notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// BatchJob asks a worker to process one source for one batch date.
type BatchJob struct {
	RunID  string
	Key    BatchKey
	Source Source
	// Force re-resolves identities already processed downstream.
	Force bool
}

// Queue holds batch jobs waiting for a worker.
type Queue interface {
	Enqueue(ctx context.Context, job BatchJob) error
	// Dequeue blocks for the next job and returns ErrQueueClosed once drained.
	Dequeue(ctx context.Context) (BatchJob, error)
}
