package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// DecisionLog appends to duplicate_decision_log.
type DecisionLog struct {
	pool Pool
}

const insertDecisionSQL = `
INSERT INTO duplicate_decision_log (
	identity_hash, source_name, incoming_source, existing_source, decision,
	incoming_priority, existing_priority, origin_url, note, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

// Append records one decision.
func (l *DecisionLog) Append(ctx context.Context, entry ingest.DecisionEntry) error {
	var existing *string
	if entry.ExistingSource != nil {
		existing = nullable(string(*entry.ExistingSource))
	}
	_, err := l.pool.Exec(ctx, insertDecisionSQL,
		entry.IdentityHash,
		entry.SourceName,
		string(entry.IncomingSource),
		existing,
		string(entry.Decision),
		entry.IncomingPriority,
		entry.ExistingPriority,
		entry.OriginURL,
		nullable(entry.Note),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}
