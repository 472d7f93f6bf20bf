package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// FailureStore persists failed_item rows.
type FailureStore struct {
	pool Pool
}

const failureColumns = `id, batch_date, source, title, list_url, detail_url, error_type, error_message,
retry_count, status, created_at, updated_at`

// A repeated failure of the same item refreshes the error but keeps the retry state.
const upsertFailureSQL = `
INSERT INTO failed_item (batch_date, source, title, list_url, detail_url, error_type, error_message)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (detail_url, batch_date) DO UPDATE SET
	error_type = EXCLUDED.error_type,
	error_message = EXCLUDED.error_message,
	updated_at = now()`

// Upsert inserts a pending row or refreshes the error fields of an existing one.
func (s *FailureStore) Upsert(ctx context.Context, item ingest.FailedItem) error {
	_, err := s.pool.Exec(ctx, upsertFailureSQL,
		item.BatchDate,
		item.Source,
		item.Title,
		item.ListURL,
		item.DetailURL,
		string(item.ErrorType),
		item.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("upsert failed item: %w", err)
	}
	return nil
}

// List returns rows matching filter ordered by id.
func (s *FailureStore) List(ctx context.Context, filter ingest.FailureFilter) ([]ingest.FailedItem, error) {
	var (
		conds []string
		args  []any
	)
	where := func(column string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if !filter.BatchDate.IsZero() {
		where("batch_date", filter.BatchDate)
	}
	if filter.Source != "" {
		where("source", filter.Source)
	}
	if filter.Status != "" {
		where("status", string(filter.Status))
	}

	var b strings.Builder
	b.WriteString("SELECT " + failureColumns + " FROM failed_item")
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY id")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	defer rows.Close()

	var out []ingest.FailedItem
	for rows.Next() {
		item, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failed items: %w", err)
	}
	return out, nil
}

const updateRetrySQL = `
UPDATE failed_item SET
	status = $2,
	retry_count = $3,
	error_message = COALESCE(NULLIF($4, ''), error_message),
	updated_at = $5
WHERE id = $1`

// UpdateRetry records a retry outcome. An empty errMsg keeps the previous message.
func (s *FailureStore) UpdateRetry(
	ctx context.Context,
	id int64,
	status ingest.FailureStatus,
	retryCount int,
	errMsg string,
	at time.Time,
) error {
	tag, err := s.pool.Exec(ctx, updateRetrySQL, id, string(status), retryCount, errMsg, at)
	if err != nil {
		return fmt.Errorf("update failed item %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update failed item %d: %w", id, ingest.ErrNotFound)
	}
	return nil
}

func scanFailure(row pgx.Row) (ingest.FailedItem, error) {
	var (
		item              ingest.FailedItem
		errorType, status string
	)
	err := row.Scan(
		&item.ID,
		&item.BatchDate,
		&item.Source,
		&item.Title,
		&item.ListURL,
		&item.DetailURL,
		&errorType,
		&item.ErrorMessage,
		&item.RetryCount,
		&status,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return ingest.FailedItem{}, err //nolint:wrapcheck // callers wrap with context
	}
	item.ErrorType = ingest.ErrorType(errorType)
	item.Status = ingest.FailureStatus(status)
	return item, nil
}
