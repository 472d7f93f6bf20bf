package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// ValidationStore persists count_validation rows.
type ValidationStore struct {
	pool Pool
}

const validationColumns = `batch_date, source, expected_count, actual_count, failed_count, page_count,
status, counting_started_at, counting_completed_at, scraping_started_at, scraping_completed_at`

const upsertValidationSQL = `
INSERT INTO count_validation (` + validationColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (batch_date, source) DO UPDATE SET
	expected_count = EXCLUDED.expected_count,
	actual_count = EXCLUDED.actual_count,
	failed_count = EXCLUDED.failed_count,
	page_count = EXCLUDED.page_count,
	status = EXCLUDED.status,
	counting_started_at = EXCLUDED.counting_started_at,
	counting_completed_at = EXCLUDED.counting_completed_at,
	scraping_started_at = EXCLUDED.scraping_started_at,
	scraping_completed_at = EXCLUDED.scraping_completed_at`

// Get loads the row for key.
func (s *ValidationStore) Get(ctx context.Context, key ingest.BatchKey) (ingest.CountValidation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+validationColumns+` FROM count_validation WHERE batch_date = $1 AND source = $2`,
		key.BatchDate, key.Source,
	)
	v, err := scanValidation(row)
	if err != nil {
		return ingest.CountValidation{}, fmt.Errorf("get count validation %s: %w", key, notFound(err))
	}
	return v, nil
}

// Save inserts or replaces the row for its key.
func (s *ValidationStore) Save(ctx context.Context, v ingest.CountValidation) error {
	_, err := s.pool.Exec(ctx, upsertValidationSQL,
		v.BatchDate,
		v.Source,
		v.Expected,
		v.Actual,
		v.Failed,
		v.Pages,
		string(v.Status),
		v.CountingStartedAt,
		v.CountingCompletedAt,
		v.ScrapingStartedAt,
		v.ScrapingCompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save count validation %s: %w", v.Key(), err)
	}
	return nil
}

// List returns the rows of batchDate ordered by source.
func (s *ValidationStore) List(ctx context.Context, batchDate time.Time) ([]ingest.CountValidation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+validationColumns+` FROM count_validation WHERE batch_date = $1 ORDER BY source`,
		batchDate,
	)
	if err != nil {
		return nil, fmt.Errorf("list count validations: %w", err)
	}
	defer rows.Close()

	var out []ingest.CountValidation
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan count validation: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate count validations: %w", err)
	}
	return out, nil
}

func scanValidation(row pgx.Row) (ingest.CountValidation, error) {
	var (
		v      ingest.CountValidation
		status string
	)
	err := row.Scan(
		&v.BatchDate,
		&v.Source,
		&v.Expected,
		&v.Actual,
		&v.Failed,
		&v.Pages,
		&status,
		&v.CountingStartedAt,
		&v.CountingCompletedAt,
		&v.ScrapingStartedAt,
		&v.ScrapingCompletedAt,
	)
	if err != nil {
		return ingest.CountValidation{}, err //nolint:wrapcheck // callers wrap with context
	}
	v.Status = ingest.ValidationStatus(status)
	return v, nil
}
