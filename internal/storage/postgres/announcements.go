package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// AnnouncementStore persists announcements with identity_hash as the conflict target.
type AnnouncementStore struct {
	pool Pool
}

const announcementColumns = `id, batch_date, folder, source_name, source_type, source_priority,
title, content, published_at, origin_url, domain, canonical_identity, identity_hash,
content_hash, status, created_at, updated_at`

const insertAnnouncementSQL = `
INSERT INTO announcement (
	batch_date, folder, source_name, source_type, source_priority,
	title, content, published_at, origin_url, domain, canonical_identity, identity_hash,
	content_hash, status, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

const (
	insertUnkeyedSQL = insertAnnouncementSQL + `
RETURNING id`

	insertKeyedSQL = insertAnnouncementSQL + `
ON CONFLICT (identity_hash) DO NOTHING
RETURNING id`

	lockExistingSQL = `SELECT ` + announcementColumns + `
FROM announcement
WHERE identity_hash = $1
FOR UPDATE`

	overwriteSQL = `
UPDATE announcement SET
	batch_date = $2, folder = $3, source_name = $4, source_type = $5, source_priority = $6,
	title = $7, content = $8, published_at = $9, origin_url = $10, domain = $11,
	canonical_identity = $12, identity_hash = $13, content_hash = $14, status = $15,
	updated_at = $16
WHERE id = $1`

	forceUpsertSQL = insertAnnouncementSQL + `
ON CONFLICT (identity_hash) DO UPDATE SET
	batch_date = EXCLUDED.batch_date,
	folder = EXCLUDED.folder,
	source_name = EXCLUDED.source_name,
	source_type = EXCLUDED.source_type,
	source_priority = EXCLUDED.source_priority,
	title = EXCLUDED.title,
	content = EXCLUDED.content,
	published_at = EXCLUDED.published_at,
	origin_url = EXCLUDED.origin_url,
	domain = EXCLUDED.domain,
	canonical_identity = EXCLUDED.canonical_identity,
	content_hash = EXCLUDED.content_hash,
	status = EXCLUDED.status,
	updated_at = EXCLUDED.updated_at`
)

func announcementArgs(rec ingest.Announcement) []any {
	return []any{
		rec.BatchDate,
		rec.Folder,
		rec.SourceName,
		string(rec.SourceType),
		rec.SourcePriority,
		rec.Title,
		rec.Content,
		rec.PublishedAt,
		rec.OriginURL,
		rec.Domain,
		rec.CanonicalIdentity,
		rec.IdentityHash,
		rec.ContentHash,
		string(rec.Status),
		rec.CreatedAt,
		rec.UpdatedAt,
	}
}

// InsertUnkeyed stores a record that has no identity hash.
func (s *AnnouncementStore) InsertUnkeyed(ctx context.Context, rec ingest.Announcement) (int64, error) {
	rec.CanonicalIdentity = nil
	rec.IdentityHash = nil
	var id int64
	if err := s.pool.QueryRow(ctx, insertUnkeyedSQL, announcementArgs(rec)...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert unkeyed announcement: %w", err)
	}
	return id, nil
}

// Upsert inserts rec or, when identity_hash already exists, locks the existing
// row and lets decide choose whether to overwrite it. All of it runs in one
// transaction so concurrent writers of the same identity serialize on the row lock.
func (s *AnnouncementStore) Upsert(
	ctx context.Context,
	rec ingest.Announcement,
	decide ingest.DecideFunc,
) (ingest.UpsertResult, error) {
	if !rec.Keyed() {
		return ingest.UpsertResult{}, fmt.Errorf("upsert announcement: identity hash required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ingest.UpsertResult{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer rollback(ctx, tx)

	var id int64
	err = tx.QueryRow(ctx, insertKeyedSQL, announcementArgs(rec)...).Scan(&id)
	switch {
	case err == nil:
		if err := tx.Commit(ctx); err != nil {
			return ingest.UpsertResult{}, fmt.Errorf("commit insert: %w", err)
		}
		return ingest.UpsertResult{Inserted: true}, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return ingest.UpsertResult{}, fmt.Errorf("insert announcement: %w", err)
	}

	existing, err := scanAnnouncement(tx.QueryRow(ctx, lockExistingSQL, *rec.IdentityHash))
	if errors.Is(err, pgx.ErrNoRows) {
		// Deleted between the conflict and the lock.
		if _, err := tx.Exec(ctx, forceUpsertSQL, announcementArgs(rec)...); err != nil {
			return ingest.UpsertResult{}, fmt.Errorf("force upsert announcement: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return ingest.UpsertResult{}, fmt.Errorf("commit force upsert: %w", err)
		}
		return ingest.UpsertResult{Overwritten: true, ExistingErr: ingest.ErrExistingVanished}, nil
	}
	if err != nil {
		return ingest.UpsertResult{}, fmt.Errorf("lock existing announcement: %w", err)
	}

	overwrite, err := decide(existing)
	if err != nil {
		return ingest.UpsertResult{}, err
	}
	res := ingest.UpsertResult{Existing: &existing}
	if overwrite {
		args := append([]any{existing.ID}, announcementArgs(rec)[:14]...)
		args = append(args, rec.UpdatedAt)
		if _, err := tx.Exec(ctx, overwriteSQL, args...); err != nil {
			return ingest.UpsertResult{}, fmt.Errorf("overwrite announcement: %w", err)
		}
		res.Overwritten = true
	}
	if err := tx.Commit(ctx); err != nil {
		return ingest.UpsertResult{}, fmt.Errorf("commit upsert: %w", err)
	}
	return res, nil
}

func scanAnnouncement(row pgx.Row) (ingest.Announcement, error) {
	var (
		rec                ingest.Announcement
		sourceType, status string
	)
	err := row.Scan(
		&rec.ID,
		&rec.BatchDate,
		&rec.Folder,
		&rec.SourceName,
		&sourceType,
		&rec.SourcePriority,
		&rec.Title,
		&rec.Content,
		&rec.PublishedAt,
		&rec.OriginURL,
		&rec.Domain,
		&rec.CanonicalIdentity,
		&rec.IdentityHash,
		&rec.ContentHash,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return ingest.Announcement{}, err //nolint:wrapcheck // callers wrap with context
	}
	rec.SourceType = ingest.SourceType(sourceType)
	rec.Status = ingest.AnnouncementStatus(status)
	return rec, nil
}

// StateByIdentity returns the processing status and source type stored for
// identityHash.
func (s *AnnouncementStore) StateByIdentity(ctx context.Context, identityHash string) (ingest.IdentityState, error) {
	var status, sourceType string
	err := s.pool.QueryRow(ctx,
		`SELECT status, source_type FROM announcement WHERE identity_hash = $1`, identityHash,
	).Scan(&status, &sourceType)
	if err != nil {
		return ingest.IdentityState{}, fmt.Errorf("announcement state: %w", notFound(err))
	}
	return ingest.IdentityState{
		Status:     ingest.AnnouncementStatus(status),
		SourceType: ingest.SourceType(sourceType),
	}, nil
}

// MarkCompleted flags the record for identityHash as processed downstream.
func (s *AnnouncementStore) MarkCompleted(ctx context.Context, identityHash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE announcement SET status = $2, updated_at = $3 WHERE identity_hash = $1`,
		identityHash, string(ingest.AnnouncementCompleted), at,
	)
	if err != nil {
		return fmt.Errorf("mark announcement completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark announcement completed %s: %w", identityHash, ingest.ErrNotFound)
	}
	return nil
}

const identityStatsSQL = `
SELECT domain, count(*), count(*) FILTER (WHERE identity_hash IS NULL)
FROM announcement
GROUP BY domain
ORDER BY domain`

// IdentityStats reports the unkeyed fraction per domain, sorted by domain.
func (s *AnnouncementStore) IdentityStats(ctx context.Context) ([]ingest.DomainIdentityStats, error) {
	rows, err := s.pool.Query(ctx, identityStatsSQL)
	if err != nil {
		return nil, fmt.Errorf("query identity stats: %w", err)
	}
	defer rows.Close()

	var out []ingest.DomainIdentityStats
	for rows.Next() {
		var st ingest.DomainIdentityStats
		if err := rows.Scan(&st.Domain, &st.Total, &st.Unkeyed); err != nil {
			return nil, fmt.Errorf("scan identity stats: %w", err)
		}
		if st.Total > 0 {
			st.Ratio = float64(st.Unkeyed) / float64(st.Total)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identity stats: %w", err)
	}
	return out, nil
}
