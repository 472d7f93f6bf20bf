package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

var (
	batchDay = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	stamp    = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
)

func keyedRecord(st ingest.SourceType, priority int) ingest.Announcement {
	identity, hash := "x.test|4821", "hash-4821"
	return ingest.Announcement{
		BatchDate:         batchDay,
		Folder:            "2024-05-01/" + string(st),
		SourceName:        string(st),
		SourceType:        st,
		SourcePriority:    priority,
		Title:             "Road closure",
		Content:           "body",
		OriginURL:         "https://x.test/board/4821/view",
		Domain:            "x.test",
		CanonicalIdentity: &identity,
		IdentityHash:      &hash,
		ContentHash:       "c0ffee",
		Status:            ingest.AnnouncementPending,
		CreatedAt:         stamp,
		UpdatedAt:         stamp,
	}
}

func existingRows(rec ingest.Announcement) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "batch_date", "folder", "source_name", "source_type", "source_priority",
		"title", "content", "published_at", "origin_url", "domain", "canonical_identity", "identity_hash",
		"content_hash", "status", "created_at", "updated_at",
	}).AddRow(
		int64(7), rec.BatchDate, rec.Folder, rec.SourceName, string(rec.SourceType), rec.SourcePriority,
		rec.Title, rec.Content, nil, rec.OriginURL, rec.Domain, rec.CanonicalIdentity, rec.IdentityHash,
		rec.ContentHash, string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)
}

func TestUpsertInsertsNewIdentity(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	rec := keyedRecord(ingest.SourceHomepageScrape, 1)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (identity_hash) DO NOTHING")).
		WithArgs(anyArgs(16)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectCommit()

	res, err := db.Announcements().Upsert(context.Background(), rec, func(ingest.Announcement) (bool, error) {
		t.Fatal("decide must not run for a fresh identity")
		return false, nil
	})
	require.NoError(t, err)
	require.True(t, res.Inserted)
	require.Nil(t, res.Existing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertOverwritesWhenDecideAgrees(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	existing := keyedRecord(ingest.SourceHomepageScrape, 1)
	incoming := keyedRecord(ingest.SourceCivilAffairsPortal, 2)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO announcement").WithArgs(anyArgs(16)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FOR UPDATE").WithArgs("hash-4821").WillReturnRows(existingRows(existing))
	args := append([]any{int64(7)}, anyArgs(15)...)
	args[4] = "civil_affairs_portal"
	mock.ExpectExec("UPDATE announcement SET").WithArgs(args...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	var seen ingest.Announcement
	res, err := db.Announcements().Upsert(context.Background(), incoming, func(cur ingest.Announcement) (bool, error) {
		seen = cur
		return true, nil
	})
	require.NoError(t, err)
	require.False(t, res.Inserted)
	require.True(t, res.Overwritten)
	require.Equal(t, ingest.SourceHomepageScrape, seen.SourceType)
	require.Equal(t, int64(7), res.Existing.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertKeepsExistingWhenDecideDeclines(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	existing := keyedRecord(ingest.SourceExternalAPI, 3)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO announcement").WithArgs(anyArgs(16)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FOR UPDATE").WithArgs("hash-4821").WillReturnRows(existingRows(existing))
	mock.ExpectCommit()

	res, err := db.Announcements().Upsert(context.Background(), keyedRecord(ingest.SourceHomepageScrape, 1),
		func(ingest.Announcement) (bool, error) { return false, nil })
	require.NoError(t, err)
	require.False(t, res.Overwritten)
	require.Equal(t, ingest.SourceExternalAPI, res.Existing.SourceType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertFallsBackWhenExistingVanishes(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO announcement").WithArgs(anyArgs(16)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FOR UPDATE").WithArgs("hash-4821").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (identity_hash) DO UPDATE")).WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := db.Announcements().Upsert(context.Background(), keyedRecord(ingest.SourceHomepageScrape, 1),
		func(ingest.Announcement) (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, res.Overwritten)
	require.ErrorIs(t, res.ExistingErr, ingest.ErrExistingVanished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRollsBackWhenDecideFails(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO announcement").WithArgs(anyArgs(16)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("FOR UPDATE").WithArgs("hash-4821").
		WillReturnRows(existingRows(keyedRecord(ingest.SourceHomepageScrape, 1)))
	mock.ExpectRollback()

	_, err := db.Announcements().Upsert(context.Background(), keyedRecord(ingest.SourceHomepageScrape, 1),
		func(ingest.Announcement) (bool, error) { return false, ingest.ErrUnknownSourceType })
	require.ErrorIs(t, err, ingest.ErrUnknownSourceType)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSurfacesConnectionErrors(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

	_, err := db.Announcements().Upsert(context.Background(), keyedRecord(ingest.SourceHomepageScrape, 1),
		func(ingest.Announcement) (bool, error) { return true, nil })
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresIdentity(t *testing.T) {
	t.Parallel()

	db, _ := newMockDB(t)
	rec := keyedRecord(ingest.SourceHomepageScrape, 1)
	rec.IdentityHash = nil
	_, err := db.Announcements().Upsert(context.Background(), rec, nil)
	require.Error(t, err)
}

func TestInsertUnkeyedClearsIdentity(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	rec := keyedRecord(ingest.SourceHomepageScrape, 1)
	args := anyArgs(16)
	args[10] = (*string)(nil)
	args[11] = (*string)(nil)
	mock.ExpectQuery("INSERT INTO announcement").WithArgs(args...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	id, err := db.Announcements().InsertUnkeyed(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateByIdentity(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT status, source_type FROM announcement").WithArgs("h1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "source_type"}).AddRow("completed", "external_api"))
	mock.ExpectQuery("SELECT status, source_type FROM announcement").WithArgs("h2").
		WillReturnRows(pgxmock.NewRows([]string{"status", "source_type"}))

	store := db.Announcements()
	state, err := store.StateByIdentity(context.Background(), "h1")
	require.NoError(t, err)
	require.Equal(t, ingest.IdentityState{Status: ingest.AnnouncementCompleted, SourceType: ingest.SourceExternalAPI}, state)

	_, err = store.StateByIdentity(context.Background(), "h2")
	require.ErrorIs(t, err, ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCompleted(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectExec("UPDATE announcement SET status").WithArgs("h1", "completed", stamp).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE announcement SET status").WithArgs("missing", "completed", stamp).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := db.Announcements()
	require.NoError(t, store.MarkCompleted(context.Background(), "h1", stamp))
	require.ErrorIs(t, store.MarkCompleted(context.Background(), "missing", stamp), ingest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityStatsComputesRatio(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectQuery("GROUP BY domain").WillReturnRows(
		pgxmock.NewRows([]string{"domain", "total", "unkeyed"}).
			AddRow("a.test", int64(4), int64(1)).
			AddRow("b.test", int64(2), int64(0)),
	)

	stats, err := db.Announcements().IdentityStats(context.Background())
	require.NoError(t, err)
	require.Equal(t, []ingest.DomainIdentityStats{
		{Domain: "a.test", Total: 4, Unkeyed: 1, Ratio: 0.25},
		{Domain: "b.test", Total: 2, Unkeyed: 0, Ratio: 0},
	}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}
