package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	db, err := NewWithPool(mock)
	require.NoError(t, err)
	return db, mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{})
	require.ErrorContains(t, err, "db.dsn is required")
}

func TestMigrateAppliesEmbeddedSchema(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS domain_rule").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Contains(t, schemaSQL, "identity_hash      TEXT UNIQUE")
	require.Contains(t, schemaSQL, "UNIQUE (detail_url, batch_date)")
}

func TestPingWrapsError(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err := db.Ping(context.Background())
	require.ErrorContains(t, err, "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRulesForDomainScansRows(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	pattern := `/board/(\d+)/view`
	disc := "^/notice/"
	rows := pgxmock.NewRows([]string{
		"id", "domain", "extraction_method", "path_pattern", "key_params", "path_discriminator",
	}).
		AddRow(int64(1), "x.test", "path_pattern", &pattern, nil, nil).
		AddRow(int64(2), "x.test", "query_params", nil, []string{"articleId", "catId"}, &disc)
	mock.ExpectQuery("FROM domain_rule").WithArgs("x.test").WillReturnRows(rows)

	rules, err := db.Rules().RulesForDomain(context.Background(), "X.test")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, ingest.DomainRule{
		ID: 1, Domain: "x.test", Method: ingest.MethodPathPattern, PathPattern: pattern,
	}, rules[0])
	require.Equal(t, []string{"articleId", "catId"}, rules[1].KeyParams)
	require.Equal(t, disc, rules[1].PathDiscriminator)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRulesRunsInTransaction(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	rules := []ingest.DomainRule{
		{Domain: "X.test", Method: ingest.MethodPathPattern, PathPattern: `/board/(\d+)/view`},
		{Domain: "x.test", Method: ingest.MethodQueryParams, KeyParams: []string{"id"}, PathDiscriminator: "^/n/"},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM domain_rule").WithArgs("x.test").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("INSERT INTO domain_rule").
		WithArgs("x.test", "path_pattern", pgxmock.AnyArg(), []string(nil), (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO domain_rule").
		WithArgs("x.test", "query_params", (*string)(nil), []string{"id"}, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, db.Rules().ReplaceRules(context.Background(), rules))
	require.NoError(t, mock.ExpectationsWereMet())
	require.Equal(t, "X.test", rules[0].Domain, "caller slice is not modified")
}

func TestReplaceRulesRejectsInvalidRuleBeforeWriting(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	err := db.Rules().ReplaceRules(context.Background(), []ingest.DomainRule{
		{Domain: "a.test", Method: ingest.MethodQueryParams},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceRulesRollsBackOnInsertError(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM domain_rule").WithArgs("a.test").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO domain_rule").WithArgs(anyArgs(5)...).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := db.Rules().ReplaceRules(context.Background(), []ingest.DomainRule{
		{Domain: "a.test", Method: ingest.MethodQueryParams, KeyParams: []string{"id"}},
	})
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecisionLogAppend(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	hash := "abc"
	existing := ingest.SourceHomepageScrape
	priority := 1
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	entry := ingest.DecisionEntry{
		IdentityHash:     &hash,
		SourceName:       "portal",
		IncomingSource:   ingest.SourceCivilAffairsPortal,
		ExistingSource:   &existing,
		Decision:         ingest.DecisionReplaced,
		IncomingPriority: 2,
		ExistingPriority: &priority,
		OriginURL:        "https://x.test/board/4821/view",
		CreatedAt:        at,
	}
	homepage := "homepage_scrape"
	mock.ExpectExec("INSERT INTO duplicate_decision_log").
		WithArgs(&hash, "portal", "civil_affairs_portal", &homepage, "replaced", 2, &priority,
			"https://x.test/board/4821/view", (*string)(nil), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, db.Decisions().Append(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}
