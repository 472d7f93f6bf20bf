package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/announcement-ledger/internal/clock/system"
	"github.com/JakeFAU/announcement-ledger/internal/failures"
	"github.com/JakeFAU/announcement-ledger/internal/hash/sha256"
	"github.com/JakeFAU/announcement-ledger/internal/id/uuid"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/pipeline"
	"github.com/JakeFAU/announcement-ledger/internal/resolver"
	"github.com/JakeFAU/announcement-ledger/internal/rules"
	"github.com/JakeFAU/announcement-ledger/internal/source"
	"github.com/JakeFAU/announcement-ledger/internal/storage/memory"
	"github.com/JakeFAU/announcement-ledger/internal/validation"
	"github.com/JakeFAU/announcement-ledger/internal/worker"
)

var testDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store   *memory.Store
	orch    *Orchestrator
	inbox   string
	tracker *failures.Tracker
}

func writeManifest(t *testing.T, dir, name string, m source.Manifest) {
	t.Helper()
	path := filepath.Join(dir, testDay.Format(ingest.DateLayout), name+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func inline(url, body string) source.ManifestItem {
	return source.ManifestItem{Title: body, DetailURL: url, Content: body}
}

func newFixture(t *testing.T, workers int) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.ReplaceRules(ctx, []ingest.DomainRule{
		{Domain: "x.test", Method: ingest.MethodPathPattern, PathPattern: `^/board/(\d+)/view$`},
		{Domain: "gov.test", Method: ingest.MethodQueryParams, KeyParams: []string{"articleId", "catId"}},
	}))

	inbox := t.TempDir()
	catalog, err := source.NewCatalog([]source.Spec{
		{Name: "api", Type: "external_api"},
		{Name: "portal", Type: "civil_affairs_portal"},
		{Name: "homepage", Type: "homepage_scrape"},
	}, inbox, nil)
	require.NoError(t, err)

	clk := system.Fixed{At: testDay.Add(9 * time.Hour)}
	table, err := resolver.NewPriorityTable(map[string]int{"external_api": 1, "civil_affairs_portal": 2, "homepage_scrape": 3})
	require.NoError(t, err)
	registry := rules.NewRegistry(store, nil)
	res := resolver.New(store, store, table, clk, nil, resolver.Config{}, nil)
	pipe := pipeline.New(registry, res, store, table, nil)
	tracker := failures.New(store.Failures(), clk, 3, nil)
	orch := New(catalog, registry, validation.New(store, clk, nil), pipe, tracker, uuid.New(), Config{Workers: workers}, nil)
	return fixture{store: store, orch: orch, inbox: inbox, tracker: tracker}
}

func TestRunCrossSourceScenario(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1)
	writeManifest(t, fx.inbox, "api", source.Manifest{Pages: 1, Items: []source.ManifestItem{
		inline("https://x.test/board/4821/view?page=2", "api"),
		inline("https://gov.test/notice?catId=7&articleId=55", "api-gov"),
	}})
	writeManifest(t, fx.inbox, "portal", source.Manifest{Pages: 1, Items: []source.ManifestItem{
		inline("https://x.test/board/4821/view", "portal"),
		inline("https://gov.test/notice?articleId=55&catId=7&pageNo=3", "portal-gov"),
		inline("https://unknown.test/a?id=1", "unkeyed"),
	}})
	writeManifest(t, fx.inbox, "homepage", source.Manifest{Pages: 1, ListedCount: 2, Items: []source.ManifestItem{
		inline("https://x.test/board/4821/view?sessionid=zz", "homepage"),
	}})

	summary, err := fx.orch.Run(context.Background(), RunOptions{BatchDate: testDay})
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.Equal(t, "2024-03-01", summary.BatchDate)
	require.Len(t, summary.Batches, 3)
	require.Equal(t, worker.Stats{Processed: 6, New: 3, Replaced: 3, Unkeyed: 1}, summary.Totals)

	hash := sha256.New().Hash("x.test|4821")
	rec, ok := fx.store.Announcement(hash)
	require.True(t, ok)
	require.Equal(t, ingest.SourceHomepageScrape, rec.SourceType)

	govRec, ok := fx.store.Announcement(sha256.New().Hash("gov.test|articleId=55&catId=7"))
	require.True(t, ok)
	require.Equal(t, "portal-gov", govRec.Content)

	mismatches := summary.Mismatches()
	require.Len(t, mismatches, 1)
	require.Equal(t, "homepage", mismatches[0].Source)
	require.Len(t, fx.store.Announcements(), 3)
}

func TestRunParallelSourcesConverge(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 3)
	for _, name := range []string{"api", "portal", "homepage"} {
		writeManifest(t, fx.inbox, name, source.Manifest{Items: []source.ManifestItem{
			inline("https://x.test/board/1/view", name),
		}})
	}
	_, err := fx.orch.Run(context.Background(), RunOptions{BatchDate: testDay})
	require.NoError(t, err)
	rec, ok := fx.store.Announcement(sha256.New().Hash("x.test|1"))
	require.True(t, ok)
	require.Equal(t, "homepage", rec.Content)
	require.Len(t, fx.store.Decisions(), 3)
}

func TestRunSkipsClosedBatchesAndSelectsSources(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 2)
	writeManifest(t, fx.inbox, "api", source.Manifest{Items: []source.ManifestItem{inline("https://x.test/board/1/view", "a")}})

	first, err := fx.orch.Run(context.Background(), RunOptions{BatchDate: testDay, Sources: []string{"api"}})
	require.NoError(t, err)
	require.Len(t, first.Batches, 1)
	require.Equal(t, ingest.ValidationCompleted, first.Batches[0].Status)

	second, err := fx.orch.Run(context.Background(), RunOptions{BatchDate: testDay, Sources: []string{"api"}})
	require.NoError(t, err)
	require.True(t, second.Batches[0].Closed)
	require.Zero(t, second.Totals.Processed)

	_, err = fx.orch.Run(context.Background(), RunOptions{BatchDate: testDay, Sources: []string{"nope"}})
	require.Error(t, err)
}

func TestRunMissingManifestIsBatchError(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1)
	summary, err := fx.orch.Run(context.Background(), RunOptions{BatchDate: testDay, Sources: []string{"portal"}})
	require.NoError(t, err)
	require.ErrorIs(t, summary.Batches[0].Err, ingest.ErrNotFound)
}

type failingIDs struct{}

func (failingIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

func TestRunRequiresRunID(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, 1)
	fx.orch.ids = failingIDs{}
	_, err := fx.orch.Run(context.Background(), RunOptions{BatchDate: testDay})
	require.Error(t, err)
}

func TestRetryReingestsPendingFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, 1)
	writeManifest(t, fx.inbox, "api", source.Manifest{Items: []source.ManifestItem{
		inline("https://x.test/board/8/view", "api"),
	}})
	require.NoError(t, fx.tracker.LogFailure(ctx, ingest.FailedItem{
		BatchDate: testDay, Source: "api", DetailURL: "https://x.test/board/8/view",
		ErrorType: ingest.ErrorTypeFetch, ErrorMessage: "timeout",
	}))

	report, err := fx.orch.Retry(ctx, failures.RetryOptions{BatchDate: testDay}, false)
	require.NoError(t, err)
	require.Equal(t, failures.RetryReport{Succeeded: 1}, report)
	_, ok := fx.store.Announcement(sha256.New().Hash("x.test|8"))
	require.True(t, ok)
}

// gatedCache blocks its first Clear until released.
type gatedCache struct {
	mu      sync.Mutex
	clears  int
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCache) Clear() {
	g.mu.Lock()
	g.clears++
	n := g.clears
	g.mu.Unlock()
	if n == 1 {
		close(g.entered)
		<-g.release
	}
}

func (g *gatedCache) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clears
}

func TestRetryWaitsForRunningBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fx := newFixture(t, 1)
	cache := &gatedCache{entered: make(chan struct{}), release: make(chan struct{})}
	fx.orch.rules = cache
	writeManifest(t, fx.inbox, "portal", source.Manifest{Items: []source.ManifestItem{
		inline("https://x.test/board/9/view", "portal"),
	}})

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_, _ = fx.orch.Run(ctx, RunOptions{BatchDate: testDay, Sources: []string{"portal"}})
	}()
	<-cache.entered

	retryDone := make(chan struct{})
	go func() {
		defer close(retryDone)
		_, _ = fx.orch.Retry(ctx, failures.RetryOptions{Limit: 10}, false)
	}()

	select {
	case <-retryDone:
		t.Fatal("retry ran while a run held the rule cache")
	case <-time.After(50 * time.Millisecond):
	}
	require.Equal(t, 1, cache.count())

	close(cache.release)
	for _, done := range []chan struct{}{runDone, retryDone} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("orchestrator did not finish")
		}
	}
	require.Equal(t, 2, cache.count())
}
