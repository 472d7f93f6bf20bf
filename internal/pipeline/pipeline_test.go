package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/announcement-ledger/internal/clock/system"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/resolver"
	"github.com/JakeFAU/announcement-ledger/internal/rules"
	"github.com/JakeFAU/announcement-ledger/internal/storage/memory"
)

var testDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// fakeSource serves details from a map keyed by detail url.
type fakeSource struct {
	name    string
	st      ingest.SourceType
	details map[string]ingest.Detail
	fetches int
}

func (f *fakeSource) Name() string            { return f.name }
func (f *fakeSource) Type() ingest.SourceType { return f.st }

func (f *fakeSource) CountListing(context.Context, time.Time) (ingest.Listing, error) {
	return ingest.Listing{Count: len(f.details), Pages: 1}, nil
}

func (f *fakeSource) ListItems(context.Context, time.Time) ([]ingest.ListItem, error) {
	return nil, nil
}

func (f *fakeSource) FetchDetail(_ context.Context, item ingest.ListItem) (ingest.Detail, error) {
	f.fetches++
	d, ok := f.details[item.DetailURL]
	if !ok {
		return ingest.Detail{}, errors.New("404 not found")
	}
	return d, nil
}

type catalog map[string]ingest.Source

func (c catalog) Source(name string) (ingest.Source, bool) {
	s, ok := c[name]
	return s, ok
}

func newPipeline(t *testing.T) (*Pipeline, *memory.Store) {
	t.Helper()
	store := memory.New()
	require.NoError(t, store.ReplaceRules(context.Background(), []ingest.DomainRule{
		{Domain: "x.test", Method: ingest.MethodPathPattern, PathPattern: `^/board/(\d+)/view$`},
	}))
	reg := rules.NewRegistry(store, nil)
	reg.Clear()
	table, err := resolver.NewPriorityTable(map[string]int{
		"external_api": 1, "civil_affairs_portal": 2, "homepage_scrape": 3,
	})
	require.NoError(t, err)
	res := resolver.New(store, store, table, system.Fixed{At: testDay.Add(9 * time.Hour)}, nil, resolver.Config{}, nil)
	return New(reg, res, store, table, nil), store
}

func portal(details map[string]ingest.Detail) *fakeSource {
	return &fakeSource{name: "portal", st: ingest.SourceCivilAffairsPortal, details: details}
}

func TestIngestKeyedItem(t *testing.T) {
	t.Parallel()

	p, store := newPipeline(t)
	src := portal(map[string]ingest.Detail{
		"https://x.test/board/4821/view?page=3": {Title: "Notice", Content: "body"},
	})
	out, err := p.Ingest(context.Background(), src, testDay, ingest.ListItem{
		Title: "listed", DetailURL: "https://x.test/board/4821/view?page=3",
	}, false)
	require.NoError(t, err)
	require.Equal(t, ingest.DecisionNew, out.Decision.Kind)
	require.False(t, out.Unkeyed)

	rec, ok := store.Announcement(out.Decision.IdentityHash)
	require.True(t, ok)
	require.Equal(t, "x.test|4821", *rec.CanonicalIdentity)
	require.Equal(t, "Notice", rec.Title)
	require.Equal(t, "2024-03-01/portal", rec.Folder)
	require.Equal(t, "x.test", rec.Domain)
	require.Len(t, rec.ContentHash, 64)
}

func TestIngestUnkeyedItem(t *testing.T) {
	t.Parallel()

	p, store := newPipeline(t)
	src := portal(map[string]ingest.Detail{
		"https://y.test/notice?id=1": {Content: "body", OriginURL: "https://y.test/notice?id=1"},
	})
	out, err := p.Ingest(context.Background(), src, testDay, ingest.ListItem{Title: "t", DetailURL: "https://y.test/notice?id=1"}, false)
	require.NoError(t, err)
	require.True(t, out.Unkeyed)
	require.Equal(t, ingest.DecisionNew, out.Decision.Kind)
	all := store.Announcements()
	require.Len(t, all, 1)
	require.Equal(t, "t", all[0].Title)
	require.Nil(t, all[0].IdentityHash)
}

func TestIngestSkipsCompletedUnlessForced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store := newPipeline(t)
	item := ingest.ListItem{DetailURL: "https://x.test/board/7/view"}
	src := portal(map[string]ingest.Detail{item.DetailURL: {Content: "body"}})

	out, err := p.Ingest(ctx, src, testDay, item, false)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, out.Decision.IdentityHash, testDay))

	out, err = p.Ingest(ctx, src, testDay, item, false)
	require.NoError(t, err)
	require.True(t, out.SkippedCompleted)
	require.Equal(t, 1, src.fetches)

	out, err = p.Ingest(ctx, src, testDay, item, true)
	require.NoError(t, err)
	require.False(t, out.SkippedCompleted)
	require.Equal(t, ingest.DecisionSamePriorityDuplicate, out.Decision.Kind)
	require.Equal(t, 2, src.fetches)
}

func TestIngestHigherRankedSourceReplacesCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store := newPipeline(t)
	item := ingest.ListItem{DetailURL: "https://x.test/board/4821/view"}
	api := &fakeSource{name: "api", st: ingest.SourceExternalAPI, details: map[string]ingest.Detail{
		item.DetailURL: {Content: "api copy"},
	}}
	home := &fakeSource{name: "homepage", st: ingest.SourceHomepageScrape, details: map[string]ingest.Detail{
		item.DetailURL: {Content: "homepage copy"},
	}}

	out, err := p.Ingest(ctx, api, testDay, item, false)
	require.NoError(t, err)
	hash := out.Decision.IdentityHash
	require.NoError(t, store.MarkCompleted(ctx, hash, testDay))

	out, err = p.Ingest(ctx, home, testDay, item, false)
	require.NoError(t, err)
	require.False(t, out.SkippedCompleted)
	require.Equal(t, ingest.DecisionReplaced, out.Decision.Kind)
	require.Equal(t, 1, home.fetches)

	rec, ok := store.Announcement(hash)
	require.True(t, ok)
	require.Equal(t, ingest.SourceHomepageScrape, rec.SourceType)
	require.Equal(t, "homepage copy", rec.Content)
	require.Equal(t, ingest.AnnouncementPending, rec.Status)

	// Once the better copy is processed, lower-ranked sources skip again.
	require.NoError(t, store.MarkCompleted(ctx, hash, testDay))
	out, err = p.Ingest(ctx, api, testDay, item, false)
	require.NoError(t, err)
	require.True(t, out.SkippedCompleted)
	require.Equal(t, 1, api.fetches)
}

func TestIngestClassifiesErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, _ := newPipeline(t)

	_, err := p.Ingest(ctx, portal(nil), testDay, ingest.ListItem{DetailURL: "https://x.test/board/1/view"}, false)
	require.Equal(t, ingest.ErrorTypeFetch, ingest.Classify(err))

	src := portal(map[string]ingest.Detail{"https://x.test/board/2/view": {OriginURL: "not a url"}})
	_, err = p.Ingest(ctx, src, testDay, ingest.ListItem{DetailURL: "https://x.test/board/2/view"}, false)
	require.Equal(t, ingest.ErrorTypeCanonicalize, ingest.Classify(err))

	rss := &fakeSource{name: "rss", st: "rss_feed", details: map[string]ingest.Detail{"https://x.test/board/3/view": {}}}
	_, err = p.Ingest(ctx, rss, testDay, ingest.ListItem{DetailURL: "https://x.test/board/3/view"}, false)
	require.ErrorIs(t, err, ingest.ErrUnknownSourceType)
	require.Equal(t, ingest.ErrorTypeConfig, ingest.Classify(err))
}

type brokenRules struct{}

func (brokenRules) Lookup(context.Context, string) ([]ingest.DomainRule, bool, error) {
	return nil, false, errors.New("db down")
}

func TestIngestRuleLookupFailureIsStorageError(t *testing.T) {
	t.Parallel()

	p := New(brokenRules{}, nil, memory.New(), resolver.PriorityTable{}, nil)
	_, err := p.Ingest(context.Background(), portal(nil), testDay, ingest.ListItem{DetailURL: "https://x.test/board/1/view"}, false)
	require.ErrorIs(t, err, ingest.ErrStorage)
}

func TestReingester(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, store := newPipeline(t)
	src := portal(map[string]ingest.Detail{"https://x.test/board/5/view": {Content: "body"}})
	re := p.Reingester(catalog{"portal": src}, false)

	require.NoError(t, re.Reingest(ctx, ingest.FailedItem{BatchDate: testDay, Source: "portal", DetailURL: "https://x.test/board/5/view"}))
	require.Len(t, store.Announcements(), 1)

	err := re.Reingest(ctx, ingest.FailedItem{Source: "gone", DetailURL: "https://x.test/board/5/view"})
	require.Equal(t, ingest.ErrorTypeConfig, ingest.Classify(err))
}
