package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/announcement-ledger/internal/fetcher/colly"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

var testDay = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func writeManifest(t *testing.T, dir, name string, day time.Time, m Manifest) {
	t.Helper()
	path := filepath.Join(dir, day.Format(ingest.DateLayout), name+".json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestInboxSourceListing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, "portal", testDay, Manifest{
		ListedCount: 3,
		Pages:       2,
		Items: []ManifestItem{
			{Title: "a", ListURL: "https://x.test/list?page=1", DetailURL: "https://x.test/board/1/view"},
			{Title: "b", ListURL: "https://x.test/list?page=2", DetailURL: "https://x.test/board/2/view"},
		},
	})
	src := NewInboxSource("portal", ingest.SourceCivilAffairsPortal, dir, nil)

	listing, err := src.CountListing(context.Background(), testDay)
	require.NoError(t, err)
	require.Equal(t, ingest.Listing{Count: 3, Pages: 2}, listing)

	items, err := src.ListItems(context.Background(), testDay)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "https://x.test/board/2/view", items[1].DetailURL)

	_, err = src.CountListing(context.Background(), testDay.AddDate(0, 0, 1))
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestInboxSourceCountDefaultsToItems(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeManifest(t, dir, "api", testDay, Manifest{Items: []ManifestItem{{DetailURL: "https://x.test/1"}}})
	listing, err := NewInboxSource("api", ingest.SourceExternalAPI, dir, nil).CountListing(context.Background(), testDay)
	require.NoError(t, err)
	require.Equal(t, 1, listing.Count)
}

func TestInboxSourceInlineAndFetchedDetails(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Fetched</title></head><body>page body</body></html>`))
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	writeManifest(t, dir, "api", testDay, Manifest{Items: []ManifestItem{
		{Title: "Inline", DetailURL: "https://x.test/board/1/view", Content: "inline body"},
		{Title: "Remote", DetailURL: srv.URL + "/board/2/view"},
	}})
	src := NewInboxSource("api", ingest.SourceExternalAPI, dir, collyfetcher.New(collyfetcher.Config{Timeout: time.Second}))

	inline, err := src.FetchDetail(context.Background(), ingest.ListItem{DetailURL: "https://x.test/board/1/view"})
	require.NoError(t, err)
	require.Equal(t, "inline body", inline.Content)
	require.Equal(t, "https://x.test/board/1/view", inline.OriginURL)

	fetched, err := src.FetchDetail(context.Background(), ingest.ListItem{DetailURL: srv.URL + "/board/2/view"})
	require.NoError(t, err)
	require.Equal(t, "Fetched", fetched.Title)
	require.Equal(t, "page body", fetched.Content)

	_, err = NewInboxSource("api", ingest.SourceExternalAPI, dir, nil).FetchDetail(context.Background(), ingest.ListItem{DetailURL: "https://y.test/9"})
	require.Error(t, err)
}

func TestInboxSourceRejectsCorruptManifest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, testDay.Format(ingest.DateLayout), "portal.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err := NewInboxSource("portal", ingest.SourceCivilAffairsPortal, dir, nil).ListItems(context.Background(), testDay)
	require.ErrorContains(t, err, "decode manifest")
}

func TestCatalog(t *testing.T) {
	t.Parallel()

	cat, err := NewCatalog([]Spec{
		{Name: "portal", Type: "civil_affairs_portal"},
		{Name: "api", Type: "External_API"},
		{Name: "portal-2", Type: "civil_affairs_portal"},
	}, t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, cat.Sources(), 3)
	require.Equal(t, "portal", cat.Sources()[0].Name())
	src, ok := cat.Source("api")
	require.True(t, ok)
	require.Equal(t, ingest.SourceExternalAPI, src.Type())
	require.Equal(t, []ingest.SourceType{ingest.SourceCivilAffairsPortal, ingest.SourceExternalAPI}, cat.Types())

	_, err = NewCatalog([]Spec{{Name: "rss", Type: "rss_feed"}}, "", nil)
	require.ErrorIs(t, err, ingest.ErrUnknownSourceType)
	_, err = NewCatalog([]Spec{{Name: "a", Type: "external_api"}, {Name: "a", Type: "external_api"}}, "", nil)
	require.Error(t, err)
	_, err = NewCatalog([]Spec{{Type: "external_api"}}, "", nil)
	require.Error(t, err)
}
