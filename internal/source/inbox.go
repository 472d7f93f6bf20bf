// Package source provides the configured upstream sources. External scrapers
// and API pollers drop a manifest per source and batch date into an inbox
// directory; the ledger counts and lists from the manifest and fetches detail
// pages itself unless the manifest already carries them.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Manifest is the on-disk shape of <inbox>/<YYYY-MM-DD>/<source>.json.
type Manifest struct {
	// ListedCount is the total shown by the listing; zero means len(Items).
	ListedCount int            `json:"listed_count"`
	Pages       int            `json:"pages"`
	Items       []ManifestItem `json:"items"`
}

// ManifestItem is one listed announcement. Content and OriginURL are set by
// producers that already hold the full payload, such as API pollers.
type ManifestItem struct {
	Title       string     `json:"title"`
	ListURL     string     `json:"list_url"`
	DetailURL   string     `json:"detail_url"`
	Content     string     `json:"content,omitempty"`
	OriginURL   string     `json:"origin_url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

func (m ManifestItem) inline() bool {
	return m.Content != ""
}

// InboxSource implements ingest.Source over manifest files.
type InboxSource struct {
	name    string
	st      ingest.SourceType
	dir     string
	fetcher ingest.DetailFetcher
}

// NewInboxSource constructs an InboxSource reading from dir.
func NewInboxSource(name string, st ingest.SourceType, dir string, fetcher ingest.DetailFetcher) *InboxSource {
	return &InboxSource{name: name, st: st, dir: dir, fetcher: fetcher}
}

// Name returns the configured source name.
func (s *InboxSource) Name() string { return s.name }

// Type returns the source type used for priority ranking.
func (s *InboxSource) Type() ingest.SourceType { return s.st }

// Path returns the manifest path for batchDate.
func (s *InboxSource) Path(batchDate time.Time) string {
	return filepath.Join(s.dir, batchDate.Format(ingest.DateLayout), s.name+".json")
}

// CountListing reports the listed total and page count for batchDate.
func (s *InboxSource) CountListing(_ context.Context, batchDate time.Time) (ingest.Listing, error) {
	m, err := s.load(batchDate)
	if err != nil {
		return ingest.Listing{}, err
	}
	count := m.ListedCount
	if count == 0 {
		count = len(m.Items)
	}
	return ingest.Listing{Count: count, Pages: m.Pages}, nil
}

// ListItems returns the listed items for batchDate in manifest order.
func (s *InboxSource) ListItems(_ context.Context, batchDate time.Time) ([]ingest.ListItem, error) {
	m, err := s.load(batchDate)
	if err != nil {
		return nil, err
	}
	out := make([]ingest.ListItem, 0, len(m.Items))
	for _, it := range m.Items {
		out = append(out, ingest.ListItem{Title: it.Title, ListURL: it.ListURL, DetailURL: it.DetailURL})
	}
	return out, nil
}

// FetchDetail returns inline manifest content when present and otherwise
// fetches the detail page.
func (s *InboxSource) FetchDetail(ctx context.Context, item ingest.ListItem) (ingest.Detail, error) {
	if detail, ok := s.inlineDetail(item); ok {
		return detail, nil
	}
	if s.fetcher == nil {
		return ingest.Detail{}, fmt.Errorf("source %s: no detail fetcher configured", s.name)
	}
	detail, err := s.fetcher.FetchDetail(ctx, item)
	if err != nil {
		return ingest.Detail{}, fmt.Errorf("source %s: %w", s.name, err)
	}
	return detail, nil
}

// inlineDetail scans every manifest for the item. Retries can arrive long
// after the batch, so the lookup does not depend on ListItems having run.
func (s *InboxSource) inlineDetail(item ingest.ListItem) (ingest.Detail, bool) {
	days, err := os.ReadDir(s.dir)
	if err != nil {
		return ingest.Detail{}, false
	}
	for i := len(days) - 1; i >= 0; i-- {
		day, err := time.Parse(ingest.DateLayout, days[i].Name())
		if err != nil || !days[i].IsDir() {
			continue
		}
		m, err := s.load(day)
		if err != nil {
			continue
		}
		for _, it := range m.Items {
			if it.DetailURL == item.DetailURL && it.inline() {
				origin := it.OriginURL
				if origin == "" {
					origin = it.DetailURL
				}
				return ingest.Detail{
					Title:       it.Title,
					Content:     it.Content,
					OriginURL:   origin,
					PublishedAt: it.PublishedAt,
				}, true
			}
		}
	}
	return ingest.Detail{}, false
}

func (s *InboxSource) load(batchDate time.Time) (Manifest, error) {
	path := s.Path(batchDate)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("source %s: no manifest for %s: %w",
			s.name, batchDate.Format(ingest.DateLayout), ingest.ErrNotFound)
	}
	if err != nil {
		return Manifest{}, fmt.Errorf("source %s: read manifest: %w", s.name, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("source %s: decode manifest %s: %w", s.name, path, err)
	}
	return m, nil
}
