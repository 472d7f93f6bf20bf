package source

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Spec configures one source.
type Spec struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// Catalog holds the configured sources in declaration order.
type Catalog struct {
	order  []ingest.Source
	byName map[string]ingest.Source
}

// NewCatalog builds inbox sources for specs. Names must be unique and types known.
func NewCatalog(specs []Spec, inboxDir string, fetcher ingest.DetailFetcher) (*Catalog, error) {
	sources := make([]ingest.Source, 0, len(specs))
	for _, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("source catalog: empty source name")
		}
		st, err := ingest.ParseSourceType(strings.ToLower(strings.TrimSpace(spec.Type)))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		sources = append(sources, NewInboxSource(name, st, inboxDir, fetcher))
	}
	return NewStaticCatalog(sources...)
}

// NewStaticCatalog wraps already constructed sources.
func NewStaticCatalog(sources ...ingest.Source) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]ingest.Source, len(sources))}
	for _, src := range sources {
		if _, dup := c.byName[src.Name()]; dup {
			return nil, fmt.Errorf("source catalog: duplicate source %q", src.Name())
		}
		c.byName[src.Name()] = src
		c.order = append(c.order, src)
	}
	return c, nil
}

// Sources returns every source in declaration order.
func (c *Catalog) Sources() []ingest.Source {
	out := make([]ingest.Source, len(c.order))
	copy(out, c.order)
	return out
}

// Source looks a source up by name.
func (c *Catalog) Source(name string) (ingest.Source, bool) {
	src, ok := c.byName[name]
	return src, ok
}

// Types returns the distinct source types in use.
func (c *Catalog) Types() []ingest.SourceType {
	seen := make(map[ingest.SourceType]struct{})
	var out []ingest.SourceType
	for _, src := range c.order {
		if _, ok := seen[src.Type()]; ok {
			continue
		}
		seen[src.Type()] = struct{}{}
		out = append(out, src.Type())
	}
	return out
}
