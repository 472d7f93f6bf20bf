// Package pipeline moves one listed item from its source into the ledger:
// fetch, canonicalize, hash, resolve. The run orchestrator and the failure
// retry path share it so both produce identical records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/canonical"
	"github.com/JakeFAU/announcement-ledger/internal/hash/sha256"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/metrics"
	"github.com/JakeFAU/announcement-ledger/internal/resolver"
)

// RuleLookup returns the cached rules of a domain.
type RuleLookup interface {
	Lookup(ctx context.Context, domain string) ([]ingest.DomainRule, bool, error)
}

// Resolver decides and stores one observation.
type Resolver interface {
	Resolve(ctx context.Context, obs resolver.Observation) (ingest.Decision, error)
}

// StateReader reports the stored state of an identity.
type StateReader interface {
	StateByIdentity(ctx context.Context, identityHash string) (ingest.IdentityState, error)
}

// Ranker returns the configured priority of a source type.
type Ranker interface {
	Priority(st ingest.SourceType) (int, error)
}

// Outcome describes what happened to one item.
type Outcome struct {
	Decision ingest.Decision
	// SkippedCompleted is set when the identity was already processed
	// downstream from a source ranked at least as high, and the run did not
	// force re-resolution.
	SkippedCompleted bool
	// Unkeyed is set when no identity could be computed.
	Unkeyed bool
}

// Pipeline is safe for concurrent use by several source workers.
type Pipeline struct {
	rules    RuleLookup
	canon    *canonical.Canonicalizer
	hasher   *sha256.Hasher
	resolver Resolver
	state    StateReader
	ranks    Ranker
	logger   *zap.Logger
}

// New constructs a Pipeline.
func New(rules RuleLookup, res Resolver, state StateReader, ranks Ranker, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		rules:    rules,
		canon:    canonical.New(),
		hasher:   sha256.New(),
		resolver: res,
		state:    state,
		ranks:    ranks,
		logger:   logger,
	}
}

// Ingest processes item from src. Returned errors are classified with
// ingest.ItemError; storage failures carry ingest.ErrStorage and must abort
// the caller's run.
func (p *Pipeline) Ingest(
	ctx context.Context,
	src ingest.Source,
	batchDate time.Time,
	item ingest.ListItem,
	force bool,
) (Outcome, error) {
	if !force && item.DetailURL != "" {
		skip, err := p.completed(ctx, src.Type(), item.DetailURL)
		if err != nil {
			return Outcome{}, err
		}
		if skip {
			p.logger.Debug("identity already processed, skipping",
				zap.String("source", src.Name()),
				zap.String("detail_url", item.DetailURL),
			)
			return Outcome{SkippedCompleted: true}, nil
		}
	}

	detail, err := src.FetchDetail(ctx, item)
	if err != nil {
		return Outcome{}, ingest.NewItemError(ingest.ErrorTypeFetch, fmt.Errorf("fetch %s: %w", item.DetailURL, err))
	}
	origin := detail.OriginURL
	if origin == "" {
		origin = item.DetailURL
	}
	title := detail.Title
	if title == "" {
		title = item.Title
	}

	ident, err := p.identify(ctx, origin)
	if err != nil {
		return Outcome{}, err
	}

	obs := resolver.Observation{
		BatchDate:         batchDate,
		Folder:            batchDate.Format(ingest.DateLayout) + "/" + src.Name(),
		SourceName:        src.Name(),
		SourceType:        src.Type(),
		Title:             title,
		Content:           detail.Content,
		PublishedAt:       detail.PublishedAt,
		OriginURL:         origin,
		Domain:            ident.Domain,
		CanonicalIdentity: ident.Identity,
		ContentHash:       p.hasher.HashBytes([]byte(detail.Content)),
	}
	if ident.OK() {
		obs.IdentityHash = p.hasher.Hash(ident.Identity)
	}

	decision, err := p.resolver.Resolve(ctx, obs)
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownSourceType) {
			return Outcome{Decision: decision}, ingest.NewItemError(ingest.ErrorTypeConfig, err)
		}
		return Outcome{Decision: decision}, err
	}
	return Outcome{Decision: decision, Unkeyed: !ident.OK()}, nil
}

// identify canonicalizes origin with the rules of its domain. A URL without a
// host is an item failure; any other miss yields an unkeyed result.
func (p *Pipeline) identify(ctx context.Context, origin string) (canonical.Result, error) {
	domain, err := canonical.Domain(origin)
	if err != nil {
		return canonical.Result{}, ingest.NewItemError(ingest.ErrorTypeCanonicalize, err)
	}
	rules, _, err := p.rules.Lookup(ctx, domain)
	if err != nil {
		return canonical.Result{}, ingest.StorageError(err)
	}
	res := p.canon.Explain(origin, rules)
	switch res.Reason {
	case canonical.ReasonOK:
	case canonical.ReasonNoRule:
		metrics.ObserveUnkeyed(origin, string(res.Reason))
		p.logger.Debug("no domain rule, storing without identity",
			zap.String("domain", domain),
			zap.String("origin_url", origin),
		)
	default:
		// A rule exists for the domain but did not fit this URL.
		metrics.ObserveUnkeyed(origin, string(res.Reason))
		p.logger.Warn("domain rule did not yield an identity",
			zap.String("domain", domain),
			zap.String("origin_url", origin),
			zap.String("reason", string(res.Reason)),
			zap.String("detail", res.Detail),
		)
	}
	return res, nil
}

// completed reports whether the identity behind rawURL is already processed
// downstream and held by a source type ranked at least as high as incoming.
// URLs without an identity are never skipped. The listed URL stands in for
// the origin URL here, so a detail page that redirects to another identity
// misses the shortcut and is fetched and resolved as usual.
func (p *Pipeline) completed(ctx context.Context, incoming ingest.SourceType, rawURL string) (bool, error) {
	domain, err := canonical.Domain(rawURL)
	if err != nil {
		return false, nil
	}
	rules, found, err := p.rules.Lookup(ctx, domain)
	if err != nil {
		return false, ingest.StorageError(err)
	}
	if !found {
		return false, nil
	}
	identity, ok := p.canon.Canonicalize(rawURL, rules)
	if !ok {
		return false, nil
	}
	state, err := p.state.StateByIdentity(ctx, p.hasher.Hash(identity))
	switch {
	case errors.Is(err, ingest.ErrNotFound):
		return false, nil
	case err != nil:
		return false, ingest.StorageError(fmt.Errorf("state by identity: %w", err))
	}
	if state.Status != ingest.AnnouncementCompleted {
		return false, nil
	}
	// Unranked types fall through to the resolver, which records the error.
	incomingRank, err := p.ranks.Priority(incoming)
	if err != nil {
		return false, nil
	}
	storedRank, err := p.ranks.Priority(state.SourceType)
	if err != nil {
		return false, nil
	}
	return incomingRank <= storedRank, nil
}

// Catalog resolves configured sources by name.
type Catalog interface {
	Source(name string) (ingest.Source, bool)
}

// Reingester adapts the pipeline to the failure retry loop.
type Reingester struct {
	p       *Pipeline
	catalog Catalog
	force   bool
}

// Reingester returns a retry adapter that looks sources up in catalog.
func (p *Pipeline) Reingester(catalog Catalog, force bool) *Reingester {
	return &Reingester{p: p, catalog: catalog, force: force}
}

// Reingest pushes a failed item through the pipeline again.
func (r *Reingester) Reingest(ctx context.Context, item ingest.FailedItem) error {
	src, ok := r.catalog.Source(item.Source)
	if !ok {
		return ingest.NewItemError(ingest.ErrorTypeConfig, fmt.Errorf("source %q is not configured", item.Source))
	}
	li := ingest.ListItem{Title: item.Title, ListURL: item.ListURL, DetailURL: item.DetailURL}
	_, err := r.p.Ingest(ctx, src, item.BatchDate, li, r.force)
	return err
}
