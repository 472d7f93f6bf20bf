// Package rules holds the per-run domain rule registry.
package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Registry reads domain rules through an in-memory cache. The cache lives for
// one processing run: the orchestrator calls Clear once before the first Lookup,
// so operator edits always take effect on the next run.
type Registry struct {
	store  ingest.RuleStore
	logger *zap.Logger

	mu      sync.RWMutex
	cache   map[string][]ingest.DomainRule
	cleared bool
}

// NewRegistry constructs a Registry backed by store.
func NewRegistry(store ingest.RuleStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  store,
		logger: logger,
		cache:  make(map[string][]ingest.DomainRule),
	}
}

// Clear drops every cached entry. Call it once at the start of each run.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string][]ingest.DomainRule)
	r.cleared = true
}

// Lookup returns all rules for domain, loading them from storage on a cache miss.
// Misses with no rules are cached too, so an unknown domain hits storage once per run.
func (r *Registry) Lookup(ctx context.Context, domain string) ([]ingest.DomainRule, bool, error) {
	key := normalizeDomain(domain)

	r.mu.RLock()
	rules, hit := r.cache[key]
	cleared := r.cleared
	r.mu.RUnlock()
	if !cleared {
		r.logger.Warn("rule registry used before Clear; cache lifetime is undefined", zap.String("domain", key))
	}
	if hit {
		return rules, len(rules) > 0, nil
	}

	loaded, err := r.store.RulesForDomain(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("load rules for %s: %w", key, err)
	}

	r.mu.Lock()
	// Another worker may have populated the entry meanwhile; both reads saw the same run state.
	if existing, ok := r.cache[key]; ok {
		loaded = existing
	} else {
		r.cache[key] = loaded
	}
	r.mu.Unlock()

	r.logger.Debug("rules loaded", zap.String("domain", key), zap.Int("count", len(loaded)))
	return loaded, len(loaded) > 0, nil
}

// Size returns the number of cached domains.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSpace(domain))
}
