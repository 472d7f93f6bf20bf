// Package memory provides in-memory implementations of the ledger stores for
// dry runs and tests. All stores are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Store implements every ingest store interface over maps.
type Store struct {
	mu sync.Mutex

	rules         map[string][]ingest.DomainRule
	nextRuleID    int64
	announcements map[int64]ingest.Announcement
	byIdentity    map[string]int64
	nextID        int64
	decisions     []ingest.DecisionEntry
	validations   map[string]ingest.CountValidation
	failures      map[int64]ingest.FailedItem
	failureKeys   map[string]int64
	nextFailureID int64
	now           func() time.Time
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		rules:         make(map[string][]ingest.DomainRule),
		announcements: make(map[int64]ingest.Announcement),
		byIdentity:    make(map[string]int64),
		validations:   make(map[string]ingest.CountValidation),
		failures:      make(map[int64]ingest.FailedItem),
		failureKeys:   make(map[string]int64),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// RulesForDomain returns the rules stored for domain in insertion order.
func (s *Store) RulesForDomain(_ context.Context, domain string) ([]ingest.DomainRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := s.rules[strings.ToLower(domain)]
	out := make([]ingest.DomainRule, len(rules))
	copy(out, rules)
	return out, nil
}

// ReplaceRules swaps the rule set of every domain present in rules.
func (s *Store) ReplaceRules(_ context.Context, rules []ingest.DomainRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	grouped := make(map[string][]ingest.DomainRule)
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("replace rules: %w", err)
		}
		s.nextRuleID++
		rule.ID = s.nextRuleID
		rule.Domain = strings.ToLower(rule.Domain)
		grouped[rule.Domain] = append(grouped[rule.Domain], rule)
	}
	for domain, set := range grouped {
		s.rules[domain] = set
	}
	return nil
}

// InsertUnkeyed stores a record without an identity hash.
func (s *Store) InsertUnkeyed(_ context.Context, rec ingest.Announcement) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.CanonicalIdentity = nil
	rec.IdentityHash = nil
	s.nextID++
	rec.ID = s.nextID
	s.announcements[rec.ID] = rec
	return rec.ID, nil
}

// Upsert mirrors the Postgres conflict primitive under a single lock.
func (s *Store) Upsert(
	_ context.Context,
	rec ingest.Announcement,
	decide ingest.DecideFunc,
) (ingest.UpsertResult, error) {
	if !rec.Keyed() {
		return ingest.UpsertResult{}, fmt.Errorf("upsert announcement: identity hash required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, exists := s.byIdentity[*rec.IdentityHash]
	if !exists {
		s.nextID++
		rec.ID = s.nextID
		s.announcements[rec.ID] = rec
		s.byIdentity[*rec.IdentityHash] = rec.ID
		return ingest.UpsertResult{Inserted: true}, nil
	}

	existing := s.announcements[id]
	overwrite, err := decide(existing)
	if err != nil {
		return ingest.UpsertResult{}, err
	}
	res := ingest.UpsertResult{Existing: &existing}
	if overwrite {
		s.announcements[id] = overwriteFields(existing, rec)
		res.Overwritten = true
	}
	return res, nil
}

// overwriteFields applies rec over existing, keeping the row identity and
// creation time.
func overwriteFields(existing, rec ingest.Announcement) ingest.Announcement {
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	return rec
}

// StateByIdentity returns the processing status and source type stored for
// identityHash.
func (s *Store) StateByIdentity(_ context.Context, identityHash string) (ingest.IdentityState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdentity[identityHash]
	if !ok {
		return ingest.IdentityState{}, ingest.ErrNotFound
	}
	rec := s.announcements[id]
	return ingest.IdentityState{Status: rec.Status, SourceType: rec.SourceType}, nil
}

// MarkCompleted flags the record for identityHash as processed downstream.
func (s *Store) MarkCompleted(_ context.Context, identityHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdentity[identityHash]
	if !ok {
		return ingest.ErrNotFound
	}
	rec := s.announcements[id]
	rec.Status = ingest.AnnouncementCompleted
	rec.UpdatedAt = at
	s.announcements[id] = rec
	return nil
}

// IdentityStats reports the unkeyed fraction per domain, sorted by domain.
func (s *Store) IdentityStats(context.Context) ([]ingest.DomainIdentityStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byDomain := make(map[string]*ingest.DomainIdentityStats)
	for _, rec := range s.announcements {
		st, ok := byDomain[rec.Domain]
		if !ok {
			st = &ingest.DomainIdentityStats{Domain: rec.Domain}
			byDomain[rec.Domain] = st
		}
		st.Total++
		if !rec.Keyed() {
			st.Unkeyed++
		}
	}
	out := make([]ingest.DomainIdentityStats, 0, len(byDomain))
	for _, st := range byDomain {
		st.Ratio = float64(st.Unkeyed) / float64(st.Total)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// Announcement returns the stored record for identityHash.
func (s *Store) Announcement(identityHash string) (ingest.Announcement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byIdentity[identityHash]
	if !ok {
		return ingest.Announcement{}, false
	}
	return s.announcements[id], true
}

// Announcements returns every stored record ordered by id.
func (s *Store) Announcements() []ingest.Announcement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ingest.Announcement, 0, len(s.announcements))
	for _, rec := range s.announcements {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Append records a decision.
func (s *Store) Append(_ context.Context, entry ingest.DecisionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, entry)
	return nil
}

// Decisions returns a copy of the decision log.
func (s *Store) Decisions() []ingest.DecisionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ingest.DecisionEntry, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Get loads the validation row for key.
func (s *Store) Get(_ context.Context, key ingest.BatchKey) (ingest.CountValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.validations[key.String()]
	if !ok {
		return ingest.CountValidation{}, ingest.ErrNotFound
	}
	return row, nil
}

// Save inserts or replaces the validation row for its key.
func (s *Store) Save(_ context.Context, row ingest.CountValidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validations[row.Key().String()] = row
	return nil
}

// List returns validation rows for batchDate sorted by source.
func (s *Store) List(_ context.Context, batchDate time.Time) ([]ingest.CountValidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingest.CountValidation
	for _, row := range s.validations {
		if row.BatchDate.Equal(batchDate) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}
