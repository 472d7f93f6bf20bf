package memory

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// FailureStore adapts Store to ingest.FailureStore. The method names of the
// two failure operations collide with the validation store, so they live on a
// separate view over the same state.
type FailureStore struct {
	s *Store
}

// Failures returns the failure store view.
func (s *Store) Failures() *FailureStore {
	return &FailureStore{s: s}
}

func failureKey(item ingest.FailedItem) string {
	return item.BatchDate.Format(ingest.DateLayout) + "|" + item.DetailURL
}

// Upsert inserts a pending row or refreshes the error fields of an existing one.
func (f *FailureStore) Upsert(_ context.Context, item ingest.FailedItem) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	key := failureKey(item)
	if id, ok := s.failureKeys[key]; ok {
		row := s.failures[id]
		row.ErrorType = item.ErrorType
		row.ErrorMessage = item.ErrorMessage
		row.UpdatedAt = now
		s.failures[id] = row
		return nil
	}
	s.nextFailureID++
	item.ID = s.nextFailureID
	item.RetryCount = 0
	item.Status = ingest.FailurePending
	item.CreatedAt = now
	item.UpdatedAt = now
	s.failures[item.ID] = item
	s.failureKeys[key] = item.ID
	return nil
}

// List returns rows matching filter ordered by id.
func (f *FailureStore) List(_ context.Context, filter ingest.FailureFilter) ([]ingest.FailedItem, error) {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ingest.FailedItem
	for _, item := range s.failures {
		if !filter.BatchDate.IsZero() && !item.BatchDate.Equal(filter.BatchDate) {
			continue
		}
		if filter.Source != "" && item.Source != filter.Source {
			continue
		}
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateRetry records a retry outcome for one row.
func (f *FailureStore) UpdateRetry(
	_ context.Context,
	id int64,
	status ingest.FailureStatus,
	retryCount int,
	errMsg string,
	at time.Time,
) error {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.failures[id]
	if !ok {
		return ingest.ErrNotFound
	}
	row.Status = status
	row.RetryCount = retryCount
	if errMsg != "" {
		row.ErrorMessage = errMsg
	}
	row.UpdatedAt = at
	s.failures[id] = row
	return nil
}
