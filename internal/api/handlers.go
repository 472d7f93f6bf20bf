package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

const (
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
)

type validationsResponse struct {
	BatchDate   string                   `json:"batch_date"`
	Validations []ingest.CountValidation `json:"validations"`
	Mismatches  int                      `json:"mismatches"`
}

// listValidations handles GET /v1/validations?date=YYYY-MM-DD. date defaults
// to today in UTC.
func (s *Server) listValidations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Validations == nil {
		writeError(w, http.StatusServiceUnavailable, "validation store unavailable")
		return
	}
	date, err := s.parseDate(r.URL.Query().Get("date"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := s.deps.Validations.List(r.Context(), date)
	if err != nil {
		s.logger.Error("list validations failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list validations")
		return
	}
	resp := validationsResponse{
		BatchDate:   date.Format(ingest.DateLayout),
		Validations: rows,
	}
	if resp.Validations == nil {
		resp.Validations = []ingest.CountValidation{}
	}
	for _, row := range rows {
		if row.Status == ingest.ValidationMismatch {
			resp.Mismatches++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// listFailures handles GET /v1/failures?date=&source=&status=&limit=.
func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Failures == nil {
		writeError(w, http.StatusServiceUnavailable, "failure store unavailable")
		return
	}
	q := r.URL.Query()
	filter := ingest.FailureFilter{Source: strings.TrimSpace(q.Get("source"))}
	date, err := s.parseDate(q.Get("date"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.BatchDate = date
	if filter.Status, err = parseFailureStatus(q.Get("status")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Limit, err = parseLimit(q.Get("limit"), defaultFailureLimit, maxFailureLimit); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.deps.Failures.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list failures failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failures")
		return
	}
	if items == nil {
		items = []ingest.FailedItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": items})
}

// unkeyedStats handles GET /v1/stats/unkeyed?min_ratio=. A domain whose ratio
// creeps up usually has a rule listing a parameter that is optional upstream.
func (s *Server) unkeyedStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "announcement store unavailable")
		return
	}
	minRatio := 0.0
	if raw := r.URL.Query().Get("min_ratio"); raw != "" {
		val, err := strconv.ParseFloat(raw, 64)
		if err != nil || val < 0 || val > 1 {
			writeError(w, http.StatusBadRequest, "invalid min_ratio")
			return
		}
		minRatio = val
	}
	stats, err := s.deps.Ledger.IdentityStats(r.Context())
	if err != nil {
		s.logger.Error("identity stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load identity stats")
		return
	}
	out := make([]ingest.DomainIdentityStats, 0, len(stats))
	for _, st := range stats {
		if st.Ratio >= minRatio {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"domains": out})
}

// markProcessed handles POST /v1/announcements/{identity_hash}/processed.
func (s *Server) markProcessed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "announcement store unavailable")
		return
	}
	hash := strings.TrimSpace(chi.URLParam(r, "identity_hash"))
	if hash == "" {
		writeError(w, http.StatusBadRequest, "identity_hash required")
		return
	}
	if err := s.deps.Ledger.MarkCompleted(r.Context(), hash, s.now()); err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "announcement not found")
			return
		}
		s.logger.Error("mark processed failed", zap.String("identity_hash", hash), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to mark announcement processed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"identity_hash": hash,
		"status":        string(ingest.AnnouncementCompleted),
	})
}

func (s *Server) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}

func (s *Server) parseDate(raw string, defaultToday bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if !defaultToday {
			return time.Time{}, nil
		}
		return s.now().UTC().Truncate(24 * time.Hour), nil
	}
	date, err := time.Parse(ingest.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", raw)
	}
	return date, nil
}

func parseFailureStatus(raw string) (ingest.FailureStatus, error) {
	switch st := ingest.FailureStatus(strings.ToLower(strings.TrimSpace(raw))); st {
	case "":
		return "", nil
	case ingest.FailurePending, ingest.FailureSuccess, ingest.FailurePermanent:
		return st, nil
	default:
		return "", fmt.Errorf("invalid status %q", raw)
	}
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}
