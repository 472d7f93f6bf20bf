package ingest

import (
	"fmt"
	"regexp"
	"time"
)

// SourceType is the closed category of upstream origin used to rank observations.
type SourceType string

// Known source types. The set is closed; the priority table must rank every one.
const (
	SourceHomepageScrape     SourceType = "homepage_scrape"
	SourceCivilAffairsPortal SourceType = "civil_affairs_portal"
	SourceExternalAPI        SourceType = "external_api"
)

// SourceTypes lists every known source type in declaration order.
func SourceTypes() []SourceType {
	return []SourceType{SourceHomepageScrape, SourceCivilAffairsPortal, SourceExternalAPI}
}

// ParseSourceType validates a raw source type string.
func ParseSourceType(raw string) (SourceType, error) {
	for _, st := range SourceTypes() {
		if string(st) == raw {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSourceType, raw)
}

// ExtractionMethod selects how a DomainRule derives the identity fragment.
type ExtractionMethod string

// Supported extraction methods.
const (
	MethodPathPattern ExtractionMethod = "path_pattern"
	MethodQueryParams ExtractionMethod = "query_params"
)

// DomainRule describes how to derive a stable identity from URLs of one domain.
type DomainRule struct {
	ID                int64            `json:"id" yaml:"-"`
	Domain            string           `json:"domain" yaml:"domain"`
	Method            ExtractionMethod `json:"extraction_method" yaml:"extraction_method"`
	PathPattern       string           `json:"path_pattern,omitempty" yaml:"path_pattern,omitempty"`
	KeyParams         []string         `json:"key_params,omitempty" yaml:"key_params,omitempty"`
	PathDiscriminator string           `json:"path_discriminator,omitempty" yaml:"path_discriminator,omitempty"`
}

// Validate enforces that exactly one fragment source is authoritative.
func (r DomainRule) Validate() error {
	if r.Domain == "" {
		return fmt.Errorf("domain rule: domain is required")
	}
	switch r.Method {
	case MethodPathPattern:
		if len(r.KeyParams) > 0 {
			return fmt.Errorf("domain rule %s: key_params must be empty for path_pattern", r.Domain)
		}
		re, err := regexp.Compile(r.PathPattern)
		if err != nil {
			return fmt.Errorf("domain rule %s: compile path_pattern: %w", r.Domain, err)
		}
		if re.NumSubexp() != 1 {
			return fmt.Errorf("domain rule %s: path_pattern needs exactly one capture group, has %d",
				r.Domain, re.NumSubexp())
		}
	case MethodQueryParams:
		if r.PathPattern != "" {
			return fmt.Errorf("domain rule %s: path_pattern must be empty for query_params", r.Domain)
		}
		if len(r.KeyParams) == 0 {
			return fmt.Errorf("domain rule %s: key_params must not be empty", r.Domain)
		}
		seen := make(map[string]struct{}, len(r.KeyParams))
		for _, p := range r.KeyParams {
			if p == "" {
				return fmt.Errorf("domain rule %s: empty key param", r.Domain)
			}
			if _, dup := seen[p]; dup {
				return fmt.Errorf("domain rule %s: duplicate key param %q", r.Domain, p)
			}
			seen[p] = struct{}{}
		}
	default:
		return fmt.Errorf("domain rule %s: unknown extraction_method %q", r.Domain, r.Method)
	}
	if r.PathDiscriminator != "" {
		if _, err := regexp.Compile(r.PathDiscriminator); err != nil {
			return fmt.Errorf("domain rule %s: compile path_discriminator: %w", r.Domain, err)
		}
	}
	return nil
}

// AnnouncementStatus tracks downstream processing of a stored announcement.
type AnnouncementStatus string

// Announcement statuses.
const (
	AnnouncementPending   AnnouncementStatus = "pending"
	AnnouncementCompleted AnnouncementStatus = "completed"
)

// Announcement is the canonical stored observation.
type Announcement struct {
	ID                int64              `json:"id"`
	BatchDate         time.Time          `json:"batch_date"`
	Folder            string             `json:"folder"`
	SourceName        string             `json:"source_name"`
	SourceType        SourceType         `json:"source_type"`
	SourcePriority    int                `json:"source_priority"`
	Title             string             `json:"title"`
	Content           string             `json:"content"`
	PublishedAt       *time.Time         `json:"published_at,omitempty"`
	OriginURL         string             `json:"origin_url"`
	Domain            string             `json:"domain"`
	CanonicalIdentity *string            `json:"canonical_identity,omitempty"`
	IdentityHash      *string            `json:"identity_hash,omitempty"`
	ContentHash       string             `json:"content_hash"`
	Status            AnnouncementStatus `json:"status"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// IdentityState is the stored processing state of one identity.
type IdentityState struct {
	Status     AnnouncementStatus
	SourceType SourceType
}

// Keyed reports whether the announcement carries an identity hash.
func (a Announcement) Keyed() bool {
	return a.IdentityHash != nil && *a.IdentityHash != ""
}

// DecisionKind enumerates the outcomes of duplicate resolution.
type DecisionKind string

// Resolution outcomes recorded in the decision log.
const (
	DecisionNew                   DecisionKind = "new"
	DecisionReplaced              DecisionKind = "replaced"
	DecisionSamePriorityDuplicate DecisionKind = "same-priority-duplicate"
	DecisionKeptExisting          DecisionKind = "kept-existing"
	DecisionError                 DecisionKind = "error"
)

// Decision is the synchronous result of resolving one observation.
type Decision struct {
	Kind             DecisionKind `json:"decision"`
	IdentityHash     string       `json:"identity_hash,omitempty"`
	IncomingSource   SourceType   `json:"incoming_source"`
	ExistingSource   SourceType   `json:"existing_source,omitempty"`
	IncomingPriority int          `json:"incoming_priority"`
	ExistingPriority *int         `json:"existing_priority,omitempty"`
	Note             string       `json:"note,omitempty"`
}

// DecisionEntry is one append-only row of the duplicate decision log.
type DecisionEntry struct {
	IdentityHash     *string      `json:"identity_hash,omitempty"`
	SourceName       string       `json:"source_name"`
	IncomingSource   SourceType   `json:"incoming_source"`
	ExistingSource   *SourceType  `json:"existing_source,omitempty"`
	Decision         DecisionKind `json:"decision"`
	IncomingPriority int          `json:"incoming_priority"`
	ExistingPriority *int         `json:"existing_priority,omitempty"`
	OriginURL        string       `json:"origin_url"`
	Note             string       `json:"note,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ValidationStatus is the count validation phase.
type ValidationStatus string

// Count validation phases. Completed and mismatch are terminal.
const (
	ValidationCounting  ValidationStatus = "counting"
	ValidationScraping  ValidationStatus = "scraping"
	ValidationCompleted ValidationStatus = "completed"
	ValidationMismatch  ValidationStatus = "mismatch"
)

// Terminal reports whether no further transition is allowed.
func (s ValidationStatus) Terminal() bool {
	return s == ValidationCompleted || s == ValidationMismatch
}

// BatchKey identifies one batch: a source on a collection date.
type BatchKey struct {
	BatchDate time.Time
	Source    string
}

// String renders the key for logs.
func (k BatchKey) String() string {
	return k.BatchDate.Format(DateLayout) + "/" + k.Source
}

// DateLayout is the canonical batch date format.
const DateLayout = "2006-01-02"

// CountValidation tracks expected versus ingested counts for one batch.
type CountValidation struct {
	BatchDate           time.Time        `json:"batch_date"`
	Source              string           `json:"source"`
	Expected            int              `json:"expected_count"`
	Actual              int              `json:"actual_count"`
	Failed              int              `json:"failed_count"`
	Pages               int              `json:"page_count"`
	Status              ValidationStatus `json:"status"`
	CountingStartedAt   *time.Time       `json:"counting_started_at,omitempty"`
	CountingCompletedAt *time.Time       `json:"counting_completed_at,omitempty"`
	ScrapingStartedAt   *time.Time       `json:"scraping_started_at,omitempty"`
	ScrapingCompletedAt *time.Time       `json:"scraping_completed_at,omitempty"`
}

// Key returns the batch key of the row.
func (c CountValidation) Key() BatchKey {
	return BatchKey{BatchDate: c.BatchDate, Source: c.Source}
}

// FailureStatus is the retry state of a failed item.
type FailureStatus string

// Failed item statuses. Success and permanent failure are terminal.
const (
	FailurePending   FailureStatus = "pending"
	FailureSuccess   FailureStatus = "success"
	FailurePermanent FailureStatus = "permanent_failure"
)

// ErrorType classifies an item failure.
type ErrorType string

// Failure classifications.
const (
	ErrorTypeFetch        ErrorType = "fetch"
	ErrorTypeCanonicalize ErrorType = "canonicalize"
	ErrorTypeConfig       ErrorType = "config"
	ErrorTypeStorage      ErrorType = "storage"
	ErrorTypeUnknown      ErrorType = "unknown"
)

// FailedItem is one item that failed ingestion.
type FailedItem struct {
	ID           int64         `json:"id"`
	BatchDate    time.Time     `json:"batch_date"`
	Source       string        `json:"source"`
	Title        string        `json:"title"`
	ListURL      string        `json:"list_url"`
	DetailURL    string        `json:"detail_url"`
	ErrorType    ErrorType     `json:"error_type"`
	ErrorMessage string        `json:"error_message"`
	RetryCount   int           `json:"retry_count"`
	Status       FailureStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// DomainIdentityStats reports how many records of a domain lack an identity.
type DomainIdentityStats struct {
	Domain  string  `json:"domain"`
	Total   int64   `json:"total"`
	Unkeyed int64   `json:"unkeyed"`
	Ratio   float64 `json:"unkeyed_ratio"`
}

// ListItem is one entry of a source listing, before its detail page is fetched.
type ListItem struct {
	Title     string `json:"title"`
	ListURL   string `json:"list_url"`
	DetailURL string `json:"detail_url"`
}

// Detail is the raw payload returned by a detail fetch.
type Detail struct {
	Title       string
	Content     string
	OriginURL   string
	PublishedAt *time.Time
}

// Listing is the result of a listing-only pass.
type Listing struct {
	Count int
	Pages int
}
