package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeDomain(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeDomain(tc.input); got != tc.expected {
				t.Errorf("SanitizeDomain(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if ledgerDecisionsTotal == nil || ledgerUnkeyedRecordsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDecision(t *testing.T) {
	Init()
	counter := ledgerDecisionsTotal.WithLabelValues("homepage_scrape", "replaced")
	before := testutil.ToFloat64(counter)
	ObserveDecision("homepage_scrape", "replaced")
	after := testutil.ToFloat64(counter)
	if after-before != 1 {
		t.Errorf("expected decision counter to grow by 1, got %f", after-before)
	}
}

func TestObserveUnkeyedSanitizesDomain(t *testing.T) {
	ObserveUnkeyed("https://Gov.Test/a", "missing_param")
	if val := testutil.ToFloat64(ledgerUnkeyedRecordsTotal.WithLabelValues("gov.test", "missing_param")); val < 1 {
		t.Errorf("expected unkeyed counter for gov.test, got %f", val)
	}
}

// Fuzz test for SanitizeDomain.
func FuzzSanitizeDomain(f *testing.F) {
	testcases := []string{"http://example.com", "https://gov.test", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeDomain(orig) == "" {
			t.Errorf("SanitizeDomain(%q) returned an empty string", orig)
		}
	})
}
