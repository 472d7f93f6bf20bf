// Package canonical derives order-independent identity keys from announcement URLs.
package canonical

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// Reason explains the outcome of a canonicalization attempt.
type Reason string

// Canonicalization outcomes. Anything other than ReasonOK means no identity.
const (
	ReasonOK              Reason = "ok"
	ReasonParseError      Reason = "parse_error"
	ReasonNoRule          Reason = "no_rule"
	ReasonNoMatchingRule  Reason = "no_matching_rule"
	ReasonPatternMismatch Reason = "pattern_mismatch"
	ReasonMissingParam    Reason = "missing_param"
)

// Result carries the identity plus diagnostics for logging and metrics.
type Result struct {
	Identity string
	Domain   string
	Reason   Reason
	// Detail names the missing parameter or offending pattern when relevant.
	Detail string
}

// OK reports whether an identity was produced.
func (r Result) OK() bool {
	return r.Reason == ReasonOK
}

// volatileParams are stripped before any rule is consulted. Keys are lower-case.
var volatileParams = map[string]struct{}{
	// pagination
	"page": {}, "pageno": {}, "pagenum": {}, "pageindex": {}, "currentpage": {},
	"offset": {}, "pagesize": {}, "limit": {}, "start": {},
	// search and sort
	"sort": {}, "sortfield": {}, "sortorder": {}, "order": {}, "orderby": {},
	"keyword": {}, "keywords": {}, "search": {}, "q": {}, "query": {},
	// session scoped and cache busting
	"sessionid": {}, "jsessionid": {}, "phpsessid": {}, "sid": {}, "token": {},
	"_t": {}, "_": {}, "timestamp": {}, "random": {}, "rnd": {},
}

// Volatile reports whether a query parameter is always stripped before extraction.
func Volatile(param string) bool {
	_, ok := volatileParams[strings.ToLower(param)]
	return ok
}

// Canonicalizer turns raw URLs into canonical identities. Compiled patterns are
// cached, so one instance should be shared for a run.
type Canonicalizer struct {
	patterns sync.Map // string -> *regexp.Regexp
}

// New returns a Canonicalizer.
func New() *Canonicalizer {
	return &Canonicalizer{}
}

var defaultCanonicalizer = New()

// Canonicalize derives the identity for rawURL using the rules of its domain.
// ok is false when no rule applies or extraction fails; callers then store the
// record without deduplication.
func Canonicalize(rawURL string, rules []ingest.DomainRule) (identity string, ok bool) {
	res := defaultCanonicalizer.Explain(rawURL, rules)
	return res.Identity, res.OK()
}

// Canonicalize is the method form of the package-level Canonicalize.
func (c *Canonicalizer) Canonicalize(rawURL string, rules []ingest.DomainRule) (string, bool) {
	res := c.Explain(rawURL, rules)
	return res.Identity, res.OK()
}

// Domain extracts the lower-cased hostname used to look up rules.
func Domain(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("parse url: missing host in %q", rawURL)
	}
	return host, nil
}

// Explain canonicalizes rawURL and reports why it failed when it does.
func (c *Canonicalizer) Explain(rawURL string, rules []ingest.DomainRule) Result {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Hostname() == "" {
		return Result{Reason: ReasonParseError, Detail: rawURL}
	}
	domain := strings.ToLower(u.Hostname())
	res := Result{Domain: domain}

	// Malformed pairs are dropped; the valid ones are kept.
	params, _ := url.ParseQuery(u.RawQuery) //nolint:errcheck // partial parse is intended
	for key := range params {
		if Volatile(key) {
			delete(params, key)
		}
	}

	if len(rules) == 0 {
		res.Reason = ReasonNoRule
		return res
	}
	rule, found := c.Select(rules, u.Path)
	if !found {
		res.Reason = ReasonNoMatchingRule
		return res
	}

	var fragment string
	switch rule.Method {
	case ingest.MethodPathPattern:
		re, err := c.compile(rule.PathPattern)
		if err != nil {
			res.Reason = ReasonPatternMismatch
			res.Detail = err.Error()
			return res
		}
		m := re.FindStringSubmatch(u.Path)
		if len(m) != 2 || m[1] == "" {
			res.Reason = ReasonPatternMismatch
			res.Detail = rule.PathPattern
			return res
		}
		fragment = m[1]
	case ingest.MethodQueryParams:
		if len(rule.KeyParams) == 0 {
			res.Reason = ReasonMissingParam
			return res
		}
		pairs := make([]string, 0, len(rule.KeyParams))
		for _, key := range rule.KeyParams {
			values, present := params[key]
			if !present {
				res.Reason = ReasonMissingParam
				res.Detail = key
				return res
			}
			value := ""
			if len(values) > 0 {
				value = values[0]
			}
			pairs = append(pairs, key+"="+value)
		}
		fragment = strings.Join(pairs, "&")
	default:
		res.Reason = ReasonNoMatchingRule
		res.Detail = string(rule.Method)
		return res
	}

	res.Identity = domain + "|" + fragment
	res.Reason = ReasonOK
	return res
}

// Select picks the rule for path: the first rule whose discriminator matches,
// otherwise the first rule without a discriminator.
func (c *Canonicalizer) Select(rules []ingest.DomainRule, path string) (ingest.DomainRule, bool) {
	var fallback *ingest.DomainRule
	for i := range rules {
		rule := rules[i]
		if rule.PathDiscriminator == "" {
			if fallback == nil {
				fallback = &rules[i]
			}
			continue
		}
		re, err := c.compile(rule.PathDiscriminator)
		if err != nil {
			continue
		}
		if re.MatchString(path) {
			return rule, true
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return ingest.DomainRule{}, false
}

func (c *Canonicalizer) compile(pattern string) (*regexp.Regexp, error) {
	if cached, ok := c.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	c.patterns.Store(pattern, re)
	return re, nil
}
