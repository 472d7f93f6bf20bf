package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// RuleStore reads and replaces rows of domain_rule.
type RuleStore struct {
	pool Pool
}

const selectRulesSQL = `
SELECT id, domain, extraction_method, path_pattern, key_params, path_discriminator
FROM domain_rule
WHERE domain = $1
ORDER BY id`

// RulesForDomain returns every rule for domain in declaration order.
func (s *RuleStore) RulesForDomain(ctx context.Context, domain string) ([]ingest.DomainRule, error) {
	rows, err := s.pool.Query(ctx, selectRulesSQL, strings.ToLower(domain))
	if err != nil {
		return nil, fmt.Errorf("query domain rules: %w", err)
	}
	defer rows.Close()

	var out []ingest.DomainRule
	for rows.Next() {
		var (
			rule          ingest.DomainRule
			method        string
			pattern, disc *string
			keyParams     []string
		)
		if err := rows.Scan(&rule.ID, &rule.Domain, &method, &pattern, &keyParams, &disc); err != nil {
			return nil, fmt.Errorf("scan domain rule: %w", err)
		}
		rule.Method = ingest.ExtractionMethod(method)
		rule.PathPattern = deref(pattern)
		rule.PathDiscriminator = deref(disc)
		if len(keyParams) > 0 {
			rule.KeyParams = keyParams
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain rules: %w", err)
	}
	return out, nil
}

const (
	deleteRulesSQL = `DELETE FROM domain_rule WHERE domain = $1`
	insertRuleSQL  = `
INSERT INTO domain_rule (domain, extraction_method, path_pattern, key_params, path_discriminator)
VALUES ($1, $2, $3, $4, $5)`
)

// ReplaceRules swaps the rule set of every domain present in rules inside one transaction.
func (s *RuleStore) ReplaceRules(ctx context.Context, rules []ingest.DomainRule) error {
	rules = append([]ingest.DomainRule(nil), rules...)
	var domains []string
	seen := make(map[string]struct{})
	for i := range rules {
		rules[i].Domain = strings.ToLower(rules[i].Domain)
		if err := rules[i].Validate(); err != nil {
			return fmt.Errorf("replace rules: %w", err)
		}
		if _, ok := seen[rules[i].Domain]; !ok {
			seen[rules[i].Domain] = struct{}{}
			domains = append(domains, rules[i].Domain)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace rules: %w", err)
	}
	defer rollback(ctx, tx)

	for _, domain := range domains {
		if _, err := tx.Exec(ctx, deleteRulesSQL, domain); err != nil {
			return fmt.Errorf("delete rules for %s: %w", domain, err)
		}
	}
	for _, rule := range rules {
		var keyParams []string
		if len(rule.KeyParams) > 0 {
			keyParams = rule.KeyParams
		}
		if _, err := tx.Exec(ctx, insertRuleSQL,
			rule.Domain,
			string(rule.Method),
			nullable(rule.PathPattern),
			keyParams,
			nullable(rule.PathDiscriminator),
		); err != nil {
			return fmt.Errorf("insert rule for %s: %w", rule.Domain, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace rules: %w", err)
	}
	return nil
}
