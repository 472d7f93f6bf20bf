package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/announcement-ledger/internal/canonical"
	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// seedFile is the on-disk shape of an operator rule file.
type seedFile struct {
	Rules []ingest.DomainRule `yaml:"rules"`
}

// LoadFile parses and validates a YAML rule file.
func LoadFile(path string) ([]ingest.DomainRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML rule definitions and validates each one.
func Parse(data []byte) ([]ingest.DomainRule, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("decode rule file: %w", err)
	}
	if len(seed.Rules) == 0 {
		return nil, fmt.Errorf("rule file defines no rules")
	}
	out := make([]ingest.DomainRule, 0, len(seed.Rules))
	for i, rule := range seed.Rules {
		rule.Domain = normalizeDomain(rule.Domain)
		if err := Validate(rule); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// Validate checks a rule's structure and rejects key params that are always
// stripped as volatile, since such a rule can never produce an identity.
func Validate(rule ingest.DomainRule) error {
	if err := rule.Validate(); err != nil {
		return err //nolint:wrapcheck // already carries the domain
	}
	var volatile []string
	for _, p := range rule.KeyParams {
		if canonical.Volatile(p) {
			volatile = append(volatile, p)
		}
	}
	if len(volatile) > 0 {
		return fmt.Errorf("domain rule %s: key_params %s are volatile and always stripped",
			rule.Domain, strings.Join(volatile, ","))
	}
	return nil
}
