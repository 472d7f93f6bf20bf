package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

// PriorityTable is the static total order over source types. Higher wins.
type PriorityTable map[ingest.SourceType]int

// NewPriorityTable parses a configured mapping and requires every known source
// type to be ranked.
func NewPriorityTable(raw map[string]int) (PriorityTable, error) {
	table := make(PriorityTable, len(raw))
	for name, priority := range raw {
		st, err := ingest.ParseSourceType(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			return nil, fmt.Errorf("priority table: %w", err)
		}
		table[st] = priority
	}
	if err := table.Validate(ingest.SourceTypes()...); err != nil {
		return nil, err
	}
	return table, nil
}

// Validate reports every listed source type missing from the table.
func (p PriorityTable) Validate(types ...ingest.SourceType) error {
	var missing []string
	for _, st := range types {
		if _, ok := p[st]; !ok {
			missing = append(missing, string(st))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: no priority for %s", ingest.ErrUnknownSourceType, strings.Join(missing, ", "))
	}
	return nil
}

// Priority returns the rank of st, failing loudly when it is not configured.
func (p PriorityTable) Priority(st ingest.SourceType) (int, error) {
	priority, ok := p[st]
	if !ok {
		return 0, fmt.Errorf("%w: %q has no priority", ingest.ErrUnknownSourceType, st)
	}
	return priority, nil
}
