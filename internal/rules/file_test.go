package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
)

const seedYAML = `
rules:
  - domain: X.test
    extraction_method: path_pattern
    path_pattern: '/board/(\d+)/view'
  - domain: gov.test
    extraction_method: query_params
    key_params: [articleId, catId]
    path_discriminator: '^/notice/'
`

func TestParseRuleFile(t *testing.T) {
	t.Parallel()

	rules, err := Parse([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, "x.test", rules[0].Domain)
	require.Equal(t, ingest.MethodPathPattern, rules[0].Method)
	require.Equal(t, []string{"articleId", "catId"}, rules[1].KeyParams)
	require.Equal(t, "^/notice/", rules[1].PathDiscriminator)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	rules, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseRejectsInvalidRules(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"empty":        "rules: []",
		"two groups":   "rules:\n  - domain: a.test\n    extraction_method: path_pattern\n    path_pattern: '/(a)/(b)'\n",
		"no params":    "rules:\n  - domain: a.test\n    extraction_method: query_params\n",
		"both sources": "rules:\n  - domain: a.test\n    extraction_method: query_params\n    key_params: [id]\n    path_pattern: '/(x)'\n",
		"volatile":     "rules:\n  - domain: a.test\n    extraction_method: query_params\n    key_params: [id, pageNo]\n",
		"bad method":   "rules:\n  - domain: a.test\n    extraction_method: magic\n",
		"bad yaml":     "rules: [",
	}
	for name, doc := range cases {
		_, err := Parse([]byte(doc))
		require.Error(t, err, name)
	}
}
