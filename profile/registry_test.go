package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolabe-oss/astrolabe/graph"
)

const matchAddressNoDefaultYAML = `
type: ProfileStrategy
name: test-strategy
protocol: HTTP
providers:
  - ssh
childProvider:
  type: matchAddress
  matches:
    "^10\\.":
      - aws
      - compute
`

func TestRegistry_LoadFiles_MatchAddressWithoutDefault(t *testing.T) {
	catalog := catalogWithHTTP(t)
	r := NewRegistry(catalog)

	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(matchAddressNoDefaultYAML), 0o644))

	require.NoError(t, r.LoadFiles([]string{path}))
	require.Len(t, r.All(), 1)

	strategy := r.All()[0]
	info, err := strategy.ChildProvider.Determine("443", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "aws", info.Provider)

	// No "default:" key was declared; the zero-value ProviderInfo is
	// returned rather than a parse error.
	info2, err := strategy.ChildProvider.Determine("443", "192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, ProviderInfo{}, info2)
	_ = graph.NodeTypeUnknown
}
