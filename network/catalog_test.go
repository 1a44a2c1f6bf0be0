package network

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolabe-oss/astrolabe/graph"
)

const sampleYAML = `
protocols:
  HTTP:
    blocking: true
  MYSQL:
    blocking: true
    is_database: true
hints:
  frontend:
    - service_name: backend
      protocol: HTTP
      protocol_mux: "8080"
      provider: aws
      instance_provider: aws
skips:
  addresses:
    - "127.0.0.1"
  service_names:
    - "internal-"
  protocol_muxes:
    - "9999"
service-name-rewrites:
  raw-: "service-{{.service_name}}"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCatalog_LoadFiles(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	c := NewCatalog()
	require.NoError(t, c.LoadFiles([]string{path}))

	proto, err := c.GetProtocol("HTTP")
	require.NoError(t, err)
	assert.True(t, proto.Blocking)

	mysql, err := c.GetProtocol("MYSQL")
	require.NoError(t, err)
	assert.True(t, mysql.IsDatabase)

	hints := c.Hints("frontend")
	require.Len(t, hints, 1)
	assert.Equal(t, "backend", hints[0].ServiceName)
	assert.Equal(t, "HTTP", hints[0].Protocol.Ref)
}

func TestCatalog_ValidateFailsWithoutUserProtocols(t *testing.T) {
	c := NewCatalog()
	err := c.Validate()
	assert.Error(t, err)
}

func TestCatalog_SkipAddress(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	c := NewCatalog()
	require.NoError(t, c.LoadFiles([]string{path}))

	assert.True(t, c.SkipAddress("127.0.0.1"))
	assert.True(t, c.SkipAddress("169.254.169.254"), "cloud metadata CIDR always skipped")
	assert.False(t, c.SkipAddress("10.0.0.1"))
}

func TestCatalog_SkipServiceName(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	c := NewCatalog()
	require.NoError(t, c.LoadFiles([]string{path}))

	assert.True(t, c.SkipServiceName("internal-auth"))
	assert.False(t, c.SkipServiceName("public-auth"))
}

func TestCatalog_SkipProtocolMux_CLIOverride(t *testing.T) {
	c := NewCatalog()
	c.protocols["HTTP"] = graph.Protocol{Ref: "HTTP", Blocking: true}
	c.SetCLISkipProtocolMuxes([]string{"1234"})
	assert.True(t, c.SkipProtocolMux("1234"))
	assert.False(t, c.SkipProtocolMux("5678"))
}

func TestCatalog_RewriteServiceName(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	c := NewCatalog()
	require.NoError(t, c.LoadFiles([]string{path}))

	n := graph.NewNode("aws", graph.Protocol{Ref: "TCP"})
	n.ServiceName = "raw-foo"
	got := c.RewriteServiceName("raw-foo", n)
	assert.Equal(t, "service-raw-foo", got)
}

func TestCatalog_GetProtocol_Unknown(t *testing.T) {
	c := NewCatalog()
	_, err := c.GetProtocol("NOPE")
	assert.Error(t, err)
}
