package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
)

func catalogWithHTTP(t *testing.T) *network.Catalog {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	require.NoError(t, os.WriteFile(path, []byte("protocols:\n  HTTP:\n    blocking: true\n"), 0o644))
	c := network.NewCatalog()
	require.NoError(t, c.LoadFiles([]string{path}))
	return c
}

func TestChildProviderRule_MatchAll(t *testing.T) {
	rule := ChildProviderRule{Kind: ChildProviderMatchAll, MatchAll: ProviderInfo{Provider: "ssh", NodeType: graph.NodeTypeCompute}}
	info, err := rule.Determine("22", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "ssh", info.Provider)
}

func TestChildProviderRule_MatchAddress_FirstMatchWins(t *testing.T) {
	rule := ChildProviderRule{
		Kind: ChildProviderMatchAddress,
		MatchAddress: []AddressMatch{
			{Pattern: "^10\\.", Info: ProviderInfo{Provider: "aws", NodeType: graph.NodeTypeCompute}},
			{Pattern: "^10\\.0\\.", Info: ProviderInfo{Provider: "should-not-win", NodeType: graph.NodeTypeCompute}},
		},
		Default: ProviderInfo{Provider: "default", NodeType: graph.NodeTypeUnknown},
	}
	info, err := rule.Determine("443", "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "aws", info.Provider, "first matching regex in declaration order wins")
}

func TestChildProviderRule_MatchAddress_Default(t *testing.T) {
	rule := ChildProviderRule{
		Kind:    ChildProviderMatchAddress,
		Default: ProviderInfo{Provider: "default", NodeType: graph.NodeTypeUnknown},
	}
	info, err := rule.Determine("443", "192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, "default", info.Provider)
}

func TestChildProviderRule_MatchPort(t *testing.T) {
	rule := ChildProviderRule{
		Kind: ChildProviderMatchPort,
		MatchPort: []PortMatch{
			{Port: 5432, Info: ProviderInfo{Provider: "aws", NodeType: graph.NodeTypeResource}},
		},
		Default: ProviderInfo{Provider: "default", NodeType: graph.NodeTypeUnknown},
	}
	info, err := rule.Determine("5432", "")
	require.NoError(t, err)
	assert.Equal(t, "aws", info.Provider)

	info2, err := rule.Determine("notaport", "")
	require.NoError(t, err)
	assert.Equal(t, "default", info2.Provider)
}

func TestServiceNameFilter(t *testing.T) {
	f := ServiceNameFilter{Not: []string{"skip-me"}}
	assert.True(t, f.FilterServiceName("skip-me"))
	assert.False(t, f.FilterServiceName("keep-me"))

	only := ServiceNameFilter{Only: []string{"keep-me"}}
	assert.False(t, only.FilterServiceName("keep-me"))
	assert.True(t, only.FilterServiceName("skip-me"))
}

func TestParseResponse(t *testing.T) {
	catalog := catalogWithHTTP(t)
	proto, err := catalog.GetProtocol("HTTP")
	require.NoError(t, err)

	s := Strategy{
		Name:     "test",
		Protocol: proto,
		ChildProvider: ChildProviderRule{
			Kind:     ChildProviderMatchAll,
			MatchAll: ProviderInfo{Provider: "ssh", NodeType: graph.NodeTypeCompute},
		},
	}

	response := "mux address id conns metadata\n8080 10.0.0.1 svc-1 3 env=prod,tier=web\n9090 null svc-2 0 -"
	transports, err := ParseResponse(response, "10.0.0.1", s)
	require.NoError(t, err)
	require.Len(t, transports, 2)

	assert.Equal(t, "8080", transports[0].ProtocolMux)
	assert.Equal(t, "10.0.0.1", transports[0].Address)
	assert.Equal(t, "svc-1", transports[0].DebugIdentifier)
	require.NotNil(t, transports[0].NumConnections)
	assert.Equal(t, 3, *transports[0].NumConnections)
	assert.Equal(t, "prod", transports[0].Metadata["env"])

	assert.Equal(t, "", transports[1].Address, "null address sentinel is dropped")
	require.NotNil(t, transports[1].NumConnections)
	assert.Equal(t, 0, *transports[1].NumConnections)
}

func TestParseResponse_MissingMux(t *testing.T) {
	catalog := catalogWithHTTP(t)
	proto, _ := catalog.GetProtocol("HTTP")
	s := Strategy{Name: "test", Protocol: proto, ChildProvider: ChildProviderRule{Kind: ChildProviderMatchAll}}
	response := "address id\n10.0.0.1 svc-1"
	_, err := ParseResponse(response, "10.0.0.1", s)
	assert.Error(t, err)
}

func TestParseResponse_TooFewLines(t *testing.T) {
	catalog := catalogWithHTTP(t)
	proto, _ := catalog.GetProtocol("HTTP")
	s := Strategy{Name: "test", Protocol: proto}
	transports, err := ParseResponse("mux address\n", "10.0.0.1", s)
	require.NoError(t, err)
	assert.Empty(t, transports)
}
