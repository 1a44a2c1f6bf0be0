package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astrolabe-oss/astrolabe/config"
	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
)

const sshStrategyYAML = `
type: ProfileStrategy
description: test ssh strategy
name: SSH
protocol: TCP
providers:
  - ssh
childProvider:
  type: matchAll
  provider: [ssh, COMPUTE]
`

func writeStrategyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// stubProvider is a fully scripted provider.Provider, the discover-package
// analogue of provider.stubProvider, used to drive Engine.Discover through
// specific scenarios without a real network dependency.
type stubProvider struct {
	provider.BaseProvider
	ref string

	openConnErr  error
	name         string
	nameErr      error
	children     map[string][]graph.NodeTransport // serviceName -> children
	containerize bool
}

func (s *stubProvider) Ref() string { return s.ref }

func (s *stubProvider) IsContainerPlatform() bool { return s.containerize }

func (s *stubProvider) OpenConnection(ctx context.Context, address string) (provider.Conn, error) {
	if s.openConnErr != nil {
		return nil, s.openConnErr
	}
	return address, nil
}

func (s *stubProvider) LookupName(ctx context.Context, address string, conn provider.Conn) (string, error) {
	if s.nameErr != nil {
		return "", s.nameErr
	}
	return s.name, nil
}

func (s *stubProvider) Profile(ctx context.Context, node *graph.Node, strategies []profile.Strategy, conn provider.Conn) ([]graph.NodeTransport, error) {
	addr, _ := conn.(string)
	return s.children[addr], nil
}

func newTestEngine(t *testing.T, p provider.Provider, args config.Args) *Engine {
	t.Helper()
	catalog := network.NewCatalog()
	registry := provider.NewRegistry(hclog.NewNullLogger(), nil)
	require.NoError(t, registry.Register(p))

	strategies := profile.NewRegistry(catalog)

	return NewEngine(catalog, strategies, registry, graph.NewInMemoryStore(), nil, args, hclog.NewNullLogger())
}

func baseArgs() config.Args {
	a := config.NewDefaultArgs()
	a.Timeout = 2 * time.Second
	a.MaxDepth = 3
	return a
}

func seedTree(ref, providerRef, address string) map[string]*graph.Node {
	n := graph.NewNode(providerRef, network.ProtocolSeed)
	n.Address = address
	return map[string]*graph.Node{ref: n}
}

// S1: a node whose connection opens, resolves a name, and has no further
// children reaches the tree with no errors or warnings.
func TestDiscover_CleanLeaf(t *testing.T) {
	p := &stubProvider{ref: "ssh", name: "checkout"}
	e := newTestEngine(t, p, baseArgs())

	tree := seedTree("seed1", "ssh", "10.0.0.1")
	err := e.Discover(context.Background(), tree, nil)
	require.NoError(t, err)
	e.Wait()
	require.NoError(t, e.FatalError())

	node := tree["seed1"]
	assert.Equal(t, "checkout", node.ServiceName)
	assert.Empty(t, node.Errors)
}

// S2: a connection timeout is recorded as a recoverable TIMEOUT error on
// that node, and does not fail the whole tier.
func TestDiscover_ConnectionTimeoutIsRecoverable(t *testing.T) {
	p := &stubProvider{ref: "ssh", openConnErr: provider.ErrTimeout}
	e := newTestEngine(t, p, baseArgs())

	tree := seedTree("seed1", "ssh", "10.0.0.1")
	err := e.Discover(context.Background(), tree, nil)
	require.NoError(t, err)
	e.Wait()
	require.NoError(t, e.FatalError())

	assert.True(t, tree["seed1"].Errors[graph.ErrTimeout])
}

// S3: any non-timeout error opening a connection is fatal to the whole
// Discover call.
func TestDiscover_NonTimeoutConnectionErrorIsFatal(t *testing.T) {
	boom := assert.AnError
	p := &stubProvider{ref: "ssh", openConnErr: boom}
	e := newTestEngine(t, p, baseArgs())

	tree := seedTree("seed1", "ssh", "10.0.0.1")
	err := e.Discover(context.Background(), tree, nil)
	require.Error(t, err)
	var fatal *FatalDiscoveryError
	assert.ErrorAs(t, err, &fatal)
}

// S4: a failed name lookup records a NAME_LOOKUP_FAILED warning (not an
// error, and not fatal) but leaves the node otherwise processed.
func TestDiscover_NameLookupFailureIsWarning(t *testing.T) {
	p := &stubProvider{ref: "ssh", name: ""}
	e := newTestEngine(t, p, baseArgs())

	tree := seedTree("seed1", "ssh", "10.0.0.1")
	err := e.Discover(context.Background(), tree, nil)
	require.NoError(t, err)
	e.Wait()
	require.NoError(t, e.FatalError())

	node := tree["seed1"]
	assert.True(t, node.Warnings[graph.WarnNameLookupFail])
	assert.True(t, node.Errors[graph.ErrProfileSkipped], "an unresolved name is never profileable")
}

// S5: a service name matching an ancestor in the current recursion chain is
// flagged CYCLE and recursion does not loop forever (Open Question
// resolution: CYCLE is an error).
func TestDiscover_CycleDetected(t *testing.T) {
	p := &stubProvider{ref: "ssh", name: "checkout"}
	e := newTestEngine(t, p, baseArgs())

	tree := seedTree("seed1", "ssh", "10.0.0.1")
	err := e.Discover(context.Background(), tree, []string{"checkout"})
	require.NoError(t, err)
	e.Wait()
	require.NoError(t, e.FatalError())

	assert.True(t, tree["seed1"].Errors[graph.ErrCycle])
}

// S6: reaching MaxDepth stops recursion without profiling further, but the
// current tier's nodes are still fully processed (names assigned).
func TestDiscover_MaxDepthStopsRecursion(t *testing.T) {
	p := &stubProvider{ref: "ssh", name: "checkout"}
	args := baseArgs()
	args.MaxDepth = 0
	e := newTestEngine(t, p, args)

	tree := seedTree("seed1", "ssh", "10.0.0.1")
	err := e.Discover(context.Background(), tree, nil)
	require.NoError(t, err)
	e.Wait()
	require.NoError(t, e.FatalError())

	node := tree["seed1"]
	assert.Equal(t, "checkout", node.ServiceName)
	assert.Empty(t, node.Children)
	assert.Nil(t, node.ProfileTimestamp(), "a node past the depth guard is never profiled")
}

// Recursion: a profiled node's children are discovered in a fire-and-forget
// background goroutine, and FatalError() reports no failure after Wait()
// returns when that background recursion succeeds.
func TestDiscover_RecursesIntoChildren(t *testing.T) {
	p := &stubProvider{
		ref:  "ssh",
		name: "frontend",
		children: map[string][]graph.NodeTransport{
			"10.0.0.1": {
				{ProtocolMux: "5432", Address: "10.0.0.2", DebugIdentifier: "db"},
			},
		},
	}
	catalog := network.NewCatalog()
	strategies := profile.NewRegistry(catalog)
	require.NoError(t, strategies.LoadFiles([]string{writeStrategyFile(t, sshStrategyYAML)}))

	registry := provider.NewRegistry(hclog.NewNullLogger(), nil)
	require.NoError(t, registry.Register(p))

	e := NewEngine(catalog, strategies, registry, graph.NewInMemoryStore(), nil, baseArgs(), hclog.NewNullLogger())

	tree := seedTree("seed1", "ssh", "10.0.0.1")
	err := e.Discover(context.Background(), tree, nil)
	require.NoError(t, err)
	e.Wait()
	require.NoError(t, e.FatalError())

	node := tree["seed1"]
	require.Len(t, node.Children, 1)
}
