// Package discover implements the recursive discovery engine: the
// 8-phase per-tier pipeline (open connections, look up names, run
// sidecars, assign names & detect cycles, depth guard, filter profileable
// nodes, recursively profile, and fire-and-forget recursion into children).
package discover

import (
	"context"
	"fmt"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/astrolabe-oss/astrolabe/config"
	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/obfuscate"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
)

// FatalDiscoveryError wraps any non-recoverable failure: the caller
// (subcommand/discover) treats any error returned from Discover as fatal
// and exits non-zero, logging the ancestor chain that was in flight when
// it occurred.
type FatalDiscoveryError struct {
	NodeRef   string
	Ancestors []string
	Cause     error
}

func (e *FatalDiscoveryError) Error() string {
	return fmt.Sprintf("fatal discovery error at %s (ancestors: %v): %v", e.NodeRef, e.Ancestors, e.Cause)
}

func (e *FatalDiscoveryError) Unwrap() error { return e.Cause }

// Engine holds every collaborator the discovery pipeline needs plus its
// shared, mutex-guarded caches. These are guarded fields, not package
// globals, because real goroutines run them in true parallel.
type Engine struct {
	Catalog   *network.Catalog
	Profiles  *profile.Registry
	Providers *provider.Registry
	// Store receives every node Discover sees, flattened by ref, independent
	// of the nested Node.Children tree returned to the caller. Nil disables
	// persistence (e.g. in tests that only care about the returned tree).
	Store      graph.Store
	Obfuscator *obfuscate.Obfuscator
	Args      config.Args
	Log       hclog.Logger

	cacheMu          sync.Mutex
	serviceNameCache map[string]*string // address -> service name (nil = lookup failed)
	childCache       map[string]map[string]*graph.Node // service name -> ref -> child

	wg        sync.WaitGroup
	fatalOnce sync.Once
	fatalErr  error
}

// recordFatal captures the first fatal error raised by any fire-and-forget
// recursive Discover call, surfaced to the caller via FatalError() after
// Wait() returns. Only the first is kept — there is no meaningful way to
// report more than one process exit reason.
func (e *Engine) recordFatal(err error) {
	e.fatalOnce.Do(func() {
		e.fatalErr = err
	})
}

// FatalError returns the first fatal error recorded by a background
// recursive Discover call, if any. Callers should check this after Wait()
// returns, in addition to checking the error returned by the top-level
// Discover call itself.
func (e *Engine) FatalError() error {
	return e.fatalErr
}

// NewEngine constructs an Engine. Obfuscator may be nil when args.Obfuscate
// is false.
func NewEngine(catalog *network.Catalog, profiles *profile.Registry, providers *provider.Registry, store graph.Store, obfuscator *obfuscate.Obfuscator, args config.Args, log hclog.Logger) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{
		Catalog:          catalog,
		Profiles:         profiles,
		Providers:        providers,
		Store:            store,
		Obfuscator:       obfuscator,
		Args:             args,
		Log:              log,
		serviceNameCache: map[string]*string{},
		childCache:       map[string]map[string]*graph.Node{},
	}
}

// Wait blocks until every fire-and-forget recursive discover() goroutine
// launched by this Engine has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Discover runs the 8-phase pipeline against one depth-tier of the tree.
func (e *Engine) Discover(ctx context.Context, tree map[string]*graph.Node, ancestors []string) error {
	depth := len(ancestors)
	e.Log.Debug("found nodes to profile", "count", len(tree), "depth", depth)

	if e.Store != nil {
		for ref, node := range tree {
			e.Store.Upsert(ref, node)
		}
	}

	conns, err := e.openConnections(ctx, tree, ancestors)
	if err != nil {
		return err
	}

	if err := e.lookupServiceNames(ctx, conns); err != nil {
		return err
	}

	if err := e.runSidecars(ctx, conns); err != nil {
		return err
	}

	e.assignNamesAndDetectCycles(conns, ancestors)

	if depth > e.Args.MaxDepth-1 {
		e.Log.Debug("reached max depth", "max_depth", e.Args.MaxDepth, "depth", depth)
		return nil
	}

	profileable := e.filterUnprofileableNodesAndAddWarnings(conns, depth)
	return e.recursivelyProfile(ctx, profileable, depth, ancestors)
}

// refConn pairs a node ref, its Node, and its open connection, threaded
// through each phase below.
type refConn struct {
	ref  string
	node *graph.Node
	conn provider.Conn
}
