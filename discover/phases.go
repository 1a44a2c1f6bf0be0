package discover

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/internal/gather"
	"github.com/astrolabe-oss/astrolabe/provider"
)

// openConnections is phase 1 + phase 2 prep: filter skipped nodes, then
// open a connection to every survivor concurrently. Connection timeouts
// are recoverable; any other error is fatal. The returned slice pairs
// each surviving node with its connection in a fixed order so later
// phases never have to re-derive an ordering over the tree map (Go map
// iteration order is randomized per range, unlike the Python original's
// insertion-ordered dicts).
func (e *Engine) openConnections(ctx context.Context, tree map[string]*graph.Node, ancestors []string) ([]refConn, error) {
	refs := make([]string, 0, len(tree))
	connectable := map[string]*graph.Node{}
	for ref, node := range tree {
		if e.Catalog.SkipProtocolMux(node.ProtocolMux) {
			node.Errors[graph.ErrConnectSkipped] = true
			continue
		}
		connectable[ref] = node
		refs = append(refs, ref)
	}

	tasks := make([]gather.Task, len(refs))
	results := make([]provider.Conn, len(refs))
	for i, ref := range refs {
		node := connectable[ref]
		tasks[i] = func(ctx context.Context, idx int) error {
			cctx, cancel := context.WithTimeout(ctx, e.Args.Timeout)
			defer cancel()
			conn, err := e.openConnection(cctx, node)
			results[idx] = conn
			return err
		}
	}

	errs := gather.Gather(ctx, 0, tasks)

	clean := make([]refConn, 0, len(refs))
	for i, ref := range refs {
		err := errs[i]
		node := connectable[ref]
		if err == nil {
			clean = append(clean, refConn{ref: ref, node: node, conn: results[i]})
			continue
		}
		if errors.Is(err, provider.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			e.Log.Debug("connection timeout", "ref", ref, "address", node.Address)
			node.Errors[graph.ErrTimeout] = true
			continue
		}
		return nil, &FatalDiscoveryError{NodeRef: ref, Ancestors: ancestors, Cause: err}
	}

	return clean, nil
}

// openConnection opens a connection to node's address, skipping the
// provider call entirely when the address's cached lookup already
// failed, is on the skip list, or already has children cached.
func (e *Engine) openConnection(ctx context.Context, node *graph.Node) (provider.Conn, error) {
	address := node.Address

	e.cacheMu.Lock()
	cached, hasCached := e.serviceNameCache[address]
	e.cacheMu.Unlock()

	if hasCached {
		if cached == nil {
			e.Log.Debug("not opening connection: name is nil", "address", address)
			return nil, nil
		}
		if e.Catalog.SkipServiceName(*cached) {
			e.Log.Debug("not opening connection: skip", "service_name", *cached)
			return nil, nil
		}
		e.cacheMu.Lock()
		_, cachedChildren := e.childCache[*cached]
		e.cacheMu.Unlock()
		if cachedChildren {
			e.Log.Debug("not opening connection: cached", "service_name", *cached)
			return nil, nil
		}
	}

	p, err := e.Providers.Get(node.Provider)
	if err != nil {
		return nil, err
	}
	e.Log.Debug("opening connection", "address", address)
	return p.OpenConnection(ctx, address)
}

// lookupServiceNames is phase 3: resolve every node's service name
// concurrently. Any error here (including timeout) is fatal.
func (e *Engine) lookupServiceNames(ctx context.Context, conns []refConn) error {
	names := make([]string, len(conns))

	g, gctx := errgroup.WithContext(ctx)
	for i, rc := range conns {
		i, rc := i, rc
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, e.Args.Timeout)
			defer cancel()
			name, err := e.lookupServiceName(cctx, rc.node, rc.conn)
			if err != nil {
				return fmt.Errorf("name lookup for %s: %w", rc.ref, err)
			}
			names[i] = name
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &FatalDiscoveryError{Cause: err}
	}

	for i, rc := range conns {
		rc.node.ServiceName = names[i]
	}
	return nil
}

func (e *Engine) lookupServiceName(ctx context.Context, node *graph.Node, conn provider.Conn) (string, error) {
	address := node.Address

	e.cacheMu.Lock()
	cached, hasCached := e.serviceNameCache[address]
	e.cacheMu.Unlock()
	if hasCached {
		if cached == nil {
			return "", nil
		}
		return *cached, nil
	}

	p, err := e.Providers.Get(node.Provider)
	if err != nil {
		return "", err
	}
	name, err := p.LookupName(ctx, address, conn)
	if err != nil {
		return "", err
	}

	e.cacheMu.Lock()
	if name != "" {
		n := name
		e.serviceNameCache[address] = &n
	} else {
		e.serviceNameCache[address] = nil
	}
	e.cacheMu.Unlock()

	return name, nil
}

// runSidecars is phase 4: run every provider's opportunistic sidecar
// work concurrently. Like name lookup, any error is fatal.
func (e *Engine) runSidecars(ctx context.Context, conns []refConn) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, rc := range conns {
		rc := rc
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, e.Args.Timeout)
			defer cancel()
			p, err := e.Providers.Get(rc.node.Provider)
			if err != nil {
				return fmt.Errorf("sidecar for %s: %w", rc.ref, err)
			}
			if _, err := p.Sidecar(cctx, rc.node.Address, rc.conn); err != nil {
				return fmt.Errorf("sidecar for %s: %w", rc.ref, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &FatalDiscoveryError{Cause: err}
	}
	return nil
}

// assignNamesAndDetectCycles is phase 5: apply service-name rewrite
// rules and obfuscation, then flag any node whose resolved name
// reappears in its own ancestor chain. CYCLE is recorded as an error (see
// DESIGN.md's Open Question Resolution).
func (e *Engine) assignNamesAndDetectCycles(conns []refConn, ancestors []string) {
	ancestorSet := mapset.NewSet(ancestors...)

	for _, rc := range conns {
		node := rc.node
		serviceName := node.ServiceName
		if serviceName == "" {
			e.Log.Debug("name lookup failed", "ref", rc.ref, "address", node.Address)
			e.cacheMu.Lock()
			e.serviceNameCache[node.Address] = nil
			e.cacheMu.Unlock()
			node.Warnings[graph.WarnNameLookupFail] = true
			continue
		}

		serviceName = e.Catalog.RewriteServiceName(serviceName, node)
		if e.Args.Obfuscate && e.Obfuscator != nil {
			serviceName = e.Obfuscator.ServiceName(serviceName)
		}
		if ancestorSet.Contains(serviceName) {
			node.Errors[graph.ErrCycle] = true
		}
		node.ServiceName = serviceName
	}
}

// filterUnprofileableNodesAndAddWarnings is phase 6: split tree into
// nodes worth profiling and nodes to mark PROFILE_SKIPPED.
func (e *Engine) filterUnprofileableNodesAndAddWarnings(conns []refConn, depth int) []refConn {
	var profileable []refConn
	for _, rc := range conns {
		node := rc.node
		if node.IsProfileable(depth, e.Args.SkipNonblockingGrandchildren) && !e.Catalog.SkipServiceName(node.ServiceName) {
			profileable = append(profileable, rc)
		} else {
			node.Errors[graph.ErrProfileSkipped] = true
		}
	}
	return profileable
}
