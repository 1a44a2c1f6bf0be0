package discover

import (
	"context"
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
)

// recursivelyProfile is phase 7 + phase 8. It blocks until every
// profileable node at this tier has been profiled (any error here is
// fatal), then fires off a recursive Discover call per resulting child
// subtree without awaiting it — recursion progresses in the background,
// tracked by Engine.wg so the top-level caller can Wait() for full
// quiescence.
func (e *Engine) recursivelyProfile(ctx context.Context, profileable []refConn, depth int, ancestors []string) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, rc := range profileable {
		rc := rc
		g.Go(func() error {
			children, err := e.profileWithHints(gctx, rc.node.Provider, rc.ref, rc.node.Address, rc.node.ServiceName, rc.conn)
			if err != nil {
				return &FatalDiscoveryError{NodeRef: rc.ref, Ancestors: ancestors, Cause: err}
			}

			childDepth := depth + 1
			nonExcluded := map[string]*graph.Node{}
			for childRef, child := range children {
				if !child.IsExcluded(childDepth, e.disabledProviderSet(), e.Args.SkipNonblockingGrandchildren) {
					nonExcluded[childRef] = child
				}
			}
			rc.node.Children = nonExcluded
			rc.node.SetProfileTimestamp()

			if e.Store != nil {
				for childRef, child := range nonExcluded {
					if err := e.Store.Connect(rc.ref, rc.node, childRef, child); err != nil {
						e.Log.Debug("not connecting child", "parent", rc.ref, "child", childRef, "error", err)
					}
				}
			}

			childrenWithAddress := map[string]*graph.Node{}
			for childRef, child := range nonExcluded {
				if child.Address != "" {
					childrenWithAddress[childRef] = child
				}
			}

			if len(childrenWithAddress) > 0 {
				nextAncestors := append(append([]string{}, ancestors...), rc.node.ServiceName)
				e.wg.Add(1)
				go func() {
					defer e.wg.Done()
					if err := e.Discover(ctx, childrenWithAddress, nextAncestors); err != nil {
						e.recordFatal(err)
					}
				}()
			}
			return nil
		})
	}

	return g.Wait()
}

// disabledProviders holds the disabled-providers arg as a mapset.Set for
// O(1) membership checks during child exclusion and hint filtering.
func (e *Engine) disabledProviders() mapset.Set[string] {
	return mapset.NewSet(e.Args.DisableProviders...)
}

// disabledProviderSet bridges disabledProviders to the plain map the
// stdlib-only graph package expects (graph.Node.IsExcluded), since graph
// deliberately carries no third-party dependency (see DESIGN.md).
func (e *Engine) disabledProviderSet() map[string]bool {
	out := map[string]bool{}
	for _, ref := range e.disabledProviders().ToSlice() {
		out[ref] = true
	}
	return out
}

// profileWithHints profiles a single node, returning its discovered
// children. A service-name cache hit short-circuits profiling entirely,
// returning a deep-ish copy (empty children, cloned warnings/errors) so
// concurrent callers sharing a cached result can't mutate each other's
// copy.
func (e *Engine) profileWithHints(ctx context.Context, providerRef, nodeRef, address, serviceName string, conn provider.Conn) (map[string]*graph.Node, error) {
	e.cacheMu.Lock()
	cached, hit := e.childCache[serviceName]
	e.cacheMu.Unlock()
	if hit {
		e.Log.Debug("found children in cache", "count", len(cached), "service_name", serviceName)
		return cloneCachedChildren(cached), nil
	}

	e.Log.Debug("profiling", "ref", nodeRef)
	p, err := e.Providers.Get(providerRef)
	if err != nil {
		return nil, err
	}

	strategies, tasks := e.compileProfileTasksAndStrategies(address, serviceName, p)

	results := make([][]graph.NodeTransport, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, e.Args.Timeout)
			defer cancel()
			nts, err := t(cctx, conn)
			if err != nil {
				return fmt.Errorf("profiling %s: %w", serviceName, err)
			}
			results[i] = nts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	children := map[string]*graph.Node{}
	for i, nts := range results {
		strategy := strategies[i]
		for _, nt := range nts {
			if e.skipProtocolMux(nt.ProtocolMux) {
				continue
			}
			childRef, child := e.createChildNode(strategy, p, nt)
			children[childRef] = child
		}
	}

	e.Log.Debug("found children", "count", len(children), "service_name", serviceName)
	e.cacheMu.Lock()
	e.childCache[serviceName] = children
	e.cacheMu.Unlock()

	return children, nil
}

func cloneCachedChildren(cached map[string]*graph.Node) map[string]*graph.Node {
	out := make(map[string]*graph.Node, len(cached))
	for ref, n := range cached {
		clone := *n
		clone.Children = map[string]*graph.Node{}
		clone.Warnings = copyBoolMap(n.Warnings)
		clone.Errors = copyBoolMap(n.Errors)
		out[ref] = &clone
	}
	return out
}

func copyBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// profileTask is one unit of profiling work: either a provider.Profile call
// driven by a static ProfileStrategy, or a provider.TakeAHint call driven
// by a network.Hint — both produce []graph.NodeTransport, letting
// compileProfileTasksAndStrategies treat strategy-driven and hint-driven
// work uniformly.
type profileTask func(ctx context.Context, conn provider.Conn) ([]graph.NodeTransport, error)

// compileProfileTasksAndStrategies builds the set of profileTasks for a
// node: one task per qualifying strategy plus one per matching hint. Each
// qualifying strategy becomes its own task carrying only that one
// strategy, so profile() is invoked at most once per (address, strategy)
// pair even under concurrent dispatch.
func (e *Engine) compileProfileTasksAndStrategies(address, serviceName string, p provider.Provider) ([]profile.Strategy, []profileTask) {
	var strategies []profile.Strategy
	var tasks []profileTask

	profileNode := graph.NewNode(p.Ref(), graph.Protocol{})
	profileNode.Address = address
	profileNode.ServiceName = serviceName

	for _, s := range e.Profiles.ForProvider(p.Ref()) {
		if e.skipProtocol(s.Protocol.Ref) || s.ServiceNameFilter.FilterServiceName(serviceName) {
			continue
		}
		s := s
		strategies = append(strategies, s)
		tasks = append(tasks, func(ctx context.Context, conn provider.Conn) ([]graph.NodeTransport, error) {
			return p.Profile(ctx, profileNode, []profile.Strategy{s}, conn)
		})
	}

	disabled := e.disabledProviders()
	for _, hint := range e.Catalog.Hints(serviceName) {
		if disabled.Contains(hint.InstanceProvider) {
			continue
		}
		hp, err := e.Providers.Get(hint.InstanceProvider)
		if err != nil {
			continue
		}
		hint := hint
		tasks = append(tasks, func(ctx context.Context, _ provider.Conn) ([]graph.NodeTransport, error) {
			return hp.TakeAHint(ctx, hint)
		})
		strategies = append(strategies, hintStrategy(hint))
	}

	return strategies, tasks
}

// hintStrategy synthesizes a profile.Strategy for a hint-driven task,
// using a matchAll child-provider rule pointing at the hint's declared
// provider.
func hintStrategy(hint network.Hint) profile.Strategy {
	return profile.Strategy{
		Name:     profile.HintStrategyName,
		Protocol: hint.Protocol,
		Providers: []string{"hnt"},
		ChildProvider: profile.ChildProviderRule{
			Kind:     profile.ChildProviderMatchAll,
			MatchAll: profile.ProviderInfo{Provider: hint.Provider, NodeType: graph.NodeTypeCompute},
		},
	}
}

// skipProtocol reports whether ref is on the skip-protocols arg.
func (e *Engine) skipProtocol(ref string) bool {
	return mapset.NewSet(e.Args.SkipProtocols...).Contains(ref)
}

// skipProtocolMux reports whether mux matches any skip-protocol-muxes
// substring.
func (e *Engine) skipProtocolMux(mux string) bool {
	for _, skip := range e.Args.SkipProtocolMuxes {
		if skip != "" && strings.Contains(mux, skip) {
			return true
		}
	}
	return false
}

// createChildNode builds the ref and Node for one discovered child
// transport, resolving its provider/node type via the strategy's
// ChildProviderRule and applying obfuscation first if enabled.
func (e *Engine) createChildNode(s profile.Strategy, parentProvider provider.Provider, nt graph.NodeTransport) (string, *graph.Node) {
	if e.Args.Obfuscate && e.Obfuscator != nil {
		nt.ProtocolMux = e.Obfuscator.ProtocolMux(nt.ProtocolMux)
	}

	info, err := s.ChildProvider.Determine(nt.ProtocolMux, nt.Address)
	if err != nil {
		info = profile.ProviderInfo{Provider: nt.Provider, NodeType: graph.NodeTypeUnknown}
	}

	containerized := false
	if childProvider, err := e.Providers.Get(info.Provider); err == nil {
		containerized = childProvider.IsContainerPlatform()
	}

	fromHint := s.FromHint()
	ref, node := graph.NewChildNode(s.Name, s.Protocol, info.Provider, info.NodeType, containerized, fromHint, nt)
	return ref, node
}
