package graph

import (
	"fmt"
	"sync"
)

// EdgeKind classifies the relationship between a parent Node and a child
// Node. This store has no property-graph backend (see DESIGN.md), so the
// richer relationship types a graph database might use are collapsed to a
// single enum here.
type EdgeKind string

const (
	EdgeKindCalls     EdgeKind = "CALLS"
	EdgeKindResources EdgeKind = "USES_RESOURCE"
)

// DetermineEdgeKind chooses the edge kind for a parent->child pair: a
// database/resource-type child is a "uses resource" edge, everything else
// is a "calls" edge.
func DetermineEdgeKind(child *Node) EdgeKind {
	if child.IsDatabase() || child.NodeType == NodeTypeResource {
		return EdgeKindResources
	}
	return EdgeKindCalls
}

// Edge is a flattened, store-level record of a parent->child relationship,
// recorded alongside the nested Node.Children tree so exporters/providers
// can answer queries (IsK8sLoadBalancer, IsK8sService) without re-walking
// the tree.
type Edge struct {
	ParentRef string
	ChildRef  string
	Kind      EdgeKind
}

// ErrInvalidEdge reports an attempt to connect a child under a parent node
// type that can never have children: a RESOURCE node (a database or queue)
// is always a graph leaf, so connecting anything underneath one is
// rejected rather than silently accepted.
type ErrInvalidEdge struct {
	ParentType NodeType
	ChildRef   string
}

func (e *ErrInvalidEdge) Error() string {
	return fmt.Sprintf("graph: %s nodes cannot have children (child %s)", e.ParentType, e.ChildRef)
}

// Store is the minimal persistence contract the discovery engine writes
// through. InMemoryStore is the only implementation.
type Store interface {
	Upsert(ref string, node *Node)
	Get(ref string) (*Node, bool)
	All() map[string]*Node

	// Save is an idempotent upsert keyed by (provider, address) that merges
	// into any existing node at that identity rather than replacing it
	// outright.
	Save(ref string, node *Node) *Node

	// SaveByAlias records a node known only by DNS alias, not yet an address.
	SaveByAlias(alias string, node *Node)

	// ByAddress looks up a node by address alone, ignoring provider.
	ByAddress(address string) (*Node, bool)

	// PendingDNSLookup returns nodes with aliases but no resolved address,
	// consulted by provider Sidecar implementations.
	PendingDNSLookup() []AliasedNode

	// Unprofiled returns nodes with an address but no profile timestamp yet.
	Unprofiled() []*Node

	// Connect records a directed edge between an already-saved parent and
	// child node.
	Connect(parentRef string, parent *Node, childRef string, child *Node) error

	// IsK8sLoadBalancer/IsK8sService answer typed queries used by
	// provider/k8sprovider to skip re-profiling nodes pre-populated during
	// its Inventory pass.
	IsK8sLoadBalancer(address string) bool
	IsK8sService(address string) bool
}

// AliasedNode pairs a DNS alias with the Node it's pending resolution for.
type AliasedNode struct {
	Alias string
	Node  *Node
}

// InMemoryStore is a mutex-guarded map: a plain map behind a sync.Mutex, no
// informer, no backing database.
type InMemoryStore struct {
	mu         sync.Mutex
	nodes      map[string]*Node
	byIdentity map[string]*Node // (provider, address) -> node
	byAddrOnly map[string]*Node // address -> node, provider-agnostic
	byAlias    map[string]*Node // alias -> node
	edges      []Edge
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		nodes:      map[string]*Node{},
		byIdentity: map[string]*Node{},
		byAddrOnly: map[string]*Node{},
		byAlias:    map[string]*Node{},
	}
}

// Upsert inserts or replaces the node at ref. It keeps the same identity
// indices Save populates so a node written during normal discovery (the
// engine's own write path) is visible to ByAddress/IsK8sLoadBalancer/
// IsK8sService/PendingDNSLookup/Unprofiled without requiring callers to
// go through Save.
func (s *InMemoryStore) Upsert(ref string, node *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[ref] = node
	s.indexLocked(node)
}

// indexLocked updates byIdentity/byAddrOnly/byAlias for node. Callers must
// hold s.mu.
func (s *InMemoryStore) indexLocked(node *Node) {
	if node.Address != "" {
		s.byIdentity[identityKey(node.Provider, node.Address)] = node
		s.byAddrOnly[node.Address] = node
	}
	for _, alias := range node.Aliases {
		s.byAlias[alias] = node
	}
}

// Get returns the node at ref, if present.
func (s *InMemoryStore) Get(ref string) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[ref]
	return n, ok
}

// All returns a shallow copy of the full ref->node map.
func (s *InMemoryStore) All() map[string]*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Node, len(s.nodes))
	for k, v := range s.nodes {
		out[k] = v
	}
	return out
}

// Save performs an idempotent upsert. When a node already exists at the
// same (provider, address) identity, the incoming node is merged into it
// and the existing, now-updated node is returned; otherwise the incoming
// node is indexed as-is.
func (s *InMemoryStore) Save(ref string, node *Node) *Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node.Address != "" {
		key := identityKey(node.Provider, node.Address)
		if existing, ok := s.byIdentity[key]; ok && existing != node {
			MergeNode(existing, node)
			s.nodes[ref] = existing
			s.indexLocked(existing)
			return existing
		}
	}
	s.nodes[ref] = node
	s.indexLocked(node)
	return node
}

// SaveByAlias records node as pending resolution for alias.
func (s *InMemoryStore) SaveByAlias(alias string, node *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !containsString(node.Aliases, alias) {
		node.Aliases = append(node.Aliases, alias)
	}
	s.byAlias[alias] = node
}

// ByAddress looks up a node by address alone. Lookup is provider-agnostic,
// matching a single flat index keyed by address.
func (s *InMemoryStore) ByAddress(address string) (*Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.byAddrOnly[address]
	return n, ok
}

// PendingDNSLookup returns every aliased node with no resolved address yet.
func (s *InMemoryStore) PendingDNSLookup() []AliasedNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AliasedNode, 0, len(s.byAlias))
	for alias, n := range s.byAlias {
		if n.Address == "" {
			out = append(out, AliasedNode{Alias: alias, Node: n})
		}
	}
	return out
}

// Unprofiled returns every node with a known address but no profile
// timestamp yet, used by long-lived tooling built on top of the store
// (e.g. a print-while-discovering consumer).
func (s *InMemoryStore) Unprofiled() []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Node
	for _, n := range s.nodes {
		if n.Address != "" && n.ProfileTimestamp() == nil {
			out = append(out, n)
		}
	}
	return out
}

// Connect records a directed edge, rejecting edges whose parent is a
// RESOURCE node (databases/queues are graph leaves).
func (s *InMemoryStore) Connect(parentRef string, parent *Node, childRef string, child *Node) error {
	if parent.NodeType == NodeTypeResource {
		return &ErrInvalidEdge{ParentType: parent.NodeType, ChildRef: childRef}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, Edge{ParentRef: parentRef, ChildRef: childRef, Kind: DetermineEdgeKind(child)})
	return nil
}

// IsK8sLoadBalancer reports whether address was pre-populated during
// provider/k8sprovider's Inventory pass as a load balancer / service.
func (s *InMemoryStore) IsK8sLoadBalancer(address string) bool {
	n, ok := s.ByAddress(address)
	return ok && n.Provider == "k8s" && n.NodeType == NodeTypeTrafficController
}

// IsK8sService reports whether address was pre-populated during Inventory
// as a k8s deployment.
func (s *InMemoryStore) IsK8sService(address string) bool {
	n, ok := s.ByAddress(address)
	return ok && n.Provider == "k8s" && n.NodeType == NodeTypeDeployment
}

func identityKey(provider, address string) string {
	return provider + "|" + address
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
