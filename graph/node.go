// Package graph contains the canonical node data model and the in-memory
// graph store. NodeTransport is the immutable value object a provider hands
// back from a profile call; Node is the mutable vertex the discovery
// engine builds and recurses through.
package graph

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// NodeType is the tagged classification of a Node.
type NodeType string

const (
	NodeTypeNull              NodeType = "NULL"
	NodeTypeCompute           NodeType = "COMPUTE"
	NodeTypeResource          NodeType = "RESOURCE"
	NodeTypeDeployment        NodeType = "DEPLOYMENT"
	NodeTypeTrafficController NodeType = "TRAFFIC_CONTROLLER"
	NodeTypeUnknown           NodeType = "UNKNOWN"
)

// databaseMuxes lists protocol muxes treated as databases even when the
// matched Protocol itself isn't flagged IsDatabase.
var databaseMuxes = map[string]bool{
	"3306":  true,
	"9160":  true,
	"5432":  true,
	"6379":  true,
	"11211": true,
}

// Protocol describes one entry of the network catalog's protocol table.
// Defined here (rather than in package network) so that graph has no
// import dependency on network.
type Protocol struct {
	Ref        string
	Name       string
	Blocking   bool
	IsDatabase bool
}

// NodeTransport is the immutable contract between a provider and the
// discovery engine.
type NodeTransport struct {
	ProfileStrategyName string
	Provider            string
	Protocol            Protocol
	ProtocolMux         string
	Address             string
	FromHint            bool
	DebugIdentifier     string
	NumConnections      *int
	Metadata            map[string]string
	NodeType            NodeType
}

// Warnings/Errors tags attachable to a Node.
const (
	ErrConnectSkipped  = "CONNECT_SKIPPED"
	ErrTimeout         = "TIMEOUT"
	ErrNullAddress     = "NULL_ADDRESS"
	ErrCycle           = "CYCLE"
	ErrProfileSkipped  = "PROFILE_SKIPPED"
	WarnNameLookupFail = "NAME_LOOKUP_FAILED"
	WarnDefunct        = "DEFUNCT"
)

// Node is the mutable canonical graph vertex.
// Every exported mutator assumes single-owner access during a single
// discover() invocation; the discovery engine is responsible for not handing
// the same Node to two goroutines that mutate it concurrently. Only the
// profile timestamp and profile lock are guarded by the Node's own mutex.
type Node struct {
	ProfileStrategyName string
	Provider            string
	Protocol            Protocol
	ProtocolMux         string
	Containerized       bool
	FromHint            bool
	PublicIP            bool
	Address             string
	IPAddrs             []string
	NodeName            string
	ServiceName         string
	Aliases             []string
	Children            map[string]*Node
	Warnings            map[string]bool
	Errors              map[string]bool
	Metadata            map[string]string
	NodeType            NodeType
	Cluster             string

	mu                 sync.Mutex
	profileTimestamp   *time.Time
	profileLockTime    *time.Time
}

// NewNode builds a bare Node with initialized collection fields. Nodes
// should always be built through this constructor or NewChildNode so the
// maps are never nil (MergeNode relies on that).
func NewNode(provider string, protocol Protocol) *Node {
	return &Node{
		Provider:    provider,
		Protocol:    protocol,
		NodeType:    NodeTypeCompute,
		Children:    map[string]*Node{},
		Warnings:    map[string]bool{},
		Errors:      map[string]bool{},
		Metadata:    map[string]string{},
	}
}

// DebugID returns a short human-readable identifier for logging, preferring
// the first alias over the bare address, truncated to shorten characters.
func (n *Node) DebugID(shorten int) string {
	clarifier := "UNKNOWN"
	if n.Address != "" {
		clarifier = n.Address
	}
	if len(n.Aliases) > 0 {
		clarifier = n.Aliases[0]
	}
	id := fmt.Sprintf("%s:%s", n.Provider, clarifier)
	if shorten > 0 && len(id) > shorten {
		return id[:shorten] + "..."
	}
	return id
}

// IsDatabase reports whether this node represents a database, either by
// protocol flag or by a well-known database mux.
func (n *Node) IsDatabase() bool {
	return databaseMuxes[n.ProtocolMux] || n.Protocol.IsDatabase
}

// ProfileComplete reports whether this node finished profiling after since.
func (n *Node) ProfileComplete(since time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.profileTimestamp != nil && n.profileTimestamp.After(since)
}

// NameLookupComplete reports whether name resolution has settled, either
// with a resolved name, a recorded error, or a name-lookup-failed warning.
func (n *Node) NameLookupComplete() bool {
	return n.ServiceName != "" || len(n.Errors) > 0 || n.Warnings[WarnNameLookupFail]
}

// SetProfileTimestamp stamps the current time as this node's profile completion time.
func (n *Node) SetProfileTimestamp() {
	now := time.Now().UTC()
	n.mu.Lock()
	n.profileTimestamp = &now
	n.mu.Unlock()
}

// ProfileTimestamp returns the time profiling completed, or nil if it hasn't.
func (n *Node) ProfileTimestamp() *time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.profileTimestamp
}

// AcquireProfileLock marks a profile as in flight.
func (n *Node) AcquireProfileLock() {
	now := time.Now().UTC()
	n.mu.Lock()
	n.profileLockTime = &now
	n.mu.Unlock()
}

// ClearProfileLock releases the in-flight profile marker.
func (n *Node) ClearProfileLock() {
	n.mu.Lock()
	n.profileLockTime = nil
	n.mu.Unlock()
}

// ProfileLocked reports whether a profile is currently in flight.
func (n *Node) ProfileLocked() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.profileLockTime != nil
}

// IsProfileable reports whether this node should be handed to a provider's
// profile call: it must have no errors, a resolved service name, and (if
// requested) not be a non-blocking node at depth >= 2.
func (n *Node) IsProfileable(depth int, skipNonblockingGrandchildren bool) bool {
	if len(n.Errors) > 0 {
		return false
	}
	if n.ServiceName == "" {
		return false
	}
	if skipNonblockingGrandchildren && depth >= 2 && !n.Protocol.Blocking {
		return false
	}
	return true
}

// IsExcluded reports whether a child should be dropped before recursion:
// its provider is disabled, or (with skipNonblockingGrandchildren) it is a
// non-blocking node appearing at depth >= 2.
func (n *Node) IsExcluded(depth int, disabledProviders map[string]bool, skipNonblockingGrandchildren bool) bool {
	if disabledProviders[n.Provider] {
		return true
	}
	if skipNonblockingGrandchildren && depth >= 2 && !n.Protocol.Blocking {
		return true
	}
	return false
}

// Attributes exposes a Node's fields as a string map for the network
// catalog's rewrite-service-name templating.
func (n *Node) Attributes() map[string]string {
	numConn := ""
	attrs := map[string]string{
		"provider":              n.Provider,
		"protocol_mux":          n.ProtocolMux,
		"address":               n.Address,
		"service_name":          n.ServiceName,
		"node_name":             n.NodeName,
		"cluster":               n.Cluster,
		"profile_strategy_name": n.ProfileStrategyName,
		"num_connections":       numConn,
	}
	if n.Protocol.Ref != "" {
		attrs["protocol"] = n.Protocol.Ref
	}
	return attrs
}

// MergeNode copies every non-empty field of copyfrom onto copyto, except
// Provider and NodeType which stay "sticky" (inventory-preferred) once set.
func MergeNode(copyto, copyfrom *Node) {
	if copyto.Provider == "" {
		copyto.Provider = copyfrom.Provider
	}
	if copyto.NodeType == "" {
		copyto.NodeType = copyfrom.NodeType
	}
	if copyfrom.ProfileStrategyName != "" {
		copyto.ProfileStrategyName = copyfrom.ProfileStrategyName
	}
	if copyfrom.Protocol.Ref != "" {
		copyto.Protocol = copyfrom.Protocol
	}
	if copyfrom.ProtocolMux != "" {
		copyto.ProtocolMux = copyfrom.ProtocolMux
	}
	if copyfrom.Containerized {
		copyto.Containerized = copyfrom.Containerized
	}
	if copyfrom.FromHint {
		copyto.FromHint = copyfrom.FromHint
	}
	if copyfrom.PublicIP {
		copyto.PublicIP = copyfrom.PublicIP
	}
	if copyfrom.Address != "" {
		copyto.Address = copyfrom.Address
	}
	if len(copyfrom.IPAddrs) > 0 {
		copyto.IPAddrs = copyfrom.IPAddrs
	}
	if copyfrom.NodeName != "" {
		copyto.NodeName = copyfrom.NodeName
	}
	if copyfrom.ServiceName != "" {
		copyto.ServiceName = copyfrom.ServiceName
	}
	if len(copyfrom.Aliases) > 0 {
		copyto.Aliases = mergeAliases(copyto.Aliases, copyfrom.Aliases)
	}
	if len(copyfrom.Children) > 0 {
		copyto.Children = copyfrom.Children
	}
	for w := range copyfrom.Warnings {
		copyto.Warnings[w] = true
	}
	for e := range copyfrom.Errors {
		copyto.Errors[e] = true
	}
	for k, v := range copyfrom.Metadata {
		if copyto.Metadata == nil {
			copyto.Metadata = map[string]string{}
		}
		copyto.Metadata[k] = v
	}
	if copyfrom.Cluster != "" {
		copyto.Cluster = copyfrom.Cluster
	}
}

func mergeAliases(existing, incoming []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(existing)+len(incoming))
	for _, a := range existing {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, a := range incoming {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return out
}

// Persistable reports whether this node has enough identity to persist:
// an address, or at least one alias.
func (n *Node) Persistable() bool {
	return n.Address != "" || len(n.Aliases) > 0
}

// NewChildNode builds a child Node from a NodeTransport returned by a
// profile strategy or hint. provider/nodeType are the already-resolved
// (child_provider, node_type) pair from the strategy's ChildProviderRule.Determine.
func NewChildNode(strategyName string, protocol Protocol, provider string, nodeType NodeType, containerized, fromHint bool, nt NodeTransport) (ref string, node *Node) {
	node = NewNode(provider, protocol)
	node.ProfileStrategyName = strategyName
	node.ProtocolMux = nt.ProtocolMux
	node.Containerized = containerized
	node.FromHint = fromHint
	node.Address = nt.Address
	node.Metadata = nt.Metadata
	node.NodeType = nodeType
	if fromHint {
		node.ServiceName = nt.DebugIdentifier
	}

	if publicIP(nt.Address) {
		node.PublicIP = true
		node.Provider = "www"
	}

	if nt.Address == "" || nt.Address == "null" {
		node.Errors[ErrNullAddress] = true
	}
	if nt.NumConnections != nil && *nt.NumConnections == 0 {
		node.Warnings[WarnDefunct] = true
	}

	parts := []string{protocol.Ref, nt.ProtocolMux}
	if nt.DebugIdentifier != "" {
		parts = append(parts, nt.DebugIdentifier)
	}
	ref = joinNonEmpty(parts)
	return ref, node
}

// NewSeedNode builds a top-level seed Node from a CLI "--seeds
// PROVIDER:ADDRESS" entry. Unlike NewChildNode, the seed node's ref
// includes its address since no debug identifier exists yet at this
// point. Its protocol is always TCP and its protocol mux is "seed".
func NewSeedNode(providerRef, address string) (ref string, node *Node) {
	node = NewNode(providerRef, Protocol{Ref: "TCP", Name: "TCP", Blocking: true})
	node.Address = address
	node.ProtocolMux = "seed"
	node.NodeType = NodeTypeCompute

	if publicIP(address) {
		node.PublicIP = true
		node.Provider = "www"
	}
	if address == "" || address == "null" {
		node.Errors[ErrNullAddress] = true
	}

	ref = joinNonEmpty([]string{"TCP", "seed", address})
	return ref, node
}

func joinNonEmpty(parts []string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "_"
		}
		out += p
	}
	return out
}

// publicIP reports whether address is a public IP: any IP that is not
// private, loopback, link-local or multicast. The unspecified address
// (0.0.0.0 or ::) counts as public. An address that doesn't parse as an
// IP at all (a k8s pod name, for example) is never "public".
func publicIP(address string) bool {
	ip := net.ParseIP(address)
	if ip == nil {
		return false
	}
	if ip.IsUnspecified() {
		return true
	}
	if isSpecialIP(ip) {
		return false
	}
	return !ip.IsPrivate()
}

func isSpecialIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast()
}

// NumConnectionsFromString is a small helper used by the profile-strategy
// response parser (package profile) to build the *int NumConnections field.
func NumConnectionsFromString(s string) (*int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
