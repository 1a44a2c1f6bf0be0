package graph

import (
	"encoding/json"
	"time"
)

// nodeJSON stamps every polymorphic value with a `__type__` discriminator
// so a later load can tell a Node from a Protocol from a bare map. Go
// doesn't need the tag to deserialize correctly (the field type is
// static), but the tag is preserved for format fidelity with external
// tools that might read the dump outside this program.
type nodeJSON struct {
	Type                string            `json:"__type__"`
	ProfileStrategyName string            `json:"profile_strategy_name"`
	Provider            string            `json:"provider"`
	Protocol            protocolJSON      `json:"protocol"`
	ProtocolMux         string            `json:"protocol_mux"`
	Containerized       bool              `json:"containerized"`
	FromHint            bool              `json:"from_hint"`
	PublicIP            bool              `json:"public_ip"`
	Address             string            `json:"address"`
	IPAddrs             []string          `json:"ipaddrs"`
	NodeName            string            `json:"node_name"`
	ServiceName         string            `json:"service_name"`
	Aliases             []string          `json:"aliases"`
	Children            map[string]*Node  `json:"children"`
	Warnings            map[string]bool   `json:"warnings"`
	Errors              map[string]bool   `json:"errors"`
	Metadata            map[string]string `json:"metadata"`
	NodeType            string            `json:"node_type"`
	Cluster             string            `json:"cluster"`
	ProfileTimestamp    *time.Time        `json:"profile_timestamp,omitempty"`
}

type protocolJSON struct {
	Type       string `json:"__type__"`
	Ref        string `json:"ref"`
	Name       string `json:"name"`
	Blocking   bool   `json:"blocking"`
	IsDatabase bool   `json:"is_database"`
}

// MarshalJSON implements json.Marshaler, tagging the output with __type__.
func (n *Node) MarshalJSON() ([]byte, error) {
	n.mu.Lock()
	ts := n.profileTimestamp
	n.mu.Unlock()

	return json.Marshal(nodeJSON{
		Type:                "Node",
		ProfileStrategyName: n.ProfileStrategyName,
		Provider:            n.Provider,
		Protocol: protocolJSON{
			Type:       "Protocol",
			Ref:        n.Protocol.Ref,
			Name:       n.Protocol.Name,
			Blocking:   n.Protocol.Blocking,
			IsDatabase: n.Protocol.IsDatabase,
		},
		ProtocolMux:      n.ProtocolMux,
		Containerized:    n.Containerized,
		FromHint:         n.FromHint,
		PublicIP:         n.PublicIP,
		Address:          n.Address,
		IPAddrs:          n.IPAddrs,
		NodeName:         n.NodeName,
		ServiceName:      n.ServiceName,
		Aliases:          n.Aliases,
		Children:         n.Children,
		Warnings:         n.Warnings,
		Errors:           n.Errors,
		Metadata:         n.Metadata,
		NodeType:         string(n.NodeType),
		Cluster:          n.Cluster,
		ProfileTimestamp: ts,
	})
}

// UnmarshalJSON implements json.Unmarshaler, the inverse of MarshalJSON.
func (n *Node) UnmarshalJSON(data []byte) error {
	var dto nodeJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return err
	}
	n.ProfileStrategyName = dto.ProfileStrategyName
	n.Provider = dto.Provider
	n.Protocol = Protocol{
		Ref:        dto.Protocol.Ref,
		Name:       dto.Protocol.Name,
		Blocking:   dto.Protocol.Blocking,
		IsDatabase: dto.Protocol.IsDatabase,
	}
	n.ProtocolMux = dto.ProtocolMux
	n.Containerized = dto.Containerized
	n.FromHint = dto.FromHint
	n.PublicIP = dto.PublicIP
	n.Address = dto.Address
	n.IPAddrs = dto.IPAddrs
	n.NodeName = dto.NodeName
	n.ServiceName = dto.ServiceName
	n.Aliases = dto.Aliases
	n.Children = dto.Children
	if n.Children == nil {
		n.Children = map[string]*Node{}
	}
	n.Warnings = dto.Warnings
	if n.Warnings == nil {
		n.Warnings = map[string]bool{}
	}
	n.Errors = dto.Errors
	if n.Errors == nil {
		n.Errors = map[string]bool{}
	}
	n.Metadata = dto.Metadata
	n.NodeType = NodeType(dto.NodeType)
	n.Cluster = dto.Cluster
	n.profileTimestamp = dto.ProfileTimestamp
	return nil
}
