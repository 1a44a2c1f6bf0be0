// Package hintprovider implements the synthetic "hnt" provider: it never
// opens a connection or looks up a name, it only resolves a network.Hint
// into a single concrete graph.NodeTransport.
package hintprovider

import (
	"context"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/profile"
	"github.com/astrolabe-oss/astrolabe/provider"
)

// Provider resolves Hints declared in the network catalog. It carries no
// connection state of its own — every hop a Hint describes is already
// fully specified by the catalog entry.
type Provider struct {
	provider.BaseProvider
}

// New constructs the hint provider.
func New() *Provider { return &Provider{} }

// Ref returns the synthetic 'hnt' provider ref.
func (*Provider) Ref() string { return "hnt" }

// TakeAHint resolves hint into a NodeTransport. A Hint already carries
// the declared protocol mux and provider, so resolving it is just
// wrapping it — no network call required.
func (*Provider) TakeAHint(_ context.Context, hint network.Hint) ([]graph.NodeTransport, error) {
	return []graph.NodeTransport{{
		ProfileStrategyName: profile.HintStrategyName,
		Provider:            hint.Provider,
		Protocol:            hint.Protocol,
		ProtocolMux:         hint.ProtocolMux,
		FromHint:            true,
		DebugIdentifier:     hint.ServiceName,
		NodeType:            graph.NodeTypeCompute,
	}}, nil
}
