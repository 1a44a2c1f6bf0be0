// Package wwwprovider implements the synthetic "www" provider: a sink for
// public-internet addresses that graph.NewChildNode reclassifies any
// child onto, regardless of which provider actually discovered it. It
// has no profiling capability of its own — public IPs are graph leaves.
package wwwprovider

import (
	"context"

	"github.com/astrolabe-oss/astrolabe/provider"
)

// Provider is a pure sink: OpenConnection/LookupName are never expected to
// be called on a "www" node in practice (graph.NewChildNode reclassifies
// public-IP children to this provider specifically so the engine does not
// try to profile them further). Its LookupName always returns an empty
// name.
type Provider struct {
	provider.BaseProvider
	orgLookupToken string
}

// New constructs the www provider. The token is stored but no lookup uses
// it, so no org/region annotation is made with or without a token.
func New(token string) *Provider { return &Provider{orgLookupToken: token} }

// Ref returns this provider's unique identifier.
func (*Provider) Ref() string { return "www" }

// RegisterFlags registers this provider's CLI flags.
func (p *Provider) RegisterFlags(fs provider.FlagRegisterer) {
	fs.StringVar(&p.orgLookupToken, "ipinfo-token", "", "API token for ipinfo.io lookups (accepted and stored; no lookup is made with it)")
}

// LookupName returns an empty name and no error for every address, with or
// without an ipinfo token; no ipinfo.io request is made.
func (p *Provider) LookupName(_ context.Context, address string, _ provider.Conn) (string, error) {
	if p.orgLookupToken == "" {
		return "", nil
	}
	// No ipinfo.io client exists in this module, so a configured token
	// gives the same empty result.
	return "", nil
}
