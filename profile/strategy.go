// Package profile implements the profile-strategy registry: the rules
// that tell the discovery engine which command to run against a node and
// how to classify whatever children it finds.
package profile

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/astrolabe-oss/astrolabe/graph"
)

// Pseudo-strategy names for the synthetic strategies assigned to seed,
// inventory, and hint-derived nodes (none of which come from a loaded
// strategy file).
const (
	SeedStrategyName      = "Seed"
	InventoryStrategyName = "Inventory"
	HintStrategyName      = "Hint"
)

// ChildProviderKind is the discriminator of a ChildProviderRule.
type ChildProviderKind string

const (
	ChildProviderMatchAll     ChildProviderKind = "matchAll"
	ChildProviderMatchAddress ChildProviderKind = "matchAddress"
	ChildProviderMatchPort    ChildProviderKind = "matchPort"
)

// ProviderInfo is a (provider, node type) pair, the value a childProvider
// rule's match resolves to.
type ProviderInfo struct {
	Provider string
	NodeType graph.NodeType
}

// AddressMatch is one entry of an ordered matchAddress rule. Represented as
// a slice (not a map) because Determine iterates matches in declaration
// order and takes the first regex that matches — a Go map would not
// preserve that order and would silently break the "first match wins"
// invariant.
type AddressMatch struct {
	Pattern string
	Info    ProviderInfo

	compiled *regexp.Regexp
}

// PortMatch is one entry of a matchPort rule.
type PortMatch struct {
	Port int
	Info ProviderInfo
}

// ChildProviderRule decides which provider and node type to assign a
// newly discovered child, by one of three matching strategies.
type ChildProviderRule struct {
	Kind         ChildProviderKind
	MatchAll     ProviderInfo
	MatchAddress []AddressMatch
	MatchPort    []PortMatch
	Default      ProviderInfo
}

// Determine resolves the ProviderInfo for a discovered child transport
// according to r.Kind.
func (r ChildProviderRule) Determine(protocolMux, address string) (ProviderInfo, error) {
	switch r.Kind {
	case ChildProviderMatchAll:
		return r.MatchAll, nil
	case ChildProviderMatchAddress:
		for i := range r.MatchAddress {
			m := &r.MatchAddress[i]
			if m.compiled == nil {
				re, err := regexp.Compile(m.Pattern)
				if err != nil {
					return ProviderInfo{}, fmt.Errorf("profile: invalid matchAddress pattern %q: %w", m.Pattern, err)
				}
				m.compiled = re
			}
			if m.compiled.MatchString(address) {
				return m.Info, nil
			}
		}
		return r.Default, nil
	case ChildProviderMatchPort:
		port, err := strconv.Atoi(protocolMux)
		if err != nil {
			return r.Default, nil
		}
		for _, m := range r.MatchPort {
			if m.Port == port {
				return m.Info, nil
			}
		}
		return r.Default, nil
	default:
		return ProviderInfo{}, fmt.Errorf("profile: child provider match type %q not supported", r.Kind)
	}
}

// ServiceNameFilter restricts a strategy to a subset of service names via
// an exclude list, an allow list, or both.
type ServiceNameFilter struct {
	Not  []string
	Only []string
}

// FilterServiceName reports whether serviceName is filtered out by f. A
// true result means "do not profile this service name".
func (f ServiceNameFilter) FilterServiceName(serviceName string) bool {
	if len(f.Not) == 0 && len(f.Only) == 0 {
		return false
	}
	for _, n := range f.Not {
		if n == serviceName {
			return true
		}
	}
	if len(f.Only) > 0 {
		for _, o := range f.Only {
			if o == serviceName {
				return false
			}
		}
		return true
	}
	return false
}

// Strategy is one loaded profile strategy: the protocol/providers it
// applies to, the child-provider rule it resolves discovered children
// with, and any service-name filtering.
type Strategy struct {
	Description       string
	Name              string
	Protocol          graph.Protocol
	Providers         []string
	ProviderArgs      map[string]interface{}
	ChildProvider     ChildProviderRule
	ServiceNameFilter ServiceNameFilter
}

// FromHint reports whether this strategy was sourced from a network.Hint
// rather than static configuration.
func (s Strategy) FromHint() bool {
	for _, p := range s.Providers {
		if p == "hnt" || p == "hint" {
			return true
		}
	}
	return false
}

// AppliesToProvider reports whether this strategy runs for the given
// provider ref.
func (s Strategy) AppliesToProvider(providerRef string) bool {
	for _, p := range s.Providers {
		if p == providerRef {
			return true
		}
	}
	return false
}
