// Package network implements the network catalog: the set of
// user-defined protocols, hints, skip rules, and service-name rewrites
// loaded from network.yaml-style files.
package network

import (
	"fmt"
	"net"
	"strings"
	"text/template"

	"github.com/ghodss/yaml"

	"github.com/astrolabe-oss/astrolabe/graph"
)

// Built-in protocols, always present regardless of any loaded catalog
// file.
var (
	ProtocolTCP       = graph.Protocol{Ref: "TCP", Name: "TCP", Blocking: true}
	ProtocolSeed      = graph.Protocol{Ref: "SEED", Name: "Seed", Blocking: true}
	ProtocolHint      = graph.Protocol{Ref: "HNT", Name: "Hint", Blocking: true}
	ProtocolInventory = graph.Protocol{Ref: "INV", Name: "Inventory", Blocking: true}
)

// builtinRefs lists the protocol refs Validate exempts from its
// at-least-one-user-defined-protocol requirement.
var builtinRefs = map[string]bool{"SEED": true, "HNT": true}

// ignoredCIDRs are always skipped regardless of catalog config (the
// link-local cloud metadata endpoint, never worth discovering).
var ignoredCIDRs = []string{"169.254.169.254/32"}

// Hint is a user-declared shortcut edge: "service X always talks to Y on
// port Z via provider P", bypassing live discovery for that hop.
type Hint struct {
	ServiceName      string
	Protocol         graph.Protocol
	ProtocolMux      string
	Provider         string
	InstanceProvider string
}

// protocolDoc / hintDoc / fileDoc are the YAML-facing shapes, kept distinct
// from the in-memory graph.Protocol/Hint types so catalog file format can
// evolve independently of the runtime model.
type protocolDoc struct {
	Blocking   bool `json:"blocking"`
	IsDatabase bool `json:"is_database"`
}

type hintDoc struct {
	ServiceName      string `json:"service_name"`
	Protocol         string `json:"protocol"`
	ProtocolMux      string `json:"protocol_mux"`
	Provider         string `json:"provider"`
	InstanceProvider string `json:"instance_provider"`
}

type skipsDoc struct {
	Addresses     []string `json:"addresses"`
	ServiceNames  []string `json:"service_names"`
	ProtocolMuxes []string `json:"protocol_muxes"`
}

type fileDoc struct {
	Protocols            map[string]protocolDoc `json:"protocols"`
	Hints                map[string][]hintDoc    `json:"hints"`
	Skips                skipsDoc                `json:"skips"`
	ServiceNameRewrites  map[string]string       `json:"service-name-rewrites"`
}

// serviceNameRewrite is one configured "first substring match wins"
// rewrite rule. Rules are kept in an ordered slice, so rules from an
// earlier file are tried before rules from a later file. Within one file
// the rules are read from a decoded map, so their order there is the
// map's iteration order, not the order they are written in the file.
type serviceNameRewrite struct {
	match    string
	template string
}

// Catalog holds the parsed contents of one or more network.yaml files plus
// CLI-supplied skip-protocol-mux overrides, collected into a value instead
// of package globals so multiple Engines in the same process don't share
// mutable state.
type Catalog struct {
	protocols           map[string]graph.Protocol
	hints                map[string][]Hint
	ignoredNetworks      []*net.IPNet
	skipAddresses        []string
	skipServiceNames     []string
	skipProtocolMuxes    []string
	serviceNameRewrites  []serviceNameRewrite

	// cliSkipProtocolMuxes holds the --skip-protocol-muxes CLI arg,
	// applied in addition to any catalog-file skip rule.
	cliSkipProtocolMuxes []string
}

// NewCatalog builds an empty Catalog seeded with the built-in protocols.
func NewCatalog() *Catalog {
	c := &Catalog{
		protocols: map[string]graph.Protocol{},
		hints:     map[string][]Hint{},
	}
	c.protocols["SEED"] = ProtocolSeed
	c.protocols["HNT"] = ProtocolHint
	c.protocols["TCP"] = ProtocolTCP
	for _, cidr := range ignoredCIDRs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			c.ignoredNetworks = append(c.ignoredNetworks, n)
		}
	}
	return c
}

// SetCLISkipProtocolMuxes wires the --skip-protocol-muxes CLI flag into the
// catalog's skip_protocol_mux check.
func (c *Catalog) SetCLISkipProtocolMuxes(muxes []string) {
	c.cliSkipProtocolMuxes = muxes
}

// LoadFiles parses each network.yaml-style file into the catalog. Later
// files are additive over earlier ones.
func (c *Catalog) LoadFiles(paths []string) error {
	for _, path := range paths {
		if err := c.loadFile(path); err != nil {
			return fmt.Errorf("network: loading %s: %w", path, err)
		}
	}
	return c.Validate()
}

func (c *Catalog) loadFile(path string) error {
	raw, err := readFile(path)
	if err != nil {
		return err
	}
	var doc fileDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unable to parse yaml: %w", err)
	}

	for ref, attrs := range doc.Protocols {
		c.protocols[ref] = graph.Protocol{
			Ref:        ref,
			Name:       ref,
			Blocking:   attrs.Blocking,
			IsDatabase: attrs.IsDatabase,
		}
	}

	for svc, hintDocs := range doc.Hints {
		var parsed []Hint
		for _, h := range hintDocs {
			proto, err := c.GetProtocol(h.Protocol)
			if err != nil {
				return fmt.Errorf("hints malformed in %s: %w", path, err)
			}
			parsed = append(parsed, Hint{
				ServiceName:      h.ServiceName,
				Protocol:         proto,
				ProtocolMux:      h.ProtocolMux,
				Provider:         h.Provider,
				InstanceProvider: h.InstanceProvider,
			})
		}
		c.hints[svc] = parsed
	}

	c.skipAddresses = append(c.skipAddresses, doc.Skips.Addresses...)
	c.skipServiceNames = append(c.skipServiceNames, doc.Skips.ServiceNames...)
	c.skipProtocolMuxes = append(c.skipProtocolMuxes, doc.Skips.ProtocolMuxes...)

	for match, rewrite := range doc.ServiceNameRewrites {
		c.serviceNameRewrites = append(c.serviceNameRewrites, serviceNameRewrite{match: match, template: rewrite})
	}

	return nil
}

// Validate requires at least one user-defined protocol to have been
// loaded.
func (c *Catalog) Validate() error {
	userDefined := 0
	for ref := range c.protocols {
		if !builtinRefs[ref] && ref != "TCP" {
			userDefined++
		}
	}
	if userDefined == 0 {
		return fmt.Errorf("no protocols defined in network catalog; please define protocols before proceeding")
	}
	return nil
}

// GetProtocol looks up a loaded protocol by ref.
func (c *Catalog) GetProtocol(ref string) (graph.Protocol, error) {
	p, ok := c.protocols[ref]
	if !ok {
		return graph.Protocol{}, fmt.Errorf("protocol %q not found; please validate your configuration", ref)
	}
	return p, nil
}

// Hints returns every hint declared for serviceName.
func (c *Catalog) Hints(serviceName string) []Hint {
	return c.hints[serviceName]
}

// SkipAddress reports whether address matches a configured skip rule or
// falls within an ignored CIDR.
func (c *Catalog) SkipAddress(address string) bool {
	for _, match := range c.skipAddresses {
		if strings.Contains(address, match) {
			return true
		}
	}
	ip := net.ParseIP(address)
	if ip == nil {
		return false
	}
	for _, n := range c.ignoredNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// SkipServiceName reports whether serviceName matches a configured skip
// rule.
func (c *Catalog) SkipServiceName(serviceName string) bool {
	for _, match := range c.skipServiceNames {
		if strings.Contains(serviceName, match) {
			return true
		}
	}
	return false
}

// SkipProtocolMux reports whether protocolMux matches a CLI-supplied or
// catalog-file skip rule.
func (c *Catalog) SkipProtocolMux(protocolMux string) bool {
	for _, skip := range c.cliSkipProtocolMuxes {
		if strings.Contains(protocolMux, skip) {
			return true
		}
	}
	for _, match := range c.skipProtocolMuxes {
		if strings.Contains(protocolMux, match) {
			return true
		}
	}
	return false
}

// RewriteServiceName applies the first matching service-name-rewrites
// template, in the order the rules were loaded (see serviceNameRewrite),
// using text/template's {{.Field}} syntax for attribute interpolation
// against n.Attributes().
func (c *Catalog) RewriteServiceName(serviceName string, n *graph.Node) string {
	for _, r := range c.serviceNameRewrites {
		if serviceName != "" && strings.Contains(serviceName, r.match) {
			tmpl, err := template.New("rewrite").Parse(r.template)
			if err != nil {
				return serviceName
			}
			var sb strings.Builder
			if err := tmpl.Execute(&sb, n.Attributes()); err != nil {
				return serviceName
			}
			return sb.String()
		}
	}
	return serviceName
}
