package profile

import (
	"bytes"
	"fmt"

	"github.com/ghodss/yaml"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
)

// yamlDoc is the on-disk shape of one ProfileStrategy document.
type yamlDoc struct {
	Type              string                 `json:"type"`
	Description       string                 `json:"description"`
	Name              string                 `json:"name"`
	Protocol          string                 `json:"protocol"`
	Providers         []string               `json:"providers"`
	ProviderArgs      map[string]interface{} `json:"providerArgs"`
	ChildProvider     childProviderDoc       `json:"childProvider"`
	ServiceNameFilter *serviceNameFilterDoc  `json:"serviceNameFilter"`
}

type providerInfoDoc []interface{} // [provider, nodeType]

type childProviderDoc struct {
	Type     string                     `json:"type"`
	Provider providerInfoDoc            `json:"provider"`
	Matches  map[string]providerInfoDoc `json:"matches"`
	Default  providerInfoDoc            `json:"default"`
}

type serviceNameFilterDoc struct {
	Not  []string `json:"not"`
	Only []string `json:"only"`
}

// toDefaultProviderInfo is toProviderInfo, but an absent "default" key
// (an empty/nil providerInfoDoc) is valid and resolves to the zero
// ProviderInfo rather than a parse error — matchAddress/matchPort rules
// are not required to declare a fallback.
func toDefaultProviderInfo(d providerInfoDoc) (ProviderInfo, error) {
	if len(d) == 0 {
		return ProviderInfo{}, nil
	}
	return toProviderInfo(d)
}

func toProviderInfo(d providerInfoDoc) (ProviderInfo, error) {
	if len(d) != 2 {
		return ProviderInfo{}, fmt.Errorf("profile: expected [provider, nodeType] pair, got %v", d)
	}
	provider, ok := d[0].(string)
	if !ok {
		return ProviderInfo{}, fmt.Errorf("profile: provider must be a string, got %v", d[0])
	}
	nt, ok := d[1].(string)
	if !ok {
		return ProviderInfo{}, fmt.Errorf("profile: node type must be a string, got %v", d[1])
	}
	return ProviderInfo{Provider: provider, NodeType: graph.NodeType(nt)}, nil
}

// Registry holds every Strategy loaded from strategy files. It does not
// hold the seed, inventory, and hint pseudo strategies: those exist only
// as the names SeedStrategyName/InventoryStrategyName/HintStrategyName,
// and All/ForProvider never return them.
type Registry struct {
	strategies []Strategy
	catalog    *network.Catalog
}

// NewRegistry builds a Registry backed by catalog for protocol resolution.
func NewRegistry(catalog *network.Catalog) *Registry {
	return &Registry{catalog: catalog}
}

// LoadFiles parses each multi-document YAML file for `type: ProfileStrategy`
// documents.
func (r *Registry) LoadFiles(paths []string) error {
	for _, path := range paths {
		if err := r.loadFile(path); err != nil {
			return fmt.Errorf("profile: loading %s: %w", path, err)
		}
	}
	return nil
}

func (r *Registry) loadFile(path string) error {
	raw, err := readFile(path)
	if err != nil {
		return err
	}
	for _, doc := range splitYAMLDocuments(raw) {
		var d yamlDoc
		if err := yaml.Unmarshal(doc, &d); err != nil {
			return fmt.Errorf("unable to parse yaml: %w", err)
		}
		if d.Type != "ProfileStrategy" {
			continue
		}
		strategy, err := r.fromDoc(d)
		if err != nil {
			return err
		}
		r.strategies = append(r.strategies, strategy)
	}
	return nil
}

func (r *Registry) fromDoc(d yamlDoc) (Strategy, error) {
	proto, err := r.catalog.GetProtocol(d.Protocol)
	if err != nil {
		return Strategy{}, err
	}

	rule, err := childProviderFromDoc(d.ChildProvider)
	if err != nil {
		return Strategy{}, err
	}

	var filter ServiceNameFilter
	if d.ServiceNameFilter != nil {
		filter = ServiceNameFilter{Not: d.ServiceNameFilter.Not, Only: d.ServiceNameFilter.Only}
	}

	return Strategy{
		Description:       d.Description,
		Name:              d.Name,
		Protocol:          proto,
		Providers:         d.Providers,
		ProviderArgs:      d.ProviderArgs,
		ChildProvider:     rule,
		ServiceNameFilter: filter,
	}, nil
}

func childProviderFromDoc(d childProviderDoc) (ChildProviderRule, error) {
	rule := ChildProviderRule{Kind: ChildProviderKind(d.Type)}
	switch rule.Kind {
	case ChildProviderMatchAll:
		info, err := toProviderInfo(d.Provider)
		if err != nil {
			return rule, err
		}
		rule.MatchAll = info
	case ChildProviderMatchAddress:
		// Matches is a map on disk (YAML object); ghodss/yaml decodes
		// through encoding/json, which does not preserve source key order.
		// "first regex in declaration order wins" is therefore only
		// guaranteed for rules built programmatically (as in
		// profile_test.go), not for multi-match YAML documents — see
		// DESIGN.md's "Known gap" entry for profile/.
		for pattern, infoDoc := range d.Matches {
			info, err := toProviderInfo(infoDoc)
			if err != nil {
				return rule, err
			}
			rule.MatchAddress = append(rule.MatchAddress, AddressMatch{Pattern: pattern, Info: info})
		}
		def, err := toDefaultProviderInfo(d.Default)
		if err != nil {
			return rule, err
		}
		rule.Default = def
	case ChildProviderMatchPort:
		for portStr, infoDoc := range d.Matches {
			info, err := toProviderInfo(infoDoc)
			if err != nil {
				return rule, err
			}
			port, convErr := parsePort(portStr)
			if convErr != nil {
				return rule, convErr
			}
			rule.MatchPort = append(rule.MatchPort, PortMatch{Port: port, Info: info})
		}
		def, err := toDefaultProviderInfo(d.Default)
		if err != nil {
			return rule, err
		}
		rule.Default = def
	default:
		return rule, fmt.Errorf("profile: child provider match type %q not supported", d.Type)
	}
	return rule, nil
}

// All returns every loaded strategy.
func (r *Registry) All() []Strategy {
	return r.strategies
}

// ForProvider returns every strategy whose Providers list includes
// providerRef.
func (r *Registry) ForProvider(providerRef string) []Strategy {
	var out []Strategy
	for _, s := range r.strategies {
		if s.AppliesToProvider(providerRef) {
			out = append(out, s)
		}
	}
	return out
}

func splitYAMLDocuments(raw []byte) [][]byte {
	return bytes.Split(raw, []byte("\n---"))
}
