package provider

import (
	"context"
	"sort"

	hclog "github.com/hashicorp/go-hclog"
)

// Registry holds every registered provider plugin keyed by ref.
type Registry struct {
	plugins  map[string]Provider
	log      hclog.Logger
	disabled map[string]bool
}

// NewRegistry builds an empty Registry. disabledRefs names provider refs
// to exclude from both registration and inventory.
func NewRegistry(log hclog.Logger, disabledRefs []string) *Registry {
	disabled := map[string]bool{}
	for _, r := range disabledRefs {
		disabled[r] = true
	}
	return &Registry{plugins: map[string]Provider{}, log: log, disabled: disabled}
}

// Register adds p to the registry, refusing a second provider with the
// same ref. Providers are wired explicitly by the discover subcommand's
// Run, since Go has no runtime subclass enumeration to scan.
func (r *Registry) Register(p Provider) error {
	ref := p.Ref()
	if r.disabled[ref] {
		return nil
	}
	if _, exists := r.plugins[ref]; exists {
		return &ErrClobber{Ref: ref}
	}
	r.plugins[ref] = p
	if r.log != nil {
		r.log.Debug("registered provider", "ref", ref)
	}
	return nil
}

// Get returns the provider registered under ref.
func (r *Registry) Get(ref string) (Provider, error) {
	p, ok := r.plugins[ref]
	if !ok {
		return nil, &ErrUnknownProvider{Ref: ref}
	}
	return p, nil
}

// Refs returns every registered provider ref, sorted.
func (r *Registry) Refs() []string {
	refs := make([]string, 0, len(r.plugins))
	for ref := range r.plugins {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// All returns every registered provider, ordered by ref.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.plugins))
	for _, ref := range r.Refs() {
		out = append(out, r.plugins[ref])
	}
	return out
}

// PerformInventory runs every registered provider's bulk Inventory pass,
// respecting --seeds-only/--skip-inventory.
func (r *Registry) PerformInventory(ctx context.Context, seedsOnly, skipInventory bool) error {
	if seedsOnly {
		if r.log != nil {
			r.log.Info("skipping inventory due to --seeds-only")
		}
		return nil
	}
	if skipInventory {
		if r.log != nil {
			r.log.Info("skipping inventory due to --skip-inventory")
		}
		return nil
	}
	for _, p := range r.All() {
		if err := p.Inventory(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFlags registers every provider's CLI flags on fs, prefixing
// each flag a provider registers with its own ref to avoid namespace
// collisions.
func (r *Registry) RegisterFlags(fs FlagRegisterer) {
	for _, p := range r.All() {
		p.RegisterFlags(namespacedFlags{ref: p.Ref(), fs: fs})
	}
}

// namespacedFlags wraps a FlagRegisterer, prefixing every flag name with
// "<ref>-".
type namespacedFlags struct {
	ref string
	fs  FlagRegisterer
}

func (n namespacedFlags) StringVar(p *string, name, value, usage string) {
	n.fs.StringVar(p, n.ref+"-"+name, value, usage)
}

func (n namespacedFlags) BoolVar(p *bool, name string, value bool, usage string) {
	n.fs.BoolVar(p, n.ref+"-"+name, value, usage)
}

func (n namespacedFlags) IntVar(p *int, name string, value int, usage string) {
	n.fs.IntVar(p, n.ref+"-"+name, value, usage)
}
