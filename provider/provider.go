// Package provider defines the provider abstraction: the contract a
// concrete node-source plugin (SSH, Kubernetes, AWS, ...) implements to
// be driven by the discovery engine.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/astrolabe-oss/astrolabe/graph"
	"github.com/astrolabe-oss/astrolabe/network"
	"github.com/astrolabe-oss/astrolabe/profile"
)

// ErrTimeout is returned by a provider call that exceeded its deadline.
var ErrTimeout = errors.New("provider: timeout")

// ErrCreateNodeTransport is returned when a provider response can't be
// turned into a graph.NodeTransport.
var ErrCreateNodeTransport = errors.New("provider: error creating node transport")

// Conn is the opaque connection handle a provider hands back from
// OpenConnection and receives again in LookupName/Sidecar/Profile. The
// engine never inspects it.
type Conn interface{}

// Provider is the contract every node-source plugin implements. Every
// method has a meaningful zero-value default (the whole point being
// a-la-carte implementation); Go has no class inheritance to fall back to
// a no-op default method, so BaseProvider (below) supplies the same
// defaults via embedding.
type Provider interface {
	// Ref is the unique, stable identifier for this provider, used in CLI
	// flags, ProfileStrategy.Providers lists, and Node.Provider.
	Ref() string

	// IsContainerPlatform reports whether this provider's addresses name
	// containerized workloads.
	IsContainerPlatform() bool

	// Inventory optionally bulk-populates nodes directly, without recursive
	// profiling.
	Inventory(ctx context.Context) error

	// OpenConnection opens a connection to address, or returns ErrTimeout
	// on a recoverable timeout.
	OpenConnection(ctx context.Context, address string) (Conn, error)

	// LookupName resolves address to a service name, or returns "" if
	// resolution is impossible.
	LookupName(ctx context.Context, address string, conn Conn) (string, error)

	// Sidecar runs opportunistic per-connection work, such as DNS
	// resolution for pending-alias nodes.
	Sidecar(ctx context.Context, address string, conn Conn) (string, error)

	// TakeAHint resolves a static network.Hint into concrete NodeTransports.
	TakeAHint(ctx context.Context, hint network.Hint) ([]graph.NodeTransport, error)

	// Profile enumerates node's children for one or more matching strategies.
	Profile(ctx context.Context, node *graph.Node, strategies []profile.Strategy, conn Conn) ([]graph.NodeTransport, error)

	// RegisterFlags registers this provider's CLI flags on fs, namespaced
	// under this provider's ref.
	RegisterFlags(fs FlagRegisterer)
}

// FlagRegisterer is the minimal surface RegisterFlags needs out of
// *flag.FlagSet, kept as an interface so providers don't import "flag"
// just to satisfy the Provider contract in tests.
type FlagRegisterer interface {
	StringVar(p *string, name string, value string, usage string)
	BoolVar(p *bool, name string, value bool, usage string)
	IntVar(p *int, name string, value int, usage string)
}

// BaseProvider supplies no-op defaults for every Provider method.
// Concrete providers embed BaseProvider and override only what they
// implement.
type BaseProvider struct{}

func (BaseProvider) IsContainerPlatform() bool { return false }
func (BaseProvider) Inventory(context.Context) error { return nil }
func (BaseProvider) OpenConnection(context.Context, string) (Conn, error) { return nil, nil }
func (BaseProvider) LookupName(context.Context, string, Conn) (string, error) { return "", nil }
func (BaseProvider) Sidecar(context.Context, string, Conn) (string, error) { return "", nil }
func (BaseProvider) TakeAHint(context.Context, network.Hint) ([]graph.NodeTransport, error) {
	return nil, nil
}
func (BaseProvider) Profile(context.Context, *graph.Node, []profile.Strategy, Conn) ([]graph.NodeTransport, error) {
	return nil, nil
}
func (BaseProvider) RegisterFlags(FlagRegisterer) {}

// ErrClobber is returned when two providers register the same ref.
type ErrClobber struct{ Ref string }

func (e *ErrClobber) Error() string { return fmt.Sprintf("provider: %s already registered", e.Ref) }

// ErrUnknownProvider is returned when a lookup names a ref no provider
// registered.
type ErrUnknownProvider struct{ Ref string }

func (e *ErrUnknownProvider) Error() string { return fmt.Sprintf("provider: unknown provider ref %q", e.Ref) }
