package provider

import (
	"context"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	BaseProvider
	ref string
}

func (s stubProvider) Ref() string { return s.ref }

func (s *stubProvider) RegisterFlags(fs FlagRegisterer) {
	var dummy string
	fs.StringVar(&dummy, "foo", "default", "a test flag")
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&stubProvider{ref: "ssh"}))

	p, err := r.Get("ssh")
	require.NoError(t, err)
	assert.Equal(t, "ssh", p.Ref())
}

func TestRegistry_DuplicateRefClobbers(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&stubProvider{ref: "ssh"}))
	err := r.Register(&stubProvider{ref: "ssh"})
	require.Error(t, err)
	var clobber *ErrClobber
	assert.ErrorAs(t, err, &clobber)
}

func TestRegistry_UnknownRef(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Get("nope")
	require.Error(t, err)
	var unknown *ErrUnknownProvider
	assert.ErrorAs(t, err, &unknown)
}

func TestRegistry_DisabledProviderSkipped(t *testing.T) {
	r := NewRegistry(nil, []string{"ssh"})
	require.NoError(t, r.Register(&stubProvider{ref: "ssh"}))
	_, err := r.Get("ssh")
	assert.Error(t, err, "disabled providers are never registered")
}

func TestRegistry_PerformInventory_SeedsOnlySkips(t *testing.T) {
	r := NewRegistry(nil, nil)
	called := false
	p := &invCountingProvider{stubProvider: stubProvider{ref: "ssh"}, called: &called}
	require.NoError(t, r.Register(p))

	require.NoError(t, r.PerformInventory(context.Background(), true, false))
	assert.False(t, called)
}

func TestRegistry_PerformInventory_Runs(t *testing.T) {
	r := NewRegistry(nil, nil)
	called := false
	p := &invCountingProvider{stubProvider: stubProvider{ref: "ssh"}, called: &called}
	require.NoError(t, r.Register(p))

	require.NoError(t, r.PerformInventory(context.Background(), false, false))
	assert.True(t, called)
}

type invCountingProvider struct {
	stubProvider
	called *bool
}

func (p *invCountingProvider) Inventory(context.Context) error {
	*p.called = true
	return nil
}

func TestRegistry_RegisterFlags_Namespaced(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&stubProvider{ref: "ssh"}))

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	r.RegisterFlags(fs)

	f := fs.Lookup("ssh-foo")
	require.NotNil(t, f)
	assert.Equal(t, "default", f.DefValue)
}
