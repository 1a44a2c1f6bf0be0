package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeedNode_BasicFields(t *testing.T) {
	ref, node := NewSeedNode("ssh", "10.0.0.1")
	assert.Equal(t, "TCP_seed_10.0.0.1", ref)
	assert.Equal(t, "ssh", node.Provider)
	assert.Equal(t, "seed", node.ProtocolMux)
	assert.Equal(t, NodeTypeCompute, node.NodeType)
	assert.False(t, node.Errors[ErrNullAddress])
}

func TestNewSeedNode_NullAddress(t *testing.T) {
	_, node := NewSeedNode("ssh", "")
	assert.True(t, node.Errors[ErrNullAddress])
}

func TestNewSeedNode_PublicIPReclassifiesToWWW(t *testing.T) {
	_, node := NewSeedNode("ssh", "8.8.8.8")
	assert.True(t, node.PublicIP)
	assert.Equal(t, "www", node.Provider)
}

func TestNewChildNode_NullAddress(t *testing.T) {
	ref, node := NewChildNode("seed", Protocol{Ref: "tcp"}, "ssh", NodeTypeCompute, false, false, NodeTransport{
		ProtocolMux: "22",
		Address:     "",
	})
	require.NotEmpty(t, ref)
	assert.True(t, node.Errors[ErrNullAddress])
}

func TestNewChildNode_PublicIPReclassifiesToWWW(t *testing.T) {
	_, node := NewChildNode("inventory", Protocol{Ref: "tcp"}, "aws", NodeTypeCompute, false, false, NodeTransport{
		ProtocolMux: "443",
		Address:     "8.8.8.8",
	})
	assert.Equal(t, "www", node.Provider)
	assert.True(t, node.PublicIP)
}

func TestNewChildNode_PrivateIPKeepsProvider(t *testing.T) {
	_, node := NewChildNode("inventory", Protocol{Ref: "tcp"}, "aws", NodeTypeCompute, false, false, NodeTransport{
		ProtocolMux: "443",
		Address:     "10.0.0.5",
	})
	assert.Equal(t, "aws", node.Provider)
	assert.False(t, node.PublicIP)
}

func TestNewChildNode_DefunctWhenZeroConnections(t *testing.T) {
	zero := 0
	_, node := NewChildNode("seed", Protocol{Ref: "tcp"}, "ssh", NodeTypeCompute, false, false, NodeTransport{
		ProtocolMux:    "22",
		Address:        "10.0.0.1",
		NumConnections: &zero,
	})
	assert.True(t, node.Warnings[WarnDefunct])
}

func TestMergeNode_StickyProviderAndNodeType(t *testing.T) {
	to := NewNode("ssh", Protocol{Ref: "tcp"})
	to.NodeType = NodeTypeCompute
	from := NewNode("aws", Protocol{Ref: "tcp"})
	from.NodeType = NodeTypeResource
	from.ServiceName = "foo"

	MergeNode(to, from)

	assert.Equal(t, "ssh", to.Provider, "provider is sticky")
	assert.Equal(t, NodeTypeCompute, to.NodeType, "node type is sticky")
	assert.Equal(t, "foo", to.ServiceName)
}

func TestMergeNode_WarningsAndErrorsUnion(t *testing.T) {
	to := NewNode("ssh", Protocol{Ref: "tcp"})
	to.Warnings[WarnDefunct] = true
	from := NewNode("ssh", Protocol{Ref: "tcp"})
	from.Errors[ErrCycle] = true

	MergeNode(to, from)

	assert.True(t, to.Warnings[WarnDefunct])
	assert.True(t, to.Errors[ErrCycle])
}

func TestNode_IsDatabase(t *testing.T) {
	n := NewNode("aws", Protocol{Ref: "tcp"})
	n.ProtocolMux = "5432"
	assert.True(t, n.IsDatabase())

	n2 := NewNode("aws", Protocol{Ref: "tcp"})
	n2.ProtocolMux = "8080"
	assert.False(t, n2.IsDatabase())

	n3 := NewNode("aws", Protocol{Ref: "tcp", IsDatabase: true})
	n3.ProtocolMux = "8080"
	assert.True(t, n3.IsDatabase())
}

func TestNode_ProfileLock(t *testing.T) {
	n := NewNode("ssh", Protocol{Ref: "tcp"})
	assert.False(t, n.ProfileLocked())
	n.AcquireProfileLock()
	assert.True(t, n.ProfileLocked())
	n.ClearProfileLock()
	assert.False(t, n.ProfileLocked())
}

func TestNode_ProfileComplete(t *testing.T) {
	n := NewNode("ssh", Protocol{Ref: "tcp"})
	since := time.Now().UTC()
	assert.False(t, n.ProfileComplete(since))
	time.Sleep(time.Millisecond)
	n.SetProfileTimestamp()
	assert.True(t, n.ProfileComplete(since))
}

func TestNode_Persistable(t *testing.T) {
	n := NewNode("ssh", Protocol{Ref: "tcp"})
	assert.False(t, n.Persistable())
	n.Address = "10.0.0.1"
	assert.True(t, n.Persistable())
}

func TestDetermineEdgeKind(t *testing.T) {
	db := NewNode("aws", Protocol{Ref: "tcp"})
	db.ProtocolMux = "5432"
	assert.Equal(t, EdgeKindResources, DetermineEdgeKind(db))

	svc := NewNode("aws", Protocol{Ref: "tcp"})
	svc.ProtocolMux = "8080"
	assert.Equal(t, EdgeKindCalls, DetermineEdgeKind(svc))
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	n := NewNode("ssh", Protocol{Ref: "tcp"})
	s.Upsert("ref1", n)

	got, ok := s.Get("ref1")
	require.True(t, ok)
	assert.Same(t, n, got)

	all := s.All()
	assert.Len(t, all, 1)
}
