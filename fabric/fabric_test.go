package fabric

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hxrts/aura/capability"
	"github.com/hxrts/aura/effects"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
	"github.com/hxrts/aura/storage"
)

type fabricFixture struct {
	eff       *interfaces.Effects
	j         *journal.Journal
	fabric    *Fabric
	authority interfaces.AuthorityID
	pub       []byte
	priv      []byte
}

func newFabricFixture(t *testing.T, seed uint64) *fabricFixture {
	t.Helper()
	eff, _ := effects.Simulation(seed, nil, storage.NewMemoryBackend(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	var account interfaces.AccountID
	copy(account[:], []byte("fabric-test-acct"))
	j := journal.New(account, eff, interfaces.DefaultConfig())

	pub, priv, err := eff.Crypto.GenerateSigningKey()
	require.NoError(t, err)
	var device interfaces.DeviceID
	copy(device[:], eff.Rand.Bytes(16))
	authority := interfaces.AuthorityID(eff.Crypto.Hash("test/fabric-authority", pub))

	f := &fabricFixture{eff: eff, j: j, fabric: NewFabric(eff, j), authority: authority, pub: pub, priv: priv}
	f.commit(t, "account.init", []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.DevicePredicate(device), Value: journal.MemberValue(pub, authority)},
	}, 1)
	return f
}

func (f *fabricFixture) commit(t *testing.T, kind string, ops []journal.FactOp, epoch uint64) {
	t.Helper()
	e := f.j.NextEvent(f.authority, kind, ops, epoch)
	sig, err := f.eff.Crypto.Sign(f.priv, e.SignableHash(f.eff.Crypto).Bytes())
	require.NoError(t, err)
	e.Auth = journal.Authorization{Kind: journal.AuthDevice, Signer: f.pub, Signature: sig}
	_, err = f.j.Append(context.Background(), e)
	require.NoError(t, err)
}

func (f *fabricFixture) addNode(t *testing.T, kind NodeKind, policy Policy) *Node {
	t.Helper()
	node, ops, err := f.fabric.AddNode(kind, policy, f.eff.Rand.Bytes(32))
	require.NoError(t, err)
	f.commit(t, OpAddNode, ops, 1)
	return node
}

func TestAddNodeAndSnapshot(t *testing.T) {
	f := newFabricFixture(t, 1)

	device := f.addNode(t, NodeDevice, AnyPolicy())
	group := f.addNode(t, NodeGroup, ThresholdPolicy(2, 3))

	g, err := f.fabric.Graph()
	require.NoError(t, err)
	require.NotNil(t, g.Node(device.ID))
	require.NotNil(t, g.Node(group.ID))
	assert.Equal(t, NodeGroup, g.Node(group.ID).Kind)
	assert.Equal(t, 2, g.Node(group.ID).Policy.M)
	assert.Equal(t, uint64(1), g.Node(group.ID).Epoch)
}

func TestPolicyValidation(t *testing.T) {
	f := newFabricFixture(t, 2)

	_, _, err := f.fabric.AddNode(NodeGroup, ThresholdPolicy(4, 3), nil)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindInvalidInput, interfaces.Kind(err))

	_, _, err = f.fabric.AddNode(NodeGroup, ThresholdPolicy(0, 3), nil)
	require.Error(t, err)

	assert.Equal(t, 1, AnyPolicy().Required(5))
	assert.Equal(t, 5, AllPolicy(5).Required(5))
	assert.True(t, ThresholdPolicy(2, 3).Satisfied(2, 3))
	assert.False(t, ThresholdPolicy(2, 3).Satisfied(1, 3))
}

func TestEdgeCycleRejection(t *testing.T) {
	f := newFabricFixture(t, 3)
	a := f.addNode(t, NodeGroup, ThresholdPolicy(1, 2))
	b := f.addNode(t, NodeGroup, ThresholdPolicy(1, 2))
	c := f.addNode(t, NodeDevice, AnyPolicy())

	_, ops, err := f.fabric.AddEdge(a.ID, b.ID, EdgeContains)
	require.NoError(t, err)
	f.commit(t, OpAddEdge, ops, 1)
	_, ops, err = f.fabric.AddEdge(b.ID, c.ID, EdgeContains)
	require.NoError(t, err)
	f.commit(t, OpAddEdge, ops, 1)

	// Closing the loop back to the root is rejected, as is a self loop.
	_, _, err = f.fabric.AddEdge(c.ID, a.ID, EdgeDelegates)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindConflictingState, interfaces.Kind(err))
	_, _, err = f.fabric.AddEdge(a.ID, a.ID, EdgeDelegates)
	require.Error(t, err)

	// A parallel path that does not close a loop is fine.
	_, ops, err = f.fabric.AddEdge(a.ID, c.ID, EdgeDelegates)
	require.NoError(t, err)
	f.commit(t, OpAddEdge, ops, 1)
}

func TestRemoveEdgeTombstones(t *testing.T) {
	f := newFabricFixture(t, 4)
	a := f.addNode(t, NodeGroup, ThresholdPolicy(1, 2))
	b := f.addNode(t, NodeDevice, AnyPolicy())
	edge, ops, err := f.fabric.AddEdge(a.ID, b.ID, EdgeContains)
	require.NoError(t, err)
	f.commit(t, OpAddEdge, ops, 1)

	ops, err = f.fabric.RemoveEdge(edge.ID)
	require.NoError(t, err)
	f.commit(t, OpRemoveEdge, ops, 2)

	g, err := f.fabric.Graph()
	require.NoError(t, err)
	assert.Nil(t, g.Edges[edge.ID])
	assert.Empty(t, g.Children(a.ID))

	// Removed means removed for the cycle check too: the reverse edge is
	// now legal.
	_, _, err = f.fabric.AddEdge(b.ID, a.ID, EdgeDelegates)
	require.NoError(t, err)

	_, err = f.fabric.RemoveEdge(edge.ID)
	require.Error(t, err, "double remove of a tombstoned edge")
}

func TestUpdatePolicy(t *testing.T) {
	f := newFabricFixture(t, 5)
	group := f.addNode(t, NodeGroup, ThresholdPolicy(2, 3))
	device := f.addNode(t, NodeDevice, AnyPolicy())

	ops, err := f.fabric.UpdatePolicy(group.ID, ThresholdPolicy(3, 4))
	require.NoError(t, err)
	f.commit(t, OpUpdatePolicy, ops, 2)

	g, err := f.fabric.Graph()
	require.NoError(t, err)
	assert.Equal(t, 3, g.Node(group.ID).Policy.M)
	assert.Equal(t, 4, g.Node(group.ID).Policy.N)

	_, err = f.fabric.UpdatePolicy(device.ID, ThresholdPolicy(1, 1))
	require.Error(t, err, "device nodes carry no policy")
}

func TestRotateInvalidatesPriorShares(t *testing.T) {
	f := newFabricFixture(t, 6)
	group := f.addNode(t, NodeGroup, ThresholdPolicy(2, 3))
	contributor := f.addNode(t, NodeDevice, AnyPolicy())

	share := Share{
		Contributor: contributor.ID,
		Index:       1,
		Payload:     f.eff.Rand.Bytes(32),
		Commitment:  f.eff.Rand.Bytes(32),
		Epoch:       1,
	}
	ops, err := f.fabric.ContributeShare(group.ID, share)
	require.NoError(t, err)
	f.commit(t, OpContributeShare, ops, 1)

	ops, newEpoch, err := f.fabric.Rotate(group.ID, f.eff.Rand.Bytes(48), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), newEpoch)
	f.commit(t, OpRotate, ops, 2)

	g, err := f.fabric.Graph()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), g.Node(group.ID).Epoch)
	assert.Empty(t, Shares(f.j.View(), g.Node(group.ID)))

	// A contribution dated at the old epoch can never be accepted again.
	_, err = f.fabric.ContributeShare(group.ID, share)
	require.Error(t, err)
	assert.Equal(t, interfaces.KindConflictingState, interfaces.Kind(err))
}

func TestReconstructionSubsetIsDeterministic(t *testing.T) {
	f := newFabricFixture(t, 7)
	group := f.addNode(t, NodeGroup, ThresholdPolicy(2, 3))

	contribute := func(index uint32) {
		contributor := f.addNode(t, NodeDevice, AnyPolicy())
		ops, err := f.fabric.ContributeShare(group.ID, Share{
			Contributor: contributor.ID,
			Index:       index,
			Payload:     f.eff.Rand.Bytes(32),
			Commitment:  f.eff.Rand.Bytes(32),
			Epoch:       1,
		})
		require.NoError(t, err)
		f.commit(t, OpContributeShare, ops, 1)
	}

	contribute(3)
	subset, err := f.fabric.ReconstructionSubset(group.ID)
	require.NoError(t, err)
	assert.Nil(t, subset, "below threshold")

	contribute(1)
	contribute(2)
	subset, err = f.fabric.ReconstructionSubset(group.ID)
	require.NoError(t, err)
	require.Len(t, subset, 2)
	assert.Equal(t, uint32(1), subset[0].Index)
	assert.Equal(t, uint32(2), subset[1].Index)
}

func TestRequiredPermissions(t *testing.T) {
	assert.Equal(t, capability.PermWrite, RequiredPermission(OpAddNode))
	assert.Equal(t, capability.PermWrite, RequiredPermission(OpContributeShare))
	assert.Equal(t, capability.PermAdmin, RequiredPermission(OpRotate))
	assert.Equal(t, capability.PermAdmin, RequiredPermission(OpUpdatePolicy))
}
