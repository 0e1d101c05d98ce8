package fabric

import (
	"sort"

	"github.com/hxrts/aura/capability"
	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Operation names for audit facts and permission matching.
const (
	OpAddNode          = "fabric.add_node"
	OpAddEdge          = "fabric.add_edge"
	OpRemoveEdge       = "fabric.remove_edge"
	OpUpdatePolicy     = "fabric.update_policy"
	OpRotate           = "fabric.rotate"
	OpContributeShare  = "fabric.contribute_share"
	OpGrantCapability  = "fabric.grant_capability"
	OpRevokeCapability = "fabric.revoke_capability"
)

// RequiredPermission maps a fabric operation to the capability permission a
// requester must hold. Structural edits are writes; anything touching
// policies, secrets, or grants is admin.
func RequiredPermission(op string) string {
	switch op {
	case OpAddNode, OpAddEdge, OpRemoveEdge, OpContributeShare:
		return capability.PermWrite
	default:
		return capability.PermAdmin
	}
}

// Fabric builds journal fact operations for key-graph mutations. It never
// writes: every method validates against the current view and returns the
// ops for the caller to commit under whatever witness the change requires.
type Fabric struct {
	eff *interfaces.Effects
	j   *journal.Journal
}

// NewFabric binds a fabric to its journal.
func NewFabric(eff *interfaces.Effects, j *journal.Journal) *Fabric {
	return &Fabric{eff: eff, j: j}
}

// Graph returns the key graph decoded from the current view.
func (f *Fabric) Graph() (*Graph, error) {
	return SnapshotGraph(f.j.View())
}

// AddNode drafts a fresh node at epoch 1.
func (f *Fabric) AddNode(kind NodeKind, policy Policy, publicKey []byte) (*Node, []journal.FactOp, error) {
	if err := policy.Validate(); err != nil {
		return nil, nil, err
	}
	var id NodeID
	copy(id[:], f.eff.Rand.Bytes(16))
	node := &Node{ID: id, Kind: kind, Policy: policy, Epoch: 1, PublicKey: publicKey}
	return node, []journal.FactOp{
		{Op: journal.OpPut, Predicate: NodePredicate(id), Value: nodeValue(node)},
	}, nil
}

// AddEdge drafts a typed edge. Both endpoints must exist and the edge must
// not close a directed cycle; delegation loops make threshold policies
// unsatisfiable.
func (f *Fabric) AddEdge(from, to NodeID, kind EdgeKind) (*Edge, []journal.FactOp, error) {
	g, err := f.Graph()
	if err != nil {
		return nil, nil, err
	}
	if g.Node(from) == nil || g.Node(to) == nil {
		return nil, nil, interfaces.E(interfaces.KindInvalidInput, "edge endpoint does not exist")
	}
	if g.wouldCycle(from, to) {
		return nil, nil, interfaces.Ef(interfaces.KindConflictingState, "edge %s -> %s closes a cycle", from, to)
	}
	var id EdgeID
	copy(id[:], f.eff.Rand.Bytes(16))
	edge := &Edge{ID: id, From: from, To: to, Kind: kind}
	return edge, []journal.FactOp{
		{Op: journal.OpPut, Predicate: EdgePredicate(id), Value: edgeValue(edge)},
	}, nil
}

// RemoveEdge drafts a soft delete of an edge.
func (f *Fabric) RemoveEdge(id EdgeID) ([]journal.FactOp, error) {
	g, err := f.Graph()
	if err != nil {
		return nil, err
	}
	if g.Edges[id] == nil {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown edge %s", id)
	}
	return []journal.FactOp{
		{Op: journal.OpTombstone, Predicate: EdgePredicate(id)},
	}, nil
}

// UpdatePolicy drafts a policy change on a group node. The epoch stays;
// conflicting updates resolve last-writer-wins. Rewrapping any secrets
// guarded by the old policy is the choreography runtime's job.
func (f *Fabric) UpdatePolicy(id NodeID, policy Policy) ([]journal.FactOp, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	g, err := f.Graph()
	if err != nil {
		return nil, err
	}
	node := g.Node(id)
	if node == nil {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown node %s", id)
	}
	if node.Kind != NodeGroup {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "node %s carries no policy", id)
	}
	updated := *node
	updated.Policy = policy
	return []journal.FactOp{
		{Op: journal.OpPut, Predicate: NodePredicate(id), Value: nodeValue(&updated)},
	}, nil
}

// Rotate drafts a key rotation: the epoch rises and the prior share set is
// tombstoned, so contributions against the old epoch can never reach a
// threshold again.
func (f *Fabric) Rotate(id NodeID, newEncryptedSecret, newMessagingKey []byte) ([]journal.FactOp, uint64, error) {
	g, err := f.Graph()
	if err != nil {
		return nil, 0, err
	}
	node := g.Node(id)
	if node == nil {
		return nil, 0, interfaces.Ef(interfaces.KindInvalidInput, "unknown node %s", id)
	}
	rotated := *node
	rotated.Epoch = node.Epoch + 1
	rotated.EncryptedSecret = newEncryptedSecret
	if newMessagingKey != nil {
		rotated.MessagingKey = newMessagingKey
	}
	return []journal.FactOp{
		{Op: journal.OpPut, Predicate: NodePredicate(id), Value: nodeValue(&rotated)},
		{Op: journal.OpTombstone, Predicate: SharePredicate(id)},
	}, rotated.Epoch, nil
}

// ContributeShare drafts one share contribution toward a node's threshold.
// Shares dated below the node's current epoch are rejected outright.
func (f *Fabric) ContributeShare(id NodeID, s Share) ([]journal.FactOp, error) {
	g, err := f.Graph()
	if err != nil {
		return nil, err
	}
	node := g.Node(id)
	if node == nil {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown node %s", id)
	}
	if s.Epoch < node.Epoch {
		return nil, interfaces.Ef(interfaces.KindConflictingState, "share epoch %d below node epoch %d", s.Epoch, node.Epoch)
	}
	if len(s.Payload) == 0 || len(s.Commitment) == 0 {
		return nil, interfaces.E(interfaces.KindInvalidInput, "share missing payload or commitment")
	}
	return []journal.FactOp{
		{Op: journal.OpSetAdd, Predicate: SharePredicate(id), Value: shareValue(s)},
	}, nil
}

// ReconstructionSubset returns the deterministic winning subset of live
// shares once the node's policy is met: shares sorted by (index,
// contributor), truncated to the quorum size. Returns nil while the
// threshold is unmet.
func (f *Fabric) ReconstructionSubset(id NodeID) ([]Share, error) {
	g, err := f.Graph()
	if err != nil {
		return nil, err
	}
	node := g.Node(id)
	if node == nil {
		return nil, interfaces.Ef(interfaces.KindInvalidInput, "unknown node %s", id)
	}
	shares := Shares(f.j.View(), node)
	need := node.Policy.Required(node.Policy.N)
	if len(shares) < need {
		return nil, nil
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Index != shares[j].Index {
			return shares[i].Index < shares[j].Index
		}
		return string(shares[i].Contributor[:]) < string(shares[j].Contributor[:])
	})
	return shares[:need], nil
}

// GrantCapability drafts the grant fact binding a token to a resource.
func (f *Fabric) GrantCapability(id interfaces.CapabilityID, resource string) []journal.FactOp {
	return []journal.FactOp{
		{Op: journal.OpPut, Predicate: "cap/grant/" + string(id), Value: journal.MapValue(map[string]journal.Value{
			"resource": journal.String(resource),
		})},
	}
}

// RevokeCapability drafts the revocation tombstone fact.
func (f *Fabric) RevokeCapability(id interfaces.CapabilityID) []journal.FactOp {
	return []journal.FactOp{
		{Op: journal.OpPut, Predicate: journal.CapRevokedPredicate(id), Value: journal.Bool(true)},
	}
}
