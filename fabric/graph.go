package fabric

import (
	"sort"

	"github.com/hxrts/aura/interfaces"
	"github.com/hxrts/aura/journal"
)

// Predicate layout for fabric facts inside the journal namespace.
const (
	nodePrefix  = journal.FabricPrefix + "node/"
	edgePrefix  = journal.FabricPrefix + "edge/"
	sharePrefix = journal.FabricPrefix + "shares/"
)

// NodePredicate names a key-graph node fact.
func NodePredicate(id NodeID) string { return nodePrefix + id.String() }

// EdgePredicate names a key-graph edge fact.
func EdgePredicate(id EdgeID) string { return edgePrefix + id.String() }

// SharePredicate names the union-merged share set of a node.
func SharePredicate(node NodeID) string { return sharePrefix + node.String() }

// Graph is an immutable snapshot of the key graph decoded from a view.
// Edges index both directions for traversal, but only the forward
// direction carries meaning; back references are never ownership.
type Graph struct {
	Nodes map[NodeID]*Node
	Edges map[EdgeID]*Edge
	out   map[NodeID][]NodeID
}

// SnapshotGraph decodes the key graph from a view snapshot.
func SnapshotGraph(view *journal.View) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[NodeID]*Node),
		Edges: make(map[EdgeID]*Edge),
		out:   make(map[NodeID][]NodeID),
	}
	for _, f := range view.Prefix(nodePrefix) {
		node, err := decodeNode(f.Value)
		if err != nil {
			return nil, err
		}
		g.Nodes[node.ID] = node
	}
	for _, f := range view.Prefix(edgePrefix) {
		edge, err := decodeEdge(f.Value)
		if err != nil {
			return nil, err
		}
		g.Edges[edge.ID] = edge
		g.out[edge.From] = append(g.out[edge.From], edge.To)
	}
	return g, nil
}

// Node returns a node by id, or nil.
func (g *Graph) Node(id NodeID) *Node { return g.Nodes[id] }

// Children returns the forward neighbors of a node in deterministic order.
func (g *Graph) Children(id NodeID) []NodeID {
	out := make([]NodeID, len(g.out[id]))
	copy(out, g.out[id])
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// wouldCycle reports whether adding from→to closes a directed cycle, by
// walking forward from to.
func (g *Graph) wouldCycle(from, to NodeID) bool {
	if from == to {
		return true
	}
	seen := map[NodeID]struct{}{to: {}}
	stack := []NodeID{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range g.out[cur] {
			if next == from {
				return true
			}
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

// Shares decodes the live share set of a node at its current epoch.
// Contributions from older epochs are skipped.
func Shares(view *journal.View, node *Node) []Share {
	fact := view.Get(SharePredicate(node.ID))
	if fact == nil {
		return nil
	}
	var shares []Share
	for _, item := range fact.Value.List {
		s, err := decodeShare(item)
		if err != nil || s.Epoch != node.Epoch {
			continue
		}
		shares = append(shares, s)
	}
	return shares
}

func nodeValue(n *Node) journal.Value {
	m := map[string]journal.Value{
		"kind":        journal.Int(int64(n.Kind)),
		"policy_kind": journal.Int(int64(n.Policy.Kind)),
		"m":           journal.Int(int64(n.Policy.M)),
		"n":           journal.Int(int64(n.Policy.N)),
		"epoch":       journal.Int(int64(n.Epoch)),
		"id":          journal.BytesValue(n.ID.Bytes()),
	}
	if len(n.PublicKey) > 0 {
		m["pubkey"] = journal.BytesValue(n.PublicKey)
	}
	if len(n.EncryptedSecret) > 0 {
		m["secret"] = journal.BytesValue(n.EncryptedSecret)
	}
	if len(n.MessagingKey) > 0 {
		m["msgkey"] = journal.BytesValue(n.MessagingKey)
	}
	return journal.MapValue(m)
}

func decodeNode(v journal.Value) (*Node, error) {
	id, err := NewNodeIDFromBytes(v.Map["id"].Bytes)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "node fact", err)
	}
	n := &Node{
		ID:   id,
		Kind: NodeKind(v.Map["kind"].AsInt()),
		Policy: Policy{
			Kind: PolicyKind(v.Map["policy_kind"].AsInt()),
			M:    int(v.Map["m"].AsInt()),
			N:    int(v.Map["n"].AsInt()),
		},
		Epoch: uint64(v.Map["epoch"].AsInt()),
	}
	if pk, ok := v.Map["pubkey"]; ok {
		n.PublicKey = pk.Bytes
	}
	if sec, ok := v.Map["secret"]; ok {
		n.EncryptedSecret = sec.Bytes
	}
	if mk, ok := v.Map["msgkey"]; ok {
		n.MessagingKey = mk.Bytes
	}
	return n, nil
}

func edgeValue(e *Edge) journal.Value {
	return journal.MapValue(map[string]journal.Value{
		"id":   journal.BytesValue(e.ID.Bytes()),
		"from": journal.BytesValue(e.From.Bytes()),
		"to":   journal.BytesValue(e.To.Bytes()),
		"kind": journal.Int(int64(e.Kind)),
	})
}

func decodeEdge(v journal.Value) (*Edge, error) {
	var e Edge
	id, err := NewNodeIDFromBytes(v.Map["id"].Bytes)
	if err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "edge fact", err)
	}
	e.ID = EdgeID(id)
	if e.From, err = NewNodeIDFromBytes(v.Map["from"].Bytes); err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "edge fact", err)
	}
	if e.To, err = NewNodeIDFromBytes(v.Map["to"].Bytes); err != nil {
		return nil, interfaces.Wrap(interfaces.KindInvalidInput, "edge fact", err)
	}
	e.Kind = EdgeKind(v.Map["kind"].AsInt())
	return &e, nil
}

func shareValue(s Share) journal.Value {
	return journal.MapValue(map[string]journal.Value{
		"contributor": journal.BytesValue(s.Contributor.Bytes()),
		"index":       journal.Int(int64(s.Index)),
		"payload":     journal.BytesValue(s.Payload),
		"commitment":  journal.BytesValue(s.Commitment),
		"proof":       journal.BytesValue(s.Proof),
		"epoch":       journal.Int(int64(s.Epoch)),
	})
}

func decodeShare(v journal.Value) (Share, error) {
	contributor, err := NewNodeIDFromBytes(v.Map["contributor"].Bytes)
	if err != nil {
		return Share{}, interfaces.Wrap(interfaces.KindInvalidInput, "share fact", err)
	}
	return Share{
		Contributor: contributor,
		Index:       uint32(v.Map["index"].AsInt()),
		Payload:     v.Map["payload"].Bytes,
		Commitment:  v.Map["commitment"].Bytes,
		Proof:       v.Map["proof"].Bytes,
		Epoch:       uint64(v.Map["epoch"].AsInt()),
	}, nil
}
