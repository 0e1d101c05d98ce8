package fabric

import (
	"encoding/hex"
	"errors"

	"github.com/hxrts/aura/interfaces"
)

// NodeID identifies a vertex in the key graph.
type NodeID [16]byte

// NewNodeIDFromBytes creates a node id from a 16-byte slice.
func NewNodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != 16 {
		return NodeID{}, errors.New("invalid node id length: must be 16 bytes")
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

func (id NodeID) String() string { return hex.EncodeToString(id[:]) }
func (id NodeID) Bytes() []byte  { return id[:] }
func (id NodeID) IsZero() bool   { return id == NodeID{} }

// EdgeID identifies an edge record.
type EdgeID [16]byte

func (id EdgeID) String() string { return hex.EncodeToString(id[:]) }
func (id EdgeID) Bytes() []byte  { return id[:] }

// NodeKind discriminates key-graph vertices.
type NodeKind uint8

const (
	// NodeDevice is a leaf holding a private signing key.
	NodeDevice NodeKind = iota

	// NodeGroup carries a threshold policy and encrypted shares.
	NodeGroup

	// NodeDerived is a context-scoped identity from distributed derivation.
	NodeDerived
)

func (k NodeKind) String() string {
	switch k {
	case NodeDevice:
		return "device"
	case NodeGroup:
		return "group"
	case NodeDerived:
		return "derived"
	default:
		return "unknown"
	}
}

// EdgeKind types the relationship an edge represents.
type EdgeKind uint8

const (
	// EdgeContains is group membership.
	EdgeContains EdgeKind = iota

	// EdgeDelegates is an administrative delegation.
	EdgeDelegates

	// EdgeDerives links a parent identity to a derived one.
	EdgeDerives
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeContains:
		return "contains"
	case EdgeDelegates:
		return "delegates"
	case EdgeDerives:
		return "derives"
	default:
		return "unknown"
	}
}

// PolicyKind discriminates threshold policies.
type PolicyKind uint8

const (
	// PolicyAny is satisfied by one participant.
	PolicyAny PolicyKind = iota

	// PolicyAll requires every participant.
	PolicyAll

	// PolicyThreshold requires m of n participants.
	PolicyThreshold
)

// Policy governs which quorum a group node requires.
type Policy struct {
	Kind PolicyKind
	M    int
	N    int
}

// AnyPolicy requires a single participant.
func AnyPolicy() Policy { return Policy{Kind: PolicyAny} }

// AllPolicy requires every participant.
func AllPolicy(n int) Policy { return Policy{Kind: PolicyAll, M: n, N: n} }

// ThresholdPolicy requires m of n participants.
func ThresholdPolicy(m, n int) Policy { return Policy{Kind: PolicyThreshold, M: m, N: n} }

// Validate rejects unsatisfiable policies.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyAny:
		return nil
	case PolicyAll, PolicyThreshold:
		if p.M < 1 || p.M > p.N {
			return interfaces.Ef(interfaces.KindInvalidInput, "threshold %d of %d is unsatisfiable", p.M, p.N)
		}
		return nil
	default:
		return interfaces.E(interfaces.KindInvalidInput, "unknown policy kind")
	}
}

// Required returns the quorum size for a participant set of the given size.
func (p Policy) Required(participants int) int {
	switch p.Kind {
	case PolicyAny:
		return 1
	case PolicyAll:
		return participants
	default:
		return p.M
	}
}

// Satisfied reports whether a contribution count meets the policy.
func (p Policy) Satisfied(contributions, participants int) bool {
	return contributions >= p.Required(participants)
}

// Node is one vertex of the key graph as read from the view.
type Node struct {
	ID    NodeID
	Kind  NodeKind
	Policy Policy

	// Epoch rises on every rotation; shares from older epochs are dead.
	Epoch uint64

	// PublicKey is the node's verifying key (device key, group key, or
	// derived identity key).
	PublicKey []byte

	// EncryptedSecret is the node's wrapped secret material, if any.
	// Wrapping keys never appear in the journal.
	EncryptedSecret []byte

	// MessagingKey is the optional group messaging key.
	MessagingKey []byte
}

// Edge is one typed relationship between nodes.
type Edge struct {
	ID   EdgeID
	From NodeID
	To   NodeID
	Kind EdgeKind
}

// Share is one encrypted share contribution collected toward a threshold.
type Share struct {
	Contributor NodeID
	Index       uint32
	Payload     []byte
	Commitment  []byte
	Proof       []byte
	Epoch       uint64
}
