package journal

import (
	"github.com/hxrts/aura/interfaces"
)

const (
	merkleLeafDomain = "aura/merkle/leaf/v1"
	merkleNodeDomain = "aura/merkle/node/v1"
)

// InclusionProof is a Merkle path from a leaf to the root commitment.
type InclusionProof struct {
	// Index is the leaf position in the canonical event order.
	Index uint64 `cbor:"1,keyasint"`

	// Path holds sibling hashes from the leaf up to the root. Siblings of
	// odd-length levels are the node itself (duplicated-last-node rule).
	Path []interfaces.Hash `cbor:"2,keyasint"`
}

// merkleRoot computes the binary Merkle root over the given leaves with
// domain-separated leaf and node hashing. An empty tree has a zero root.
func merkleRoot(crypto interfaces.CryptoProvider, leaves []interfaces.Hash) interfaces.Hash {
	if len(leaves) == 0 {
		return interfaces.Hash{}
	}
	level := make([]interfaces.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = crypto.Hash(merkleLeafDomain, l[:])
	}
	for len(level) > 1 {
		next := make([]interfaces.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, crypto.Hash(merkleNodeDomain, level[i][:], level[i+1][:]))
			} else {
				next = append(next, crypto.Hash(merkleNodeDomain, level[i][:], level[i][:]))
			}
		}
		level = next
	}
	return level[0]
}

// merkleProve builds the inclusion proof for the leaf at index.
func merkleProve(crypto interfaces.CryptoProvider, leaves []interfaces.Hash, index uint64) (*InclusionProof, error) {
	if index >= uint64(len(leaves)) {
		return nil, interfaces.E(interfaces.KindInvalidInput, "leaf index out of range")
	}
	level := make([]interfaces.Hash, len(leaves))
	for i, l := range leaves {
		level[i] = crypto.Hash(merkleLeafDomain, l[:])
	}
	proof := &InclusionProof{Index: index}
	pos := index
	for len(level) > 1 {
		sibling := pos ^ 1
		if sibling >= uint64(len(level)) {
			sibling = pos
		}
		proof.Path = append(proof.Path, level[sibling])
		next := make([]interfaces.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, crypto.Hash(merkleNodeDomain, level[i][:], level[i+1][:]))
			} else {
				next = append(next, crypto.Hash(merkleNodeDomain, level[i][:], level[i][:]))
			}
		}
		level = next
		pos /= 2
	}
	return proof, nil
}

// MerkleRoot commits to an arbitrary ordered leaf set with the journal's
// domain separation. Callers outside the journal use it for share-set
// commitments and other auxiliary trees.
func MerkleRoot(crypto interfaces.CryptoProvider, leaves []interfaces.Hash) interfaces.Hash {
	return merkleRoot(crypto, leaves)
}

// MerkleProve builds an inclusion proof over an arbitrary leaf set.
func MerkleProve(crypto interfaces.CryptoProvider, leaves []interfaces.Hash, index uint64) (*InclusionProof, error) {
	return merkleProve(crypto, leaves, index)
}

// VerifyInclusion checks a proof linking an event hash to a root
// commitment.
func VerifyInclusion(crypto interfaces.CryptoProvider, leaf interfaces.Hash, proof *InclusionProof, root interfaces.Hash) bool {
	if proof == nil {
		return false
	}
	node := crypto.Hash(merkleLeafDomain, leaf[:])
	pos := proof.Index
	for _, sibling := range proof.Path {
		if pos%2 == 0 {
			node = crypto.Hash(merkleNodeDomain, node[:], sibling[:])
		} else {
			node = crypto.Hash(merkleNodeDomain, sibling[:], node[:])
		}
		pos /= 2
	}
	return node == root
}
