// Package journal implements the per-account authenticated fact store: an
// append-only log of signed events per authority plus the derived CRDT view.
//
// Events carry a monotonically rising nonce and a parent hash forming a
// contiguous chain per authority; authorization witnesses are verified
// against the membership recorded in the view. The view merges fact
// operations with order-independent rules (last-writer-wins under
// (epoch, timestamp, event hash), set union, counter max), so replaying any
// permutation of an accepted event set produces the same state. A B-tree
// index, a Bloom filter, and a binary Merkle tree sit beside the view for
// queries and peer-to-peer sync comparison.
package journal
