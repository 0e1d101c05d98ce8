// Package effects provides the concrete effect handles behind the contracts
// in package interfaces: a production set wired to the real clock, OS
// entropy, and real cryptographic primitives, and a simulation set that is
// deterministic from a seed so full ceremonies replay bit-for-bit.
package effects
