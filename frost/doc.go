// Package frost implements two-round threshold Schnorr signing over
// edwards25519 in the FROST style: a dealer splits the group secret with a
// Shamir polynomial over the scalar field, signers publish hiding/binding
// nonce commitments, and Lagrange-weighted partial signatures aggregate into
// a signature that verifies as plain Ed25519 under the group public key.
//
// The package implements the ThresholdScheme effect contract. All entropy is
// drawn from the injected randomness handle, so a seeded handle makes every
// run deterministic.
package frost
