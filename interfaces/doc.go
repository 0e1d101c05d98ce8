// Package interfaces defines the core identifiers, effect contracts, error
// taxonomy, and configuration shared by every Aura component. It provides the
// contract between layers without implementation details: the journal,
// capability engine, key fabric, and ceremony runtime all consume effects
// through the interfaces declared here, never through ambient I/O.
package interfaces
