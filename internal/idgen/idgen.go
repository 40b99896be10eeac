// Package idgen generates the opaque, content-addressed-style identifiers
// used throughout the store: task ids, section ids, runner ids, dispute and
// incident ids, and lock owner tokens. Every cross-reference in the store is
// by one of these opaque ids (spec.md §9) — never an in-memory pointer.
package idgen

import "github.com/google/uuid"

// Generator produces new ids. It exists as an interface (rather than a bare
// package function) so tests can substitute deterministic ids.
type Generator interface {
	New() string
}

// UUIDGenerator generates RFC 4122 v4 UUIDs via google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

// Default is the process-wide generator used outside of tests.
var Default Generator = UUIDGenerator{}

// New is a convenience wrapper around Default.New().
func New() string { return Default.New() }
