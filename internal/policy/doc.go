// Package policy implements the inclusion policy: the decision of whether a
// type, or one instance of it, participates in sync.
//
// The Registry is built once from configuration and never mutated. It maps
// every known type to its root (base) type, storage table, versioning flag
// and optional per-instance veto, and precomputes the set of included types
// from the allow/deny glob lists.
//
// Resolution order for a type:
//  1. unknown type: excluded
//  2. allow list non-empty and no allow pattern matches: excluded
//  3. any deny pattern matches: excluded
//  4. otherwise included
//
// Instance vetoes only ever narrow the type-level verdict and are evaluated on
// every call.
package policy
