// Package model provides the shared domain types for changefeed.
//
// This package contains type definitions, identity hashing and the error
// taxonomy only. All other internal packages import model; model imports
// nothing internal, which keeps it the foundational layer with no circular
// dependencies.
//
// Key design constraints:
//   - Stage and EventKind values are the persisted strings ("Stage", "Live",
//     "ALL", "UPDATED", "DELETED") so queue rows written by older deployments
//     stay readable
//   - Identity hashes are computed from the root (base) type, never the
//     concrete subtype, so polymorphic records collapse to one identity
//   - Type names are NFC normalized before hashing and matching
package model
