package model

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// IdentityHash computes the stable fingerprint of (type, id).
// Format: hex(MD5(type + ":" + id)).
//
// The same expression is evaluated in SQL by the migrator's bulk backfill
// (MD5(CONCAT(base, ':', id))), so the two must stay byte-identical.
// Callers pass the base type for queue identities and the concrete type for
// the per-type hash exposed on projections.
func IdentityHash(typ string, id int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d", NormalizeType(typ), id)))
	return hex.EncodeToString(sum[:])
}

// MD5Hex returns the lowercase hex MD5 digest of s.
// Registered as the md5() SQL function on SQLite connections.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NormalizeType returns the NFC form of a type name.
func NormalizeType(typ string) string {
	return norm.NFC.String(typ)
}
