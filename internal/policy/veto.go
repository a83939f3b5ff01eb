package policy

import (
	"strconv"
	"strings"

	"github.com/roach88/changefeed/internal/model"
)

// RequireField returns a veto that excludes instances whose field is absent
// or falsy. Assets that are not referenced anywhere are the usual case:
//
//	TypeSpec{Class: `App\Assets\File`, Veto: RequireField("IsUsed")}
func RequireField(field string) VetoFunc {
	return func(e model.Entity) bool {
		return !truthy(e.Fields[field])
	}
}

// ExcludeWhenField returns a veto that excludes instances whose field is truthy.
func ExcludeWhenField(field string) VetoFunc {
	return func(e model.Entity) bool {
		return truthy(e.Fields[field])
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []byte:
		return truthyString(string(x))
	case string:
		return truthyString(x)
	}
	return true
}

func truthyString(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n != 0
	}
	return true
}
