package resolver

import (
	"strconv"
	"strings"

	"github.com/roach88/changefeed/internal/model"
	"github.com/roach88/changefeed/internal/policy"
)

// cursorSeparator divides the sanitized type from the id in an offset token.
const cursorSeparator = "-"

// Cursor is a decoded offset token: the last (type, id) of a page.
type Cursor struct {
	Type string
	ID   int64
}

// EncodeCursor renders the opaque offset token of (typ, id).
//
//	EncodeCursor(`App\Model\Page`, 42) == "App__Model__Page-42"
func EncodeCursor(typ string, id int64) string {
	return policy.Sanitize(typ) + cursorSeparator + strconv.FormatInt(id, 10)
}

// DecodeCursor parses an offset token and checks that its type is still an
// included type. Any failure is a VALIDATION error with the invalid-token
// reason.
func (r *Resolver) DecodeCursor(token string) (Cursor, error) {
	i := strings.LastIndex(token, cursorSeparator)
	if i <= 0 || i == len(token)-1 {
		return Cursor{}, model.NewInvalidTokenError(token)
	}

	id, err := strconv.ParseInt(token[i+1:], 10, 64)
	if err != nil || id < 0 {
		return Cursor{}, model.NewInvalidTokenError(token)
	}

	typ := model.NormalizeType(policy.Unsanitize(token[:i]))
	if !r.registry.IncludesType(typ) {
		return Cursor{}, model.NewInvalidTokenError(token)
	}
	return Cursor{Type: typ, ID: id}, nil
}
