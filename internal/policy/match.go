package policy

import (
	"fmt"
	"path"
	"strings"
)

// pattern is a compiled type-match glob.
//
// Patterns follow shell glob syntax with backslash treated as a literal
// character (class names use it as the namespace separator), so `App\*`
// matches every class in the App namespace and its sub-namespaces.
type pattern struct {
	raw     string
	escaped string
}

func compilePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("empty type pattern")
	}
	escaped := strings.ReplaceAll(raw, `\`, `\\`)
	if _, err := path.Match(escaped, ""); err != nil {
		return pattern{}, fmt.Errorf("invalid type pattern %q: %w", raw, err)
	}
	return pattern{raw: raw, escaped: escaped}, nil
}

func (p pattern) match(class string) bool {
	ok, _ := path.Match(p.escaped, class)
	return ok
}

func compilePatterns(raws []string) ([]pattern, error) {
	out := make([]pattern, 0, len(raws))
	for _, raw := range raws {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
