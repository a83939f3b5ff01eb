package policy

import (
	"fmt"
	"sort"

	"github.com/roach88/changefeed/internal/model"
)

// VetoFunc reports whether an instance must be excluded from sync even though
// its type is included. It must not have side effects.
type VetoFunc func(e model.Entity) bool

// TypeSpec declares one entity type.
type TypeSpec struct {
	// Class is the fully qualified type identifier, e.g. `App\Model\Page`.
	Class string

	// Parent is the direct parent class. Empty for a root (base) type.
	Parent string

	// Table is the storage table holding this type's own columns.
	// Defaults to the short class name.
	Table string

	// TypeName is the wire type name. Defaults to the short class name.
	TypeName string

	// Versioned marks a draft/live hierarchy. Only meaningful on root types;
	// subtypes inherit the root's setting.
	Versioned bool

	// SizeField names the column holding a binary asset's size in bytes.
	SizeField string

	// Veto is the optional per-instance exclusion hook. It applies to this
	// type and every subtype.
	Veto VetoFunc
}

// Config is the input to New.
type Config struct {
	// Included is the allow list. Empty means every type starts included.
	Included []string

	// Excluded is the deny list. A match always excludes.
	Excluded []string

	// Types declares every known type.
	Types []TypeSpec
}

type typeInfo struct {
	spec      TypeSpec
	base      string
	chain     []string // self first, root last
	versioned bool
	vetoes    []VetoFunc
	included  bool
}

// Registry is the immutable type registry and inclusion policy.
// It is safe for concurrent use.
type Registry struct {
	types    map[string]*typeInfo
	included []string
	bases    []string
}

// New validates cfg and resolves the registry.
//
// Errors:
//   - duplicate or empty class names
//   - class names Unsanitize cannot recover from Sanitize, e.g. ones
//     containing "__" or an underscore next to a namespace separator
//   - unknown parent or parent cycles
//   - malformed glob patterns
func New(cfg Config) (*Registry, error) {
	allow, err := compilePatterns(cfg.Included)
	if err != nil {
		return nil, fmt.Errorf("compile allow list: %w", err)
	}
	deny, err := compilePatterns(cfg.Excluded)
	if err != nil {
		return nil, fmt.Errorf("compile deny list: %w", err)
	}

	specs := make(map[string]TypeSpec, len(cfg.Types))
	for _, s := range cfg.Types {
		s.Class = model.NormalizeType(s.Class)
		s.Parent = model.NormalizeType(s.Parent)
		if s.Class == "" {
			return nil, fmt.Errorf("type declaration without class")
		}
		if Unsanitize(Sanitize(s.Class)) != s.Class {
			return nil, fmt.Errorf("type %q: class name does not survive sanitizing; avoid %q and underscores next to %q",
				s.Class, sanitizedSeparator, `\`)
		}
		if _, dup := specs[s.Class]; dup {
			return nil, fmt.Errorf("duplicate type %q", s.Class)
		}
		if s.Table == "" {
			s.Table = ShortName(s.Class)
		}
		if s.TypeName == "" {
			s.TypeName = ShortName(s.Class)
		}
		specs[s.Class] = s
	}

	r := &Registry{types: make(map[string]*typeInfo, len(specs))}
	for class := range specs {
		chain, err := resolveChain(specs, class)
		if err != nil {
			return nil, err
		}
		root := specs[chain[len(chain)-1]]

		info := &typeInfo{
			spec:      specs[class],
			base:      root.Class,
			chain:     chain,
			versioned: root.Versioned,
		}
		for _, c := range chain {
			if v := specs[c].Veto; v != nil {
				info.vetoes = append(info.vetoes, v)
			}
		}
		info.included = classIncluded(class, allow, deny)
		r.types[class] = info

		if info.included {
			r.included = append(r.included, class)
		}
	}
	sort.Strings(r.included)

	seen := make(map[string]bool)
	for _, class := range r.included {
		b := r.types[class].base
		if !seen[b] {
			seen[b] = true
			r.bases = append(r.bases, b)
		}
	}
	sort.Strings(r.bases)

	return r, nil
}

func resolveChain(specs map[string]TypeSpec, class string) ([]string, error) {
	var chain []string
	visited := make(map[string]bool)
	for c := class; c != ""; c = specs[c].Parent {
		if visited[c] {
			return nil, fmt.Errorf("type %q: parent cycle through %q", class, c)
		}
		if _, ok := specs[c]; !ok {
			return nil, fmt.Errorf("type %q: unknown parent %q", class, c)
		}
		visited[c] = true
		chain = append(chain, c)
	}
	return chain, nil
}

func classIncluded(class string, allow, deny []pattern) bool {
	included := len(allow) == 0
	for _, p := range allow {
		if p.match(class) {
			included = true
			break
		}
	}
	for _, p := range deny {
		if p.match(class) {
			included = false
		}
	}
	return included
}

// Includes reports whether typ (and, when e is non-nil, that instance)
// participates in sync. Unknown types are never included.
func (r *Registry) Includes(typ string, e *model.Entity) bool {
	info, ok := r.types[model.NormalizeType(typ)]
	if !ok || !info.included {
		return false
	}
	if e == nil {
		return true
	}
	for _, veto := range info.vetoes {
		if veto(*e) {
			return false
		}
	}
	return true
}

// IncludesType reports the cached type-level verdict.
func (r *Registry) IncludesType(typ string) bool {
	return r.Includes(typ, nil)
}

// Known reports whether typ is declared, regardless of inclusion.
func (r *Registry) Known(typ string) bool {
	_, ok := r.types[model.NormalizeType(typ)]
	return ok
}

// IncludedTypes returns the included classes, sorted.
func (r *Registry) IncludedTypes() []string {
	return append([]string(nil), r.included...)
}

// BaseTypes returns the distinct root types of all included classes, sorted.
func (r *Registry) BaseTypes() []string {
	return append([]string(nil), r.bases...)
}

// Types returns every declared class, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.types))
	for c := range r.types {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Spec returns the resolved declaration of typ.
func (r *Registry) Spec(typ string) (TypeSpec, bool) {
	info, ok := r.types[model.NormalizeType(typ)]
	if !ok {
		return TypeSpec{}, false
	}
	return info.spec, true
}

// BaseType returns the root type of typ.
func (r *Registry) BaseType(typ string) (string, bool) {
	info, ok := r.types[model.NormalizeType(typ)]
	if !ok {
		return "", false
	}
	return info.base, true
}

// Versioned reports whether typ belongs to a draft/live hierarchy.
func (r *Registry) Versioned(typ string) bool {
	info, ok := r.types[model.NormalizeType(typ)]
	return ok && info.versioned
}

// HasVeto reports whether any class in typ's hierarchy declares a veto.
func (r *Registry) HasVeto(typ string) bool {
	info, ok := r.types[model.NormalizeType(typ)]
	return ok && len(info.vetoes) > 0
}

// TypeName returns the wire type name of typ, or the short class name for
// unknown types.
func (r *Registry) TypeName(typ string) string {
	if info, ok := r.types[model.NormalizeType(typ)]; ok {
		return info.spec.TypeName
	}
	return ShortName(typ)
}

// Ancestry returns the wire type names from typ up to, but excluding, its
// root type.
func (r *Registry) Ancestry(typ string) []string {
	info, ok := r.types[model.NormalizeType(typ)]
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(info.chain))
	for _, c := range info.chain[:len(info.chain)-1] {
		out = append(out, r.types[c].spec.TypeName)
	}
	return out
}

// Chain returns the classes from typ up to and including its root.
func (r *Registry) Chain(typ string) []string {
	info, ok := r.types[model.NormalizeType(typ)]
	if !ok {
		return nil
	}
	return append([]string(nil), info.chain...)
}

// Subtypes returns every declared class whose root is base, sorted.
func (r *Registry) Subtypes(base string) []string {
	base = model.NormalizeType(base)
	var out []string
	for c, info := range r.types {
		if info.base == base {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
