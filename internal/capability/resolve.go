package capability

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Lookup returns the value bound to a placeholder name.
type Lookup func(name string) (string, bool)

// UnresolvedError lists placeholders that had no binding.
type UnresolvedError struct {
	Names []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved placeholders: %s", strings.Join(e.Names, ", "))
}

func (e *UnresolvedError) Unwrap() error { return ErrUnresolvedPlaceholder }

type resolver struct {
	lookup  Lookup
	missing map[string]bool
}

func (r *resolver) sub(s string) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := r.lookup(name); ok {
			return v
		}
		r.missing[name] = true
		return m
	})
}

// Resolve substitutes every placeholder in c. Substituted values are not
// scanned again. If any placeholder is unbound, Resolve returns an
// *UnresolvedError naming all of them and no capability.
func Resolve(c Capability, lookup Lookup) (Capability, error) {
	r := &resolver{lookup: lookup, missing: make(map[string]bool)}
	out := c.resolve(r)
	if len(r.missing) > 0 {
		names := make([]string, 0, len(r.missing))
		for n := range r.missing {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &UnresolvedError{Names: names}
	}
	return out, nil
}

// Placeholders returns the distinct placeholder names used in c, sorted.
func Placeholders(c Capability) []string {
	seen := make(map[string]bool)
	r := &resolver{
		lookup: func(name string) (string, bool) {
			seen[name] = true
			return "", true
		},
		missing: make(map[string]bool),
	}
	c.resolve(r)
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// MapLookup chains maps into a Lookup. Earlier maps win.
func MapLookup(maps ...map[string]string) Lookup {
	return func(name string) (string, bool) {
		for _, m := range maps {
			if v, ok := m[name]; ok {
				return v, true
			}
		}
		return "", false
	}
}
