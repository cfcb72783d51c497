package features

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Catalog is the process-wide table of feature definitions. Read-only after
// construction.
type Catalog struct {
	defs map[string]Definition
	keys []string
	free map[string]struct{}
}

// LoadCatalog reads the feature definition table from a JSON file.
func LoadCatalog(path string) (*Catalog, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("features: read catalog: %w", err)
	}
	var defs []Definition
	if err := json.Unmarshal(payload, &defs); err != nil {
		return nil, fmt.Errorf("features: decode catalog: %w", err)
	}
	return NewCatalog(defs)
}

// KeySet returns the catalog keys as a set, used to validate references
// from the navigation configuration.
func (c *Catalog) KeySet() map[string]struct{} {
	set := make(map[string]struct{}, len(c.keys))
	for _, key := range c.keys {
		set[key] = struct{}{}
	}
	return set
}

// NewCatalog validates the definition table and builds the catalog.
// Dependencies must reference known keys and form a DAG; a cycle is a
// configuration error reported at load, never at runtime.
func NewCatalog(defs []Definition) (*Catalog, error) {
	validate := validator.New()
	c := &Catalog{
		defs: make(map[string]Definition, len(defs)),
		keys: make([]string, 0, len(defs)),
		free: make(map[string]struct{}),
	}
	for _, def := range defs {
		if err := validate.Struct(def); err != nil {
			return nil, fmt.Errorf("features: invalid definition %q: %w", def.Key, err)
		}
		if _, exists := c.defs[def.Key]; exists {
			return nil, fmt.Errorf("features: duplicate feature key %q", def.Key)
		}
		c.defs[def.Key] = def
		c.keys = append(c.keys, def.Key)
		if def.Category == CategoryFree {
			c.free[def.Key] = struct{}{}
		}
	}
	for _, def := range defs {
		for _, dep := range def.Dependencies {
			if _, ok := c.defs[dep]; !ok {
				return nil, fmt.Errorf("features: %q depends on unknown feature %q", def.Key, dep)
			}
		}
	}
	if cycle := c.findCycle(); len(cycle) > 0 {
		return nil, fmt.Errorf("features: dependency cycle: %s", strings.Join(cycle, " -> "))
	}
	return c, nil
}

// Definition returns the definition for key.
func (c *Catalog) Definition(key string) (Definition, bool) {
	def, ok := c.defs[key]
	return def, ok
}

// IsFree reports whether key names a free-tier feature.
func (c *Catalog) IsFree(key string) bool {
	_, ok := c.free[key]
	return ok
}

// Keys returns all feature keys in definition order.
func (c *Catalog) Keys() []string {
	keys := make([]string, len(c.keys))
	copy(keys, c.keys)
	return keys
}

// Definitions returns all definitions in definition order.
func (c *Catalog) Definitions() []Definition {
	defs := make([]Definition, 0, len(c.keys))
	for _, key := range c.keys {
		defs = append(defs, c.defs[key])
	}
	return defs
}

// findCycle runs a three-color DFS over the dependency edges and returns the
// first cycle found as a key path, or nil.
func (c *Catalog) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(c.keys))
	var stack []string
	var cycle []string

	var visit func(key string) bool
	visit = func(key string) bool {
		color[key] = gray
		stack = append(stack, key)
		for _, dep := range c.defs[key].Dependencies {
			switch color[dep] {
			case gray:
				start := 0
				for i, k := range stack {
					if k == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[key] = black
		return false
	}

	for _, key := range c.keys {
		if color[key] == white && visit(key) {
			return cycle
		}
	}
	return nil
}
