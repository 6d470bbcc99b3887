package capability

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry holds tool descriptors keyed by tool id.
// Writes happen only at startup; once sealed, reads take no locks.
type Registry struct {
	mu       sync.RWMutex
	sealed   atomic.Bool
	tools    map[string]Descriptor
	byDomain map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Descriptor),
		byDomain: make(map[string][]string),
	}
}

// Register adds a descriptor. It fails with *DuplicateToolError when the id
// already exists and with *SchemaError when the descriptor is malformed.
func (r *Registry) Register(d Descriptor) error {
	if d.ToolID == "" {
		return &SchemaError{Reason: "tool id is required"}
	}
	if d.Domain == "" {
		return &SchemaError{ToolID: d.ToolID, Reason: "domain is required"}
	}
	if d.OutputSchema == "" {
		return &SchemaError{ToolID: d.ToolID, Reason: "output schema tag is required"}
	}
	if d.CostHint < 0 || d.CostHint > 1 || d.Timeout < 0 {
		return &SchemaError{ToolID: d.ToolID, Reason: "cost hint must be in [0,1] and timeout multiplier non-negative"}
	}
	seen := make(map[string]bool, len(d.Params))
	for _, s := range d.Params {
		if err := s.check(); err != nil {
			return &SchemaError{ToolID: d.ToolID, Param: s.Name, Reason: err.Error()}
		}
		if seen[s.Name] {
			return &SchemaError{ToolID: d.ToolID, Param: s.Name, Reason: "declared twice"}
		}
		seen[s.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, exists := r.tools[d.ToolID]; exists {
		return &DuplicateToolError{ToolID: d.ToolID}
	}
	d.Params = append([]ParamSpec(nil), d.Params...)
	r.tools[d.ToolID] = d
	ids := append(r.byDomain[d.Domain], d.ToolID)
	sort.Strings(ids)
	r.byDomain[d.Domain] = ids
	return nil
}

// MustRegister registers d and panics on error. Intended for built-in catalogs.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic("capability: " + err.Error())
	}
}

// Seal freezes the registry. Subsequent Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether the registry has been sealed.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

func (r *Registry) rlock() func() {
	if r.sealed.Load() {
		return func() {}
	}
	r.mu.RLock()
	return r.mu.RUnlock
}

// Lookup returns the descriptor for toolID or *UnknownToolError.
func (r *Registry) Lookup(toolID string) (Descriptor, error) {
	defer r.rlock()()
	d, ok := r.tools[toolID]
	if !ok {
		return Descriptor{}, &UnknownToolError{ToolID: toolID}
	}
	return d, nil
}

// Validate checks params against the tool's schema. Unknown parameters,
// missing required parameters and ill-typed or out-of-range values are
// reported as *SchemaError.
func (r *Registry) Validate(toolID string, params Params) error {
	d, err := r.Lookup(toolID)
	if err != nil {
		return err
	}
	for name, v := range params {
		spec, ok := d.Spec(name)
		if !ok {
			return &SchemaError{ToolID: toolID, Param: name, Reason: "unknown parameter"}
		}
		if reason := spec.checkValue(v); reason != "" {
			return &SchemaError{ToolID: toolID, Param: name, Reason: reason}
		}
	}
	for _, spec := range d.Params {
		if _, ok := params[spec.Name]; spec.Required && !ok {
			return &SchemaError{ToolID: toolID, Param: spec.Name, Reason: "missing required parameter"}
		}
	}
	return nil
}

// ForDomain returns the descriptors owned by domain, sorted by tool id.
func (r *Registry) ForDomain(domain string) []Descriptor {
	defer r.rlock()()
	ids := r.byDomain[domain]
	out := make([]Descriptor, len(ids))
	for i, id := range ids {
		out[i] = r.tools[id]
	}
	return out
}

// Domains returns all domains with at least one tool, sorted.
func (r *Registry) Domains() []string {
	defer r.rlock()()
	out := make([]string, 0, len(r.byDomain))
	for d := range r.byDomain {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// List returns all descriptors sorted by domain, then tool id.
func (r *Registry) List() []Descriptor {
	defer r.rlock()()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].ToolID < out[j].ToolID
	})
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	defer r.rlock()()
	return len(r.tools)
}
