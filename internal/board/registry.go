package board

// Group is a display container for entities, keyed by the record's group.
type Group struct {
	key     string
	members []string
}

// Key returns the group key.
func (g *Group) Key() string { return g.key }

// Members returns the entity names in the group, in first-seen order.
func (g *Group) Members() []string {
	out := make([]string, len(g.members))
	copy(out, g.members)
	return out
}

// Registry tracks groups in first-seen order and the single selected group.
// Nothing is selected until the first group is created; from then on exactly
// one group is selected.
type Registry struct {
	order    []*Group
	byKey    map[string]*Group
	selected *Group
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byKey: make(map[string]*Group)}
}

// Ensure returns the group for key, creating it on first sighting. The very
// first group created is selected; later creations never change selection.
func (r *Registry) Ensure(key string) (g *Group, created bool) {
	if g, ok := r.byKey[key]; ok {
		return g, false
	}
	g = &Group{key: key}
	r.byKey[key] = g
	r.order = append(r.order, g)
	if r.selected == nil {
		r.selected = g
	}
	return g, true
}

// Get returns the group for key.
func (r *Registry) Get(key string) (*Group, bool) {
	g, ok := r.byKey[key]
	return g, ok
}

// Select makes key the selected group. It reports whether selection changed;
// unknown keys and the already-selected key are no-ops.
func (r *Registry) Select(key string) bool {
	g, ok := r.byKey[key]
	if !ok || g == r.selected {
		return false
	}
	r.selected = g
	return true
}

// Selected returns the selected group key, or false before any group exists.
func (r *Registry) Selected() (string, bool) {
	if r.selected == nil {
		return "", false
	}
	return r.selected.key, true
}

// IsSelected reports whether key is the selected group.
func (r *Registry) IsSelected(key string) bool {
	return r.selected != nil && r.selected.key == key
}

// Keys returns group keys in first-seen order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.order))
	for i, g := range r.order {
		out[i] = g.key
	}
	return out
}

// Len returns the number of groups.
func (r *Registry) Len() int {
	return len(r.order)
}

func (r *Registry) attach(key, entity string) {
	g, _ := r.Ensure(key)
	g.members = append(g.members, entity)
}
