package board

import (
	"github.com/thobiasn/beacon/internal/protocol"
)

// Dashboard is the reconciler: it owns every entity, the group registry and
// page visibility, and turns events into the minimal set of view writes.
// It is not safe for concurrent use; callers feed it from one loop.
type Dashboard struct {
	transport Transport
	groups    *Registry
	entities  map[string]*Entity
	order     []*Entity
	visible   bool
	nextFeed  uint64
	mutations int
}

// New returns an empty dashboard. A nil transport opens no feeds.
func New(tr Transport) *Dashboard {
	if tr == nil {
		tr = nopTransport{}
	}
	return &Dashboard{
		transport: tr,
		groups:    NewRegistry(),
		entities:  make(map[string]*Entity),
		visible:   true,
	}
}

// Handle applies one event to completion.
func (d *Dashboard) Handle(ev Event) {
	switch ev := ev.(type) {
	case StatusBatch:
		d.Apply(ev.Records)
	case LogOpened:
		if e := d.entities[ev.Feed.Entity]; e != nil {
			e.logOpened(ev.Feed)
		}
	case LogLine:
		if e := d.entities[ev.Feed.Entity]; e != nil {
			e.logLine(ev.Feed, ev.Text)
		}
	case LogFailed:
		if e := d.entities[ev.Feed.Entity]; e != nil {
			e.logFailed(ev.Feed, ev.Err)
		}
	case VisibilityChanged:
		d.SetVisible(ev.Visible)
	case TabSelected:
		d.SelectTab(ev.Entity, ev.Tab)
	case GroupSelected:
		d.SelectGroup(ev.Group)
	}
}

// Apply reconciles one status batch. Records are applied in order, so when
// a name repeats within a batch the last record wins. Records with an empty
// name are dropped.
func (d *Dashboard) Apply(records []protocol.StatusRecord) {
	for i := range records {
		rec := &records[i]
		if rec.Name == "" {
			continue
		}
		// The group appears even when the entity already lives elsewhere;
		// entities never move.
		key := groupKey(rec.Group)
		if _, created := d.groups.Ensure(key); created {
			d.mutations++
		}
		if e, ok := d.entities[rec.Name]; ok {
			e.update(rec)
			continue
		}
		e := newEntity(d, rec)
		d.entities[e.name] = e
		d.order = append(d.order, e)
		d.groups.attach(key, e.name)
		d.mutations++
	}
}

// SetVisible records page visibility and opens or closes every image feed
// that depends on it.
func (d *Dashboard) SetVisible(v bool) {
	if d.visible == v {
		return
	}
	d.visible = v
	for _, e := range d.order {
		e.syncStream()
	}
}

// SelectTab selects an inner tab on one entity. Unknown entities and tabs
// the entity does not have are ignored.
func (d *Dashboard) SelectTab(entity string, t Tab) bool {
	e := d.entities[entity]
	if e == nil {
		return false
	}
	return e.selectTab(t)
}

// SelectGroup makes group the visible group. Unknown groups are ignored.
func (d *Dashboard) SelectGroup(group string) bool {
	if !d.groups.Select(group) {
		return false
	}
	d.mutations++
	return true
}

// Shutdown closes every live feed. The dashboard stays readable.
func (d *Dashboard) Shutdown() {
	for _, e := range d.order {
		if e.log.live() {
			e.log.close()
		}
		e.stream.sync(false)
	}
}

func (d *Dashboard) openLog(e *Entity, endpoint string) {
	if e.log.live() {
		e.log.close()
	}
	d.nextFeed++
	key := FeedKey{Entity: e.name, ID: d.nextFeed}
	e.log = logFeed{key: key, endpoint: endpoint, state: FeedConnecting}
	e.log.sub = d.transport.OpenLog(key, endpoint)
}

// Entity returns the entity named name.
func (d *Dashboard) Entity(name string) (*Entity, bool) {
	e, ok := d.entities[name]
	return e, ok
}

// Entities returns all entities in creation order.
func (d *Dashboard) Entities() []*Entity {
	out := make([]*Entity, len(d.order))
	copy(out, d.order)
	return out
}

// Members returns the entities of group in creation order.
func (d *Dashboard) Members(group string) []*Entity {
	g, ok := d.groups.Get(group)
	if !ok {
		return nil
	}
	out := make([]*Entity, 0, len(g.members))
	for _, name := range g.members {
		out = append(out, d.entities[name])
	}
	return out
}

// Groups returns group keys in first-seen order.
func (d *Dashboard) Groups() []string { return d.groups.Keys() }

// Registry exposes the group registry.
func (d *Dashboard) Registry() *Registry { return d.groups }

// Selected returns the selected group key, or false before any record
// has arrived.
func (d *Dashboard) Selected() (string, bool) { return d.groups.Selected() }

// Visible reports the last known page visibility.
func (d *Dashboard) Visible() bool { return d.visible }

// Len returns the number of entities.
func (d *Dashboard) Len() int { return len(d.order) }

// Mutations counts observable writes across the dashboard and its entities.
func (d *Dashboard) Mutations() int {
	n := d.mutations
	for _, e := range d.order {
		n += e.mutations
	}
	return n
}
