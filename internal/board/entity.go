package board

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/zeebo/xxh3"

	"github.com/thobiasn/beacon/internal/protocol"
)

// Entity is the view model behind one panel. It caches the last rendered
// value of every field so updates only write what actually changed.
type Entity struct {
	d *Dashboard

	name  string
	group string

	indicator   Indicator
	status      string
	description string
	errors      string
	timers      [4]string

	capabilities []string
	streamShape  []int

	tabs      []Tab
	activeTab Tab

	buf    *LineBuffer
	log    logFeed
	stream Stream

	fingerprint uint64
	mutations   int
}

func newEntity(d *Dashboard, rec *protocol.StatusRecord) *Entity {
	e := &Entity{
		d:            d,
		name:         rec.Name,
		group:        groupKey(rec.Group),
		indicator:    indicatorFor(rec.Active),
		status:       rec.Status,
		description:  rec.Description,
		errors:       errorsText(rec.Errors),
		timers:       timerValues(rec),
		capabilities: slices.Clone(rec.Capabilities),
		streamShape:  slices.Clone(rec.StreamShape),
		buf:          NewLineBuffer(),
		fingerprint:  fingerprint(rec),
	}

	e.tabs = append(e.tabs, TabErrors)
	if rec.LogEndpoint != "" {
		e.addTab(TabLogs)
	}
	if rec.StreamEndpoint != "" {
		e.addTab(TabStream)
		e.stream = Stream{endpoint: rec.StreamEndpoint, surface: d.transport.NewSurface(e.name)}
	}
	e.activeTab = e.tabs[0]

	// The log feed opens regardless of tab selection; the image feed waits
	// for its tab.
	if rec.LogEndpoint != "" {
		d.openLog(e, rec.LogEndpoint)
	}
	return e
}

// update applies a later record for the same name. Only fields whose
// rendered value differs are written; empty status and description leave
// the panel text as it was.
func (e *Entity) update(rec *protocol.StatusRecord) {
	fp := fingerprint(rec)
	if fp == e.fingerprint {
		return
	}
	e.fingerprint = fp

	if ind := indicatorFor(rec.Active); ind != e.indicator {
		e.indicator = ind
		e.mutations++
	}
	if rec.Status != "" {
		e.setText(&e.status, rec.Status)
	}
	if rec.Description != "" {
		e.setText(&e.description, rec.Description)
	}
	e.setText(&e.errors, errorsText(rec.Errors))
	for i, v := range timerValues(rec) {
		e.setText(&e.timers[i], v)
	}

	if rec.Capabilities != nil && !slices.Equal(rec.Capabilities, e.capabilities) {
		e.capabilities = slices.Clone(rec.Capabilities)
		e.mutations++
	}
	if rec.StreamShape != nil && !slices.Equal(rec.StreamShape, e.streamShape) {
		e.streamShape = slices.Clone(rec.StreamShape)
		e.mutations++
	}

	if rec.LogEndpoint != "" && rec.LogEndpoint != e.log.endpoint {
		if e.addTab(TabLogs) {
			e.mutations++
		}
		e.d.openLog(e, rec.LogEndpoint)
		e.mutations++
	}
	if rec.StreamEndpoint != "" && rec.StreamEndpoint != e.stream.endpoint {
		if e.stream.surface == nil {
			e.stream.surface = e.d.transport.NewSurface(e.name)
		}
		if e.addTab(TabStream) {
			e.mutations++
		}
		e.stream.repoint(rec.StreamEndpoint)
		e.mutations++
	}
}

func (e *Entity) setText(field *string, v string) {
	if *field != v {
		*field = v
		e.mutations++
	}
}

// addTab inserts t in fixed tab order. It reports whether t was missing.
func (e *Entity) addTab(t Tab) bool {
	if e.HasTab(t) {
		return false
	}
	tabs := make([]Tab, 0, len(e.tabs)+1)
	for _, o := range tabOrder {
		if o == t || slices.Contains(e.tabs, o) {
			tabs = append(tabs, o)
		}
	}
	e.tabs = tabs
	return true
}

func (e *Entity) selectTab(t Tab) bool {
	if !e.HasTab(t) || e.activeTab == t {
		return false
	}
	e.activeTab = t
	e.mutations++
	e.syncStream()
	return true
}

func (e *Entity) syncStream() {
	if e.stream.sync(e.activeTab == TabStream && e.d.visible) {
		e.mutations++
	}
}

func (e *Entity) logOpened(key FeedKey) {
	if key != e.log.key || e.log.state != FeedConnecting {
		return
	}
	e.log.state = FeedOpen
	if e.buf.Clear() {
		e.mutations++
	}
}

func (e *Entity) logLine(key FeedKey, text string) {
	if key != e.log.key || !e.log.live() {
		return
	}
	e.buf.Append(text)
	e.mutations++
}

func (e *Entity) logFailed(key FeedKey, err error) {
	if key != e.log.key || !e.log.live() {
		return
	}
	e.log.close()
	e.log.err = err
	e.buf.Append(LogErrorLine)
	e.mutations++
}

// Name returns the entity's unique key.
func (e *Entity) Name() string { return e.name }

// Group returns the key of the group the entity was created in.
func (e *Entity) Group() string { return e.group }

// Indicator returns the status dot class.
func (e *Entity) Indicator() Indicator { return e.indicator }

// Active reports whether the indicator is in the active state.
func (e *Entity) Active() bool { return e.indicator == IndicatorActive }

// Status returns the status text.
func (e *Entity) Status() string { return e.status }

// Description returns the description text.
func (e *Entity) Description() string { return e.description }

// Errors returns the errors text ("None" when there are none).
func (e *Entity) Errors() string { return e.errors }

// Timers returns the four formatted timers in TimerLabels order.
func (e *Entity) Timers() [4]string { return e.timers }

// Capabilities returns the last reported capabilities.
func (e *Entity) Capabilities() []string { return slices.Clone(e.capabilities) }

// StreamShape returns the last reported image shape, e.g. [480 640 3].
func (e *Entity) StreamShape() []int { return slices.Clone(e.streamShape) }

// Tabs returns the panel's inner tabs in display order.
func (e *Entity) Tabs() []Tab { return slices.Clone(e.tabs) }

// HasTab reports whether the panel has tab t.
func (e *Entity) HasTab(t Tab) bool { return slices.Contains(e.tabs, t) }

// ActiveTab returns the selected inner tab.
func (e *Entity) ActiveTab() Tab { return e.activeTab }

// Lines returns the buffered log lines, oldest first.
func (e *Entity) Lines() []string { return e.buf.Lines() }

// Tail returns up to n of the newest log lines, oldest first.
func (e *Entity) Tail(n int) []string { return e.buf.Tail(n) }

// LogEndpoint returns the endpoint of the current log feed.
func (e *Entity) LogEndpoint() string { return e.log.endpoint }

// LogState returns the state of the log feed.
func (e *Entity) LogState() FeedState { return e.log.state }

// LogErr returns the error that closed the log feed, if any.
func (e *Entity) LogErr() error { return e.log.err }

// StreamEndpoint returns the image feed endpoint.
func (e *Entity) StreamEndpoint() string { return e.stream.endpoint }

// StreamState returns whether the image feed is open.
func (e *Entity) StreamState() StreamState { return e.stream.state }

// StreamOpens returns how many times the image feed has been requested.
func (e *Entity) StreamOpens() int { return e.stream.opens }

// Mutations counts observable writes since creation.
func (e *Entity) Mutations() int { return e.mutations }

func timerValues(rec *protocol.StatusRecord) [4]string {
	return [4]string{
		FormatTimer(TimerLabels[0], rec.Create),
		FormatTimer(TimerLabels[1], rec.RunPeriodic),
		FormatTimer(TimerLabels[2], rec.Shutdown),
		FormatTimer(TimerLabels[3], rec.Close),
	}
}

// fingerprint hashes every field of rec. Identical re-deliveries are
// skipped before any field comparison.
func fingerprint(rec *protocol.StatusRecord) uint64 {
	buf := make([]byte, 0, 256)
	str := func(s string) {
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		buf = append(buf, s...)
	}
	num := func(v *float64) {
		if v == nil {
			buf = append(buf, 0)
			return
		}
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(*v))
	}

	str(rec.Name)
	str(rec.Group)
	str(rec.Active)
	str(rec.Status)
	str(rec.Description)
	str(rec.Errors)
	str(rec.LogEndpoint)
	str(rec.StreamEndpoint)
	num(rec.Create)
	num(rec.RunPeriodic)
	num(rec.Shutdown)
	num(rec.Close)

	// nil and empty differ: nil means "unchanged".
	if rec.Capabilities == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = binary.AppendUvarint(buf, uint64(len(rec.Capabilities)))
		for _, c := range rec.Capabilities {
			str(c)
		}
	}
	if rec.StreamShape == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = binary.AppendUvarint(buf, uint64(len(rec.StreamShape)))
		for _, n := range rec.StreamShape {
			buf = binary.AppendVarint(buf, int64(n))
		}
	}
	return xxh3.Hash(buf)
}
