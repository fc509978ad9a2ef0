package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/thobiasn/beacon/internal/protocol"
)

const (
	ActiveLabel   = "Active"
	InactiveLabel = "Inactive"
)

// maxNameLen bounds entity names accepted from reporters.
const maxNameLen = 256

var errEmptyName = errors.New("record has no name")

// Workers holds the latest record of every worker that reports over the
// socket or MQTT. A worker that has not reported within staleAfter is
// published as inactive.
type Workers struct {
	store *Store // nil keeps state in memory only

	mu         sync.Mutex
	staleAfter time.Duration
	entries    map[string]*worker
	now        func() time.Time
}

type worker struct {
	rec      protocol.StatusRecord
	lastSeen time.Time
}

// NewWorkers creates a registry. store may be nil.
func NewWorkers(store *Store, staleAfter time.Duration) *Workers {
	return &Workers{
		store:      store,
		staleAfter: staleAfter,
		entries:    make(map[string]*worker),
		now:        time.Now,
	}
}

// Load restores workers persisted by a previous run.
func (w *Workers) Load(ctx context.Context) (int, error) {
	if w.store == nil {
		return 0, nil
	}
	stored, err := w.store.LoadWorkers(ctx)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range stored {
		w.entries[s.Record.Name] = &worker{rec: s.Record, lastSeen: s.LastSeen}
	}
	return len(stored), nil
}

// SetStaleAfter changes the staleness threshold.
func (w *Workers) SetStaleAfter(d time.Duration) {
	w.mu.Lock()
	w.staleAfter = d
	w.mu.Unlock()
}

// Report merges records into the registry and persists them. Every record
// is validated before any is applied. Persisting happens under the lock so
// rows land in the order reports were merged.
func (w *Workers) Report(ctx context.Context, recs []protocol.StatusRecord) error {
	for i := range recs {
		if recs[i].Name == "" {
			return fmt.Errorf("record %d: %w", i, errEmptyName)
		}
		if len(recs[i].Name) > maxNameLen {
			return fmt.Errorf("record %d: name longer than %d bytes", i, maxNameLen)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	merged := make([]protocol.StatusRecord, 0, len(recs))
	for i := range recs {
		e := w.entries[recs[i].Name]
		if e == nil {
			e = &worker{}
			w.entries[recs[i].Name] = e
		}
		e.rec = mergeRecord(e.rec, recs[i])
		if e.rec.Active == "" {
			e.rec.Active = ActiveLabel
		}
		e.lastSeen = now
		merged = append(merged, e.rec)
	}

	if w.store == nil {
		return nil
	}
	for i := range merged {
		if err := w.store.SaveWorker(ctx, &merged[i], now); err != nil {
			slog.Warn("persist worker", "name", merged[i].Name, "error", err)
		}
	}
	return nil
}

// Records returns a copy of every worker's record sorted by name. Workers
// past the staleness threshold are marked inactive.
func (w *Workers) Records() []protocol.StatusRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	out := make([]protocol.StatusRecord, 0, len(w.entries))
	for _, e := range w.entries {
		rec := cloneRecord(e.rec)
		if now.Sub(e.lastSeen) > w.staleAfter {
			rec.Active = InactiveLabel
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is a known worker.
func (w *Workers) Has(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[name]
	return ok
}

// Prune forgets workers not seen for retention, in memory and on disk.
func (w *Workers) Prune(ctx context.Context, retention time.Duration) (int, error) {
	w.mu.Lock()
	cutoff := w.now().Add(-retention)
	n := 0
	for name, e := range w.entries {
		if e.lastSeen.Before(cutoff) {
			delete(w.entries, name)
			n++
		}
	}
	w.mu.Unlock()

	if w.store != nil {
		if _, err := w.store.Prune(ctx, cutoff); err != nil {
			return n, err
		}
	}
	return n, nil
}

// mergeRecord applies next over prev. Absent optional fields keep their
// previous values so a worker can report only what changed.
func mergeRecord(prev, next protocol.StatusRecord) protocol.StatusRecord {
	out := cloneRecord(next)
	if out.Group == "" {
		out.Group = prev.Group
	}
	if out.Active == "" {
		out.Active = prev.Active
	}
	if out.LogEndpoint == "" {
		out.LogEndpoint = prev.LogEndpoint
	}
	if out.StreamEndpoint == "" {
		out.StreamEndpoint = prev.StreamEndpoint
	}
	if out.Create == nil {
		out.Create = prev.Create
	}
	if out.RunPeriodic == nil {
		out.RunPeriodic = prev.RunPeriodic
	}
	if out.Shutdown == nil {
		out.Shutdown = prev.Shutdown
	}
	if out.Close == nil {
		out.Close = prev.Close
	}
	if out.Capabilities == nil {
		out.Capabilities = slices.Clone(prev.Capabilities)
	}
	if out.StreamShape == nil {
		out.StreamShape = slices.Clone(prev.StreamShape)
	}
	return out
}

func cloneRecord(r protocol.StatusRecord) protocol.StatusRecord {
	r.Capabilities = slices.Clone(r.Capabilities)
	r.StreamShape = slices.Clone(r.StreamShape)
	r.Create = cloneFloat(r.Create)
	r.RunPeriodic = cloneFloat(r.RunPeriodic)
	r.Shutdown = cloneFloat(r.Shutdown)
	r.Close = cloneFloat(r.Close)
	return r
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
