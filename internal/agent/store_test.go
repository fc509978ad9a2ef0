package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thobiasn/beacon/internal/protocol"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenStoreWAL(t *testing.T) {
	s := testStore(t)

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestOpenStorePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "beacon.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}
}

func TestSaveAndLoadWorkers(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seen := time.UnixMilli(1_700_000_000_123)

	rec := protocol.StatusRecord{
		Name:         "arm",
		Group:        "lab",
		Active:       "Active",
		Status:       "Running",
		LogEndpoint:  "http://x/logs/arm",
		Create:       protocol.Float(0.5),
		Capabilities: []string{"grip"},
		StreamShape:  []int{480, 640, 3},
	}
	if err := s.SaveWorker(ctx, &rec, seen); err != nil {
		t.Fatal(err)
	}

	rec.Status = "Idle"
	if err := s.SaveWorker(ctx, &rec, seen.Add(time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("workers = %d, want 1 (upsert)", len(got))
	}
	w := got[0]
	if w.Record.Status != "Idle" || w.Record.Group != "lab" {
		t.Errorf("record = %+v", w.Record)
	}
	if w.Record.Create == nil || *w.Record.Create != 0.5 {
		t.Errorf("create timer lost: %v", w.Record.Create)
	}
	if len(w.Record.StreamShape) != 3 || w.Record.Capabilities[0] != "grip" {
		t.Errorf("lists lost: %+v", w.Record)
	}
	if !w.LastSeen.Equal(seen.Add(time.Second)) {
		t.Errorf("last_seen = %v, want %v", w.LastSeen, seen.Add(time.Second))
	}
}

func TestSaveWorkerIgnoresOlderRow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	seen := time.UnixMilli(1_700_000_000_000)

	if err := s.SaveWorker(ctx, &protocol.StatusRecord{Name: "arm", Status: "new"}, seen); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveWorker(ctx, &protocol.StatusRecord{Name: "arm", Status: "old"}, seen.Add(-time.Second)); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Record.Status != "new" || !got[0].LastSeen.Equal(seen) {
		t.Fatalf("workers = %+v", got)
	}
}

func TestLoadWorkersSkipsCorruptRows(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`INSERT INTO workers (name, record, last_seen) VALUES ('bad', x'c1', 0)`); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveWorker(ctx, &protocol.StatusRecord{Name: "good"}, time.Now()); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Record.Name != "good" {
		t.Errorf("workers = %+v, want only good", got)
	}
}

func TestStorePrune(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	s.SaveWorker(ctx, &protocol.StatusRecord{Name: "old"}, now.Add(-10*24*time.Hour))
	s.SaveWorker(ctx, &protocol.StatusRecord{Name: "new"}, now)

	n, err := s.Prune(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	got, _ := s.LoadWorkers(ctx)
	if len(got) != 1 || got[0].Record.Name != "new" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestStoreReopenKeepsWorkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.SaveWorker(context.Background(), &protocol.StatusRecord{Name: "arm"}, time.Now())
	s.Close()

	s, err = OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, err := s.LoadWorkers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("workers after reopen = %d, want 1", len(got))
	}
}
