package vector

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestAddAndSearch(t *testing.T) {
	ix := NewIndex(3, zap.NewNop())
	must(t, ix.Add("a", "t1", []float32{1, 0, 0}))
	must(t, ix.Add("b", "t1", []float32{0, 1, 0}))
	must(t, ix.Add("c", "t1", []float32{0.9, 0.1, 0}))

	hits := ix.Search("t1", []float32{1, 0, 0}, 2)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].MemoryID != "a" || hits[1].MemoryID != "c" {
		t.Errorf("order wrong: %s, %s", hits[0].MemoryID, hits[1].MemoryID)
	}
}

func TestSearchTenantIsolation(t *testing.T) {
	ix := NewIndex(2, zap.NewNop())
	must(t, ix.Add("a", "tenant-a", []float32{1, 0}))
	must(t, ix.Add("b", "tenant-b", []float32{1, 0}))

	hits := ix.Search("tenant-a", []float32{1, 0}, 10)
	if len(hits) != 1 || hits[0].MemoryID != "a" {
		t.Fatalf("tenant filter leaked: %+v", hits)
	}

	// Empty account searches everything.
	if got := len(ix.Search("", []float32{1, 0}, 10)); got != 2 {
		t.Errorf("unfiltered search returned %d, want 2", got)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	ix := NewIndex(3, zap.NewNop())
	if err := ix.Add("a", "t", []float32{1, 0}); err == nil {
		t.Error("expected dimension error")
	}
}

func TestRemove(t *testing.T) {
	ix := NewIndex(2, zap.NewNop())
	must(t, ix.Add("a", "t", []float32{1, 0}))
	ix.Remove("a")
	ix.Remove("a") // idempotent
	if ix.Len() != 0 {
		t.Errorf("len = %d, want 0", ix.Len())
	}
}

func TestSideFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.vec")

	ix := NewIndex(4, zap.NewNop())
	must(t, ix.Add("m-1", "acct-1", []float32{0.5, 0.5, 0.5, 0.5}))
	must(t, ix.Add("m-2", "acct-2", []float32{1, 0, 0, 0}))
	if err := ix.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewIndex(4, zap.NewNop())
	n, err := loaded.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 2 {
		t.Fatalf("loaded %d entries, want 2", n)
	}

	// Float16 round-trip must stay within rtol 1e-3.
	orig := ix.entries["m-1"].vec
	got := loaded.entries["m-1"].vec
	for i := range orig {
		rel := math.Abs(float64(got[i]-orig[i])) / math.Max(math.Abs(float64(orig[i])), 1e-9)
		if rel > 1e-3 {
			t.Errorf("component %d drifted: %f vs %f (rel %g)", i, got[i], orig[i], rel)
		}
	}
	if loaded.entries["m-2"].accountKey != "acct-2" {
		t.Error("account key not round-tripped")
	}
}

func TestLoadMissingFile(t *testing.T) {
	ix := NewIndex(4, zap.NewNop())
	n, err := ix.Load(filepath.Join(t.TempDir(), "missing.vec"))
	if err != nil || n != 0 {
		t.Fatalf("missing file should be a clean no-op: n=%d err=%v", n, err)
	}
}

func TestLoadCorruptFileResetsIndex(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.vec")
	if err := os.WriteFile(path, []byte("not a side-file"), 0644); err != nil {
		t.Fatal(err)
	}

	ix := NewIndex(4, zap.NewNop())
	must(t, ix.Add("stale", "t", []float32{1, 0, 0, 0}))
	n, err := ix.Load(path)
	if err != nil {
		t.Fatalf("corrupt file should not error: %v", err)
	}
	if n != 0 || ix.Len() != 0 {
		t.Errorf("corrupt load should reset: n=%d len=%d", n, ix.Len())
	}
}

func TestLoadDimensionMismatchDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.vec")

	ix8 := NewIndex(8, zap.NewNop())
	must(t, ix8.Add("a", "t", make([]float32, 8)))
	if err := ix8.Save(path); err != nil {
		t.Fatal(err)
	}

	ix4 := NewIndex(4, zap.NewNop())
	n, err := ix4.Load(path)
	if err != nil || n != 0 {
		t.Errorf("dimension mismatch should be discarded cleanly: n=%d err=%v", n, err)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
