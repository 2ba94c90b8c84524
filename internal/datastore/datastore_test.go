package datastore

import (
	"testing"
	"time"

	"yangvault/internal/config"
	"yangvault/internal/yang"
)

func testPaths(t *testing.T) config.Paths {
	t.Helper()
	t.Setenv(config.EnvShmPrefix, "")
	p, err := config.NewPaths(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return p
}

func sampleForest() []*yang.Node {
	return []*yang.Node{{
		Name: "cfg", Module: "m", Kind: yang.KindContainer,
		Children: []*yang.Node{{Name: "x", Module: "m", Kind: yang.KindLeaf, Value: "hi"}},
	}}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	paths := testPaths(t)
	forest := sampleForest()

	if err := Save(paths, "m", config.Running, forest); err != nil {
		t.Fatal(err)
	}
	got, err := Load(paths, "m", config.Running)
	if err != nil {
		t.Fatal(err)
	}
	if !yang.Equal(got, forest) {
		t.Error("round trip mismatch")
	}

	// Missing file is an empty tree.
	got, err = Load(paths, "other", config.Running)
	if err != nil || got != nil {
		t.Errorf("missing file: %v, %v", got, err)
	}

	if !Exists(paths, "m", config.Running) {
		t.Error("Exists false for a saved file")
	}
	if Exists(paths, "m", config.Candidate) {
		t.Error("Exists true for an absent candidate")
	}
	if err := Remove(paths, "m", config.Running); err != nil {
		t.Fatal(err)
	}
	if err := Remove(paths, "m", config.Running); err != nil {
		t.Errorf("double remove must be tolerated: %v", err)
	}
}

func TestOperDiffMergeAndPrune(t *testing.T) {
	paths := testPaths(t)

	diffA := []*yang.Node{{Name: "a", Module: "m", Kind: yang.KindLeaf, Value: "1", Op: yang.OpCreate}}
	diffB := []*yang.Node{{Name: "b", Module: "m", Kind: yang.KindLeaf, Value: "2", Op: yang.OpCreate}}

	if err := MergeOperDiff(paths, "m", diffA, 1); err != nil {
		t.Fatal(err)
	}
	if err := MergeOperDiff(paths, "m", diffB, 2); err != nil {
		t.Fatal(err)
	}

	stored, err := LoadOperDiff(paths, "m")
	if err != nil || len(stored) != 2 {
		t.Fatalf("stored: %+v, %v", stored, err)
	}
	cids := map[string]uint32{}
	for _, n := range stored {
		cids[n.Name] = n.CID
	}
	if cids["a"] != 1 || cids["b"] != 2 {
		t.Errorf("CID tags wrong: %v", cids)
	}

	// Pruning connection 1 leaves only connection 2's entry.
	if err := PruneOperDiffCID(paths, "m", 1); err != nil {
		t.Fatal(err)
	}
	stored, err = LoadOperDiff(paths, "m")
	if err != nil || len(stored) != 1 || stored[0].Name != "b" {
		t.Fatalf("after prune: %+v, %v", stored, err)
	}

	// Pruning the remaining connection removes the file entirely.
	if err := PruneOperDiffCID(paths, "m", 2); err != nil {
		t.Fatal(err)
	}
	stored, err = LoadOperDiff(paths, "m")
	if err != nil || stored != nil {
		t.Fatalf("expected empty diff, got %+v, %v", stored, err)
	}
}

func TestCacheCoherence(t *testing.T) {
	paths := testPaths(t)
	c := NewCache(paths, nil)
	defer c.Close()

	forest := sampleForest()
	if err := Save(paths, "m", config.Running, forest); err != nil {
		t.Fatal(err)
	}

	// Cold load populates.
	got, err := c.Load("m", 1)
	if err != nil || !yang.Equal(got, forest) {
		t.Fatalf("cold load: %v", err)
	}
	if _, ok := c.Get("m", 1); !ok {
		t.Fatal("entry not cached")
	}
	// A version bump invalidates.
	if _, ok := c.Get("m", 2); ok {
		t.Fatal("stale version served")
	}

	// Writer path: update at the new version.
	forest2 := sampleForest()
	forest2[0].Children[0].Value = "new"
	c.Update("m", 2, forest2)
	got, ok := c.Get("m", 2)
	if !ok || !yang.Equal(got, forest2) {
		t.Fatal("updated entry not served")
	}

	// Returned forest is a copy: mutating it must not poison the cache.
	got[0].Children[0].Value = "mutated"
	fresh, _ := c.Get("m", 2)
	if fresh[0].Children[0].Value != "new" {
		t.Error("cache entry aliased caller memory")
	}
}

func TestCacheWatcherInvalidates(t *testing.T) {
	paths := testPaths(t)
	c := NewCache(paths, nil)
	defer c.Close()

	if err := Save(paths, "m", config.Running, sampleForest()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Load("m", 1); err != nil {
		t.Fatal(err)
	}

	// Replace the file out of band; the watcher drops the entry and
	// broadcasts the change.
	gen := c.Changed()
	if err := Save(paths, "m", config.Running, nil); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Get("m", 1); !ok {
			break
		}
		select {
		case <-gen:
			gen = c.Changed()
		case <-time.After(time.Until(deadline)):
			t.Fatal("watcher did not invalidate the entry")
		}
	}
}

func TestCacheChangeSignal(t *testing.T) {
	paths := testPaths(t)
	c := NewCache(paths, nil)
	defer c.Close()

	// No change: the wait times out.
	if c.WaitChanged(time.Now().Add(30 * time.Millisecond)) {
		t.Error("WaitChanged reported a change that never happened")
	}

	// An update broadcasts to waiters.
	done := make(chan bool, 1)
	go func() { done <- c.WaitChanged(time.Now().Add(5 * time.Second)) }()
	time.Sleep(10 * time.Millisecond)
	c.Update("m", 1, sampleForest())
	if !<-done {
		t.Error("WaitChanged missed the update broadcast")
	}

	// An invalidation broadcasts too.
	go func() { done <- c.WaitChanged(time.Now().Add(5 * time.Second)) }()
	time.Sleep(10 * time.Millisecond)
	c.Invalidate("m")
	if !<-done {
		t.Error("WaitChanged missed the invalidation broadcast")
	}
}
