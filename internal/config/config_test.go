package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestNewPathsDefaultPrefix(t *testing.T) {
	t.Setenv(EnvShmPrefix, "")
	p, err := NewPaths("/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Prefix != DefaultShmPrefix {
		t.Errorf("expected prefix %q, got %q", DefaultShmPrefix, p.Prefix)
	}
}

func TestNewPathsEnvOverride(t *testing.T) {
	t.Setenv(EnvShmPrefix, "test1")
	p, err := NewPaths("/repo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := filepath.Base(p.MainSegPath()); got != "test1_main" {
		t.Errorf("expected test1_main, got %q", got)
	}
}

func TestNewPathsRejectsSlash(t *testing.T) {
	t.Setenv(EnvShmPrefix, "a/b")
	if _, err := NewPaths("/repo"); err != ErrBadShmPrefix {
		t.Errorf("expected ErrBadShmPrefix, got %v", err)
	}
}

func TestSubSlotPath(t *testing.T) {
	t.Setenv(EnvShmPrefix, "")
	p, _ := NewPaths("/repo")

	got := filepath.Base(p.SubSlotPath("iface", "running", 0))
	if got != "yvsub_iface.running" {
		t.Errorf("unexpected slot name %q", got)
	}

	got = filepath.Base(p.SubSlotPath("iface", "oper", 0xdeadbeef))
	if !strings.HasSuffix(got, ".deadbeef") {
		t.Errorf("expected hex suffix, got %q", got)
	}
}

func TestEnsureDirs(t *testing.T) {
	t.Setenv(EnvShmPrefix, "")
	p, _ := NewPaths(t.TempDir())
	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	// Idempotent.
	if err := p.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs second call: %v", err)
	}
}

func TestParseDatastore(t *testing.T) {
	for _, ds := range []Datastore{Running, Startup, Candidate, Operational} {
		got, ok := ParseDatastore(ds.String())
		if !ok || got != ds {
			t.Errorf("round trip failed for %v", ds)
		}
	}
	if _, ok := ParseDatastore("bogus"); ok {
		t.Error("expected failure for unknown datastore")
	}
	if Operational.Conventional() {
		t.Error("operational must not be conventional")
	}
	if !Candidate.Conventional() {
		t.Error("candidate must be conventional")
	}
}
