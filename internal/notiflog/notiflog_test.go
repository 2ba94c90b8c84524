package notiflog

import (
	"os"
	"path/filepath"
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

func notif(value string) []*yang.Node {
	return []*yang.Node{{Name: "event", Module: "n", Kind: yang.KindContainer,
		Children: []*yang.Node{{Name: "detail", Module: "n", Kind: yang.KindLeaf, Value: value}}}}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{TS: time.Unix(1000, 0), Tree: notif("hello")}
	buf, err := EncodeRecord(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, n, err := DecodeRecord(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Errorf("consumed %d of %d bytes", n, len(buf))
	}
	if !got.TS.Equal(rec.TS) || !yang.Equal(got.Tree, rec.Tree) {
		t.Error("round trip mismatch")
	}
}

func TestRecordCorruption(t *testing.T) {
	buf, _ := EncodeRecord(Record{TS: time.Unix(1, 0), Tree: notif("x")})

	t.Run("short buffer", func(t *testing.T) {
		if _, _, err := DecodeRecord(buf[:8]); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("bad trailing size", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[len(bad)-1] ^= 0xff
		if _, _, err := DecodeRecord(bad); err != ErrSizeMismatch {
			t.Errorf("expected ErrSizeMismatch, got %v", err)
		}
	})
}

func TestAppendAndReplay(t *testing.T) {
	paths := testPaths(t)
	l := New(paths, AlgoZstd, nil)

	base := time.Now().Add(-time.Minute).Truncate(time.Second)
	for i := 0; i < 5; i++ {
		rec := Record{TS: base.Add(time.Duration(i) * time.Second), Tree: notif(string(rune('a' + i)))}
		if err := l.Append("n", rec); err != nil {
			t.Fatal(err)
		}
	}

	// Full replay.
	recs, err := l.Replay("n", base, time.Time{})
	if err != nil || len(recs) != 5 {
		t.Fatalf("replay: %d records, %v", len(recs), err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].TS.Before(recs[i-1].TS) {
			t.Error("replay out of order")
		}
	}

	// Start-time filter.
	recs, err = l.Replay("n", base.Add(3*time.Second), time.Time{})
	if err != nil || len(recs) != 2 {
		t.Fatalf("filtered replay: %d records, %v", len(recs), err)
	}

	// Stop-time filter.
	recs, err = l.Replay("n", base, base.Add(1*time.Second))
	if err != nil || len(recs) != 2 {
		t.Fatalf("stop-filtered replay: %d records, %v", len(recs), err)
	}
}

func TestRollAndCompressedReplay(t *testing.T) {
	for _, algo := range []Algo{AlgoZstd, AlgoBrotli} {
		t.Run(string(algo), func(t *testing.T) {
			paths := testPaths(t)
			l := New(paths, algo, nil)
			l.maxSize = 256 // tiny: force rolls

			base := time.Now().Add(-time.Hour).Truncate(time.Second)
			const n = 24
			for i := 0; i < n; i++ {
				rec := Record{TS: base.Add(time.Duration(i) * time.Second), Tree: notif("payload")}
				if err := l.Append("n", rec); err != nil {
					t.Fatal(err)
				}
			}

			// At least one rolled, compressed file exists.
			rolled, err := l.rolledFiles("n")
			if err != nil || len(rolled) == 0 {
				t.Fatalf("no rolled files: %v", err)
			}
			compressed := false
			for _, rf := range rolled {
				if filepath.Ext(rf.path) == ".zst" || filepath.Ext(rf.path) == ".br" {
					compressed = true
				}
			}
			if !compressed {
				t.Error("rolled files not compressed")
			}

			// Replay crosses the roll boundary without loss.
			recs, err := l.Replay("n", base, time.Time{})
			if err != nil || len(recs) != n {
				t.Fatalf("replay after rolls: %d of %d, %v", len(recs), n, err)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	paths := testPaths(t)
	l := New(paths, AlgoZstd, nil)
	l.maxSize = 128

	old := time.Now().Add(-30 * 24 * time.Hour).Truncate(time.Second)
	for i := 0; i < 8; i++ {
		if err := l.Append("n", Record{TS: old.Add(time.Duration(i) * time.Second), Tree: notif("old")}); err != nil {
			t.Fatal(err)
		}
	}
	// Force the remainder out of the active file.
	l.mu.Lock()
	err := l.rollLocked("n")
	l.mu.Unlock()
	if err != nil {
		t.Fatal(err)
	}

	if err := l.Prune("n", time.Now()); err != nil {
		t.Fatal(err)
	}
	rolled, _ := l.rolledFiles("n")
	if len(rolled) != 0 {
		t.Errorf("expected all rolled logs pruned, %d remain", len(rolled))
	}
}

func TestRemoveAll(t *testing.T) {
	paths := testPaths(t)
	l := New(paths, AlgoZstd, nil)
	if err := l.Append("n", Record{TS: time.Now(), Tree: notif("x")}); err != nil {
		t.Fatal(err)
	}
	if err := l.RemoveAll("n"); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(paths.NotifDir())
	if len(entries) != 0 {
		t.Errorf("log files remain: %v", entries)
	}
}
