package shm

import (
	"path/filepath"
	"testing"

	"yangvault/internal/format"
)

func openTestExt(t *testing.T) *Ext {
	t.Helper()
	e, err := OpenExt(filepath.Join(t.TempDir(), "test_ext"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestAlign8(t *testing.T) {
	tests := []struct{ in, want uint64 }{
		{0, 0}, {1, 8}, {7, 8}, {8, 8}, {9, 16}, {24, 24},
	}
	for _, tt := range tests {
		if got := Align8(tt.in); got != tt.want {
			t.Errorf("Align8(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestOpenValidatesHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg")
	s, err := Open(path, format.TypeMainSeg, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	// Reopen with the right type succeeds.
	s, err = Open(path, format.TypeMainSeg, 0, 64)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s.Close()

	// Reopen with the wrong type fails.
	if _, err := Open(path, format.TypeExtSeg, 0, 64); err == nil {
		t.Error("expected type mismatch on reopen")
	}
}

func TestCopyStringRoundTrip(t *testing.T) {
	e := openTestExt(t)
	off, err := e.CopyString("hello-module")
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.StringAt(off)
	if err != nil || got != "hello-module" {
		t.Errorf("got %q, %v", got, err)
	}
	// Empty string is offset 0.
	off, err = e.CopyString("")
	if err != nil || off != 0 {
		t.Errorf("empty string: off=%d err=%v", off, err)
	}
	if got, _ := e.StringAt(0); got != "" {
		t.Errorf("offset 0 should be empty, got %q", got)
	}
}

func TestAllocGrowsSegmentOnce(t *testing.T) {
	e := openTestExt(t)
	initial := e.Size()

	// Small allocations within the initial page must not grow.
	if _, err := e.Alloc(64); err != nil {
		t.Fatal(err)
	}
	if e.Size() != initial {
		t.Errorf("unexpected growth from %d to %d", initial, e.Size())
	}

	// One oversized allocation grows exactly once, page-aligned.
	if _, err := e.Alloc(initial); err != nil {
		t.Fatal(err)
	}
	if e.Size() <= initial || e.Size()%4096 != 0 {
		t.Errorf("bad growth: %d", e.Size())
	}
}

func TestAllocAddInPlace(t *testing.T) {
	e := openTestExt(t)
	const itemSize = 4

	var arrayOff uint64
	// First add allocates.
	if _, err := e.AllocAdd(&arrayOff, 0, itemSize, 0, 0); err != nil {
		t.Fatal(err)
	}
	firstOff := arrayOff
	wastedBefore := e.Wasted()

	// Second 4-byte item fits the 8-byte aligned slot: in place, no waste.
	if _, err := e.AllocAdd(&arrayOff, 1, itemSize, 1, 0); err != nil {
		t.Fatal(err)
	}
	if arrayOff != firstOff {
		t.Error("expected in-place insert to keep the array offset")
	}
	if e.Wasted() != wastedBefore {
		t.Errorf("in-place insert must not credit wasted, got %d", e.Wasted())
	}

	// Third item exceeds the slot: relocation credits the old slot.
	if _, err := e.AllocAdd(&arrayOff, 2, itemSize, 2, 0); err != nil {
		t.Fatal(err)
	}
	if arrayOff == firstOff {
		t.Error("expected relocation")
	}
	if e.Wasted() != wastedBefore+8 {
		t.Errorf("expected 8 wasted bytes, got %d", e.Wasted())
	}
}

func TestAllocAddPreservesItems(t *testing.T) {
	e := openTestExt(t)
	const itemSize = 8

	var arrayOff uint64
	for i := uint32(0); i < 4; i++ {
		off, err := e.AllocAdd(&arrayOff, i, itemSize, i, 0)
		if err != nil {
			t.Fatal(err)
		}
		e.PutUint64(off, uint64(100+i))
	}
	// Insert in the middle.
	off, err := e.AllocAdd(&arrayOff, 4, itemSize, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	e.PutUint64(off, 999)

	want := []uint64{100, 101, 999, 102, 103}
	for i, w := range want {
		if got := e.Uint64(arrayOff + uint64(i)*itemSize); got != w {
			t.Errorf("item %d: got %d, want %d", i, got, w)
		}
	}
}

func TestAllocDel(t *testing.T) {
	e := openTestExt(t)
	const itemSize = 8

	var arrayOff uint64
	for i := uint32(0); i < 3; i++ {
		off, err := e.AllocAdd(&arrayOff, i, itemSize, i, 0)
		if err != nil {
			t.Fatal(err)
		}
		e.PutUint64(off, uint64(i))
	}

	e.AllocDel(&arrayOff, 3, itemSize, 1, 0)
	if e.Uint64(arrayOff) != 0 || e.Uint64(arrayOff+itemSize) != 2 {
		t.Error("delete did not compact the tail")
	}

	e.AllocDel(&arrayOff, 2, itemSize, 0, 0)
	e.AllocDel(&arrayOff, 1, itemSize, 0, 0)
	if arrayOff != 0 {
		t.Errorf("empty array must zero its offset, got %d", arrayOff)
	}
}

func TestWastedAccountingInvariant(t *testing.T) {
	// used - header == live bytes + wasted, across adds and deletes.
	e := openTestExt(t)
	const itemSize = 24

	var arrayOff uint64
	var count uint32
	for i := 0; i < 50; i++ {
		if _, err := e.AllocAdd(&arrayOff, count, itemSize, count, 0); err != nil {
			t.Fatal(err)
		}
		count++
	}
	for count > 10 {
		e.AllocDel(&arrayOff, count, itemSize, 0, 0)
		count--
	}

	live := Align8(uint64(count) * itemSize)
	total := e.Used() - ExtHdrSize

	// Everything ever allocated is either the live tail of the current
	// array or credited to wasted.
	if total-e.Wasted() < live {
		t.Errorf("accounting hole: used=%d wasted=%d live=%d", total, e.Wasted(), live)
	}
	if e.Wasted() == 0 {
		t.Error("expected nonzero wasted after deletions")
	}
}

func TestRemapKeepsContents(t *testing.T) {
	e := openTestExt(t)
	off, err := e.CopyString("survives-remap")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Remap(e.Size() * 4); err != nil {
		t.Fatal(err)
	}
	if got, _ := e.StringAt(off); got != "survives-remap" {
		t.Errorf("content lost across remap: %q", got)
	}
}

func TestWord32Alignment(t *testing.T) {
	e := openTestExt(t)
	if _, err := e.Word32(ExtHdrSize); err != nil {
		t.Errorf("aligned word failed: %v", err)
	}
	if _, err := e.Word32(e.Size() + 4); err == nil {
		t.Error("expected out-of-range error")
	}
}
