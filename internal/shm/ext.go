package shm

import (
	"yangvault/internal/format"
)

// Ext segment layout:
//
//	0   format header (4 bytes) + 4 bytes pad
//	8   wasted (uint64) — bytes credited to freed/relocated slots
//	16  used   (uint64) — moving append end, from segment start
//	24  heap of 8-byte-aligned blobs addressed by offset
const (
	extHdrFormatOff = 0
	extWastedOff    = 8
	extUsedOff      = 16
	ExtHdrSize      = 24
)

// DefragThresholdDen: defragmentation triggers when wasted exceeds a
// quarter of the segment size at remap-write unlock.
const DefragThresholdDen = 4

// Ext wraps a segment with the ext allocator.
type Ext struct {
	*Seg
}

// OpenExt opens/creates the ext segment.
func OpenExt(path string) (*Ext, error) {
	seg, err := Open(path, format.TypeExtSeg, extHdrFormatOff, ExtHdrSize)
	if err != nil {
		return nil, err
	}
	e := &Ext{Seg: seg}
	if e.Used() == 0 {
		e.SetUsed(ExtHdrSize)
	}
	return e, nil
}

func (e *Ext) Wasted() uint64     { return e.Uint64(extWastedOff) }
func (e *Ext) SetWasted(v uint64) { e.PutUint64(extWastedOff, v) }
func (e *Ext) AddWasted(n uint64) { e.SetWasted(e.Wasted() + n) }
func (e *Ext) Used() uint64       { return e.Uint64(extUsedOff) }
func (e *Ext) SetUsed(v uint64)   { e.PutUint64(extUsedOff, v) }

// NeedsDefrag reports whether the wasted share crossed the threshold.
func (e *Ext) NeedsDefrag() bool {
	return e.Wasted() > e.Size()/DefragThresholdDen
}

// Alloc reserves n bytes (aligned up to 8) at the moving end, growing the
// file when needed, and returns the offset of the zeroed slot. Must be
// called under the remap-write lock: growth invalidates raw addresses.
func (e *Ext) Alloc(n uint64) (uint64, error) {
	n = Align8(n)
	off := Align8(e.Used())
	if off+n > e.Size() {
		if err := e.Remap(off + n); err != nil {
			return 0, err
		}
	}
	e.SetUsed(off + n)
	clear(e.data[off : off+n])
	return off, nil
}

// CopyBytes appends a blob and returns its offset.
func (e *Ext) CopyBytes(b []byte) (uint64, error) {
	off, err := e.Alloc(uint64(len(b)))
	if err != nil {
		return 0, err
	}
	copy(e.data[off:], b)
	return off, nil
}

// CopyString appends a NUL-terminated string and returns its offset.
// The empty string is stored as offset 0.
func (e *Ext) CopyString(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	off, err := e.Alloc(uint64(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	copy(e.data[off:], s)
	e.data[off+uint64(len(s))] = 0
	return off, nil
}

// StringAt resolves a CopyString offset; offset 0 is the empty string.
func (e *Ext) StringAt(off uint64) (string, error) {
	if off == 0 {
		return "", nil
	}
	return e.ReadString(off)
}

// AllocAdd grows an item array by one element at insertIdx.
//
// If the aligned size of count+1 items still fits the aligned size of the
// existing slot, the insert happens in place by shifting the tail right.
// Otherwise a fresh array (with extraDyn additional bytes available after
// it) is appended at the end, surviving items are copied around the gap,
// the old slot is credited to wasted, and *arrayOff is updated.
//
// Returns the offset of the (zeroed) new item.
func (e *Ext) AllocAdd(arrayOff *uint64, count uint32, itemSize uint64, insertIdx uint32, extraDyn uint64) (uint64, error) {
	oldOff := *arrayOff
	oldSize := Align8(uint64(count) * itemSize)
	newSize := Align8(uint64(count+1) * itemSize)

	if oldOff != 0 && newSize <= oldSize {
		// In-place: shift tail right by one item.
		base := oldOff
		start := base + uint64(insertIdx)*itemSize
		end := base + uint64(count)*itemSize
		copy(e.data[start+itemSize:end+itemSize], e.data[start:end])
		clear(e.data[start : start+itemSize])
		return start, nil
	}

	newOff, err := e.Alloc(newSize + extraDyn)
	if err != nil {
		return 0, err
	}
	// Alloc may shrink extraDyn's slack into the same reservation; the
	// caller performs its dynamic copies right after and before any
	// other alloc.
	if extraDyn > 0 {
		e.SetUsed(Align8(newOff + newSize))
	}
	if oldOff != 0 {
		copy(e.data[newOff:newOff+uint64(insertIdx)*itemSize],
			e.data[oldOff:oldOff+uint64(insertIdx)*itemSize])
		copy(e.data[newOff+uint64(insertIdx+1)*itemSize:newOff+uint64(count+1)*itemSize],
			e.data[oldOff+uint64(insertIdx)*itemSize:oldOff+uint64(count)*itemSize])
		e.AddWasted(oldSize)
	}
	*arrayOff = newOff
	return newOff + uint64(insertIdx)*itemSize, nil
}

// AllocDel removes the item at delIdx from an array by shifting the tail
// left. dynFreed is the total size of dynamic blobs only the removed item
// referenced; it is credited to wasted together with the item slot. An
// array emptied by the removal has its offset zeroed and its whole slot
// credited.
func (e *Ext) AllocDel(arrayOff *uint64, count uint32, itemSize uint64, delIdx uint32, dynFreed uint64) {
	base := *arrayOff
	if count == 1 {
		e.AddWasted(Align8(itemSize) + dynFreed)
		*arrayOff = 0
		return
	}
	start := base + uint64(delIdx)*itemSize
	end := base + uint64(count)*itemSize
	copy(e.data[start:], e.data[start+itemSize:end])
	clear(e.data[end-itemSize : end])
	// The aligned slot may or may not shrink; credit the raw item plus
	// whatever alignment slack the smaller array no longer needs.
	e.AddWasted(Align8(uint64(count)*itemSize) - Align8(uint64(count-1)*itemSize) + dynFreed)
}
