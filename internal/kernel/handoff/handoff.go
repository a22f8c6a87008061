// Package handoff decodes the firmware-supplied boot handoff into an
// architecture-neutral BootInfo record. Decoding is a pure transformation:
// it sorts and aligns the memory map, coalesces touching ranges, and
// rejects maps it cannot repair.
package handoff

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// PageSize is the alignment unit for every memory-map entry.
const PageSize = 4096

// ErrMalformed is returned when a required handoff field is missing or the
// memory map overlaps in a way that cannot be coalesced.
var ErrMalformed = errors.New("boot handoff malformed")

// ============================================================================
// Entry types
// ============================================================================

// EntryType classifies a memory-map range.
type EntryType uint32

const (
	EntryUsable EntryType = iota
	EntryReserved
	EntryACPIReclaimable
	EntryACPINvs
	EntryBadMemory
	EntryBootloaderReclaimable
	EntryKernelAndModules
)

// String returns the map-dump spelling of the entry type.
func (t EntryType) String() string {
	switch t {
	case EntryUsable:
		return "usable"
	case EntryReserved:
		return "reserved"
	case EntryACPIReclaimable:
		return "acpi-reclaimable"
	case EntryACPINvs:
		return "acpi-nvs"
	case EntryBadMemory:
		return "bad-memory"
	case EntryBootloaderReclaimable:
		return "bootloader-reclaimable"
	case EntryKernelAndModules:
		return "kernel-and-modules"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}

// BootMethod identifies which firmware hand-off format produced the record.
type BootMethod uint8

const (
	MethodDirect BootMethod = iota
	MethodMultiboot2
	MethodUEFI
)

func (m BootMethod) String() string {
	switch m {
	case MethodMultiboot2:
		return "multiboot2"
	case MethodUEFI:
		return "uefi"
	default:
		return "direct"
	}
}

// ============================================================================
// Decoded record
// ============================================================================

// MemoryMapEntry is one page-aligned, non-overlapping range.
type MemoryMapEntry struct {
	Base   uint64    `json:"base"`
	Length uint64    `json:"length"`
	Type   EntryType `json:"type"`
}

// End returns the exclusive end address of the entry.
func (e MemoryMapEntry) End() uint64 { return e.Base + e.Length }

// Pages returns the page count covered by the entry.
func (e MemoryMapEntry) Pages() uint64 { return e.Length / PageSize }

// Framebuffer describes the firmware-provided linear framebuffer, if any.
type Framebuffer struct {
	Base   uint64 `json:"base"`
	Pitch  uint32 `json:"pitch"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
	BPP    uint8  `json:"bpp"`
}

// Module is one boot-loaded module. Requires optionally carries a semver
// constraint against the kernel version, checked during DriverInit.
type Module struct {
	Name     string `json:"name"`
	Base     uint64 `json:"base"`
	Length   uint64 `json:"length"`
	Requires string `json:"requires,omitempty"`
}

// BootInfo is the immutable, architecture-neutral boot record. It is
// produced exactly once by Decode.
type BootInfo struct {
	BootTime    time.Time
	Method      BootMethod
	MemoryMap   []MemoryMapEntry
	CommandLine string
	Modules     []Module
	Framebuffer *Framebuffer
}

// RawHandoff is the firmware record before normalization; the simulator
// loads it from JSON, a bare-metal port fills it from the native format.
type RawHandoff struct {
	Method      string           `json:"method"`
	MemoryMap   []MemoryMapEntry `json:"memory_map"`
	CommandLine string           `json:"command_line"`
	Modules     []Module         `json:"modules,omitempty"`
	Framebuffer *Framebuffer     `json:"framebuffer,omitempty"`
}

// ============================================================================
// Decoder
// ============================================================================

// Decode normalizes a raw handoff into a BootInfo. The resulting memory map
// is sorted ascending by base, aligned to PageSize and pairwise
// non-overlapping. Decode has no side effects.
func Decode(raw *RawHandoff) (*BootInfo, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: nil handoff record", ErrMalformed)
	}
	if len(raw.MemoryMap) == 0 {
		return nil, fmt.Errorf("%w: memory map is empty", ErrMalformed)
	}

	method, err := parseMethod(raw.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	entries, err := normalizeMap(raw.MemoryMap)
	if err != nil {
		return nil, err
	}

	info := &BootInfo{
		BootTime:    time.Now(),
		Method:      method,
		MemoryMap:   entries,
		CommandLine: raw.CommandLine,
		Modules:     append([]Module(nil), raw.Modules...),
	}
	if raw.Framebuffer != nil {
		if raw.Framebuffer.Width == 0 || raw.Framebuffer.Height == 0 || raw.Framebuffer.BPP == 0 {
			return nil, fmt.Errorf("%w: framebuffer descriptor missing geometry", ErrMalformed)
		}
		fb := *raw.Framebuffer
		info.Framebuffer = &fb
	}
	return info, nil
}

func parseMethod(s string) (BootMethod, error) {
	switch s {
	case "", "direct":
		return MethodDirect, nil
	case "multiboot2":
		return MethodMultiboot2, nil
	case "uefi":
		return MethodUEFI, nil
	default:
		return MethodDirect, fmt.Errorf("unknown boot method %q", s)
	}
}

// normalizeMap aligns, sorts and coalesces the raw map. Alignment rounds
// Usable ranges inward and every other type outward, so misalignment never
// grows the usable pool. Entries of the same type that touch are merged;
// strict overlaps between Usable entries (a firmware double-claim) and
// overlaps involving bad memory are unrecoverable. A Usable range that
// overlaps a reserved-family range is trimmed back to the reserved edge.
func normalizeMap(raw []MemoryMapEntry) ([]MemoryMapEntry, error) {
	entries := make([]MemoryMapEntry, 0, len(raw))
	for i, e := range raw {
		if e.Length == 0 {
			continue
		}
		if e.End() < e.Base {
			return nil, fmt.Errorf("%w: entry %d wraps the address space", ErrMalformed, i)
		}
		aligned, ok := alignEntry(e)
		if !ok {
			continue // usable sliver smaller than one page
		}
		entries = append(entries, aligned)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: memory map has no page-sized entries", ErrMalformed)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Base != entries[j].Base {
			return entries[i].Base < entries[j].Base
		}
		return entries[i].End() < entries[j].End()
	})

	out := make([]MemoryMapEntry, 0, len(entries))
	out = append(out, entries[0])
	for _, e := range entries[1:] {
		prev := &out[len(out)-1]
		switch {
		case e.Base > prev.End():
			// Disjoint.
			out = append(out, e)
		case e.Base == prev.End():
			if e.Type == prev.Type {
				prev.Length += e.Length
			} else {
				out = append(out, e)
			}
		default:
			merged, err := resolveOverlap(*prev, e)
			if err != nil {
				return nil, err
			}
			out = out[:len(out)-1]
			out = append(out, merged...)
		}
	}
	return append([]MemoryMapEntry(nil), out...), nil
}

// alignEntry snaps an entry to page boundaries. The boolean is false when
// an inward-rounded Usable entry vanishes.
func alignEntry(e MemoryMapEntry) (MemoryMapEntry, bool) {
	base, end := e.Base, e.End()
	if e.Type == EntryUsable {
		base = alignUp(base)
		end = alignDown(end)
		if end <= base {
			return MemoryMapEntry{}, false
		}
	} else {
		base = alignDown(base)
		end = alignUp(end)
	}
	return MemoryMapEntry{Base: base, Length: end - base, Type: e.Type}, true
}

// resolveOverlap handles a strict overlap between the already-emitted prev
// and the next entry e (e.Base < prev.End()).
func resolveOverlap(prev, e MemoryMapEntry) ([]MemoryMapEntry, error) {
	if prev.Type == EntryUsable && e.Type == EntryUsable {
		return nil, fmt.Errorf("%w: usable ranges [%#x,%#x) and [%#x,%#x) overlap",
			ErrMalformed, prev.Base, prev.End(), e.Base, e.End())
	}
	if prev.Type == EntryBadMemory || e.Type == EntryBadMemory {
		return nil, fmt.Errorf("%w: bad-memory range overlaps [%#x,%#x)",
			ErrMalformed, e.Base, e.End())
	}

	switch {
	case prev.Type == e.Type:
		// Same reserved-family type: take the union.
		end := maxU64(prev.End(), e.End())
		return []MemoryMapEntry{{Base: prev.Base, Length: end - prev.Base, Type: prev.Type}}, nil

	case prev.Type == EntryUsable:
		// Trim the usable head back to the reserved edge.
		out := make([]MemoryMapEntry, 0, 3)
		if e.Base > prev.Base {
			out = append(out, MemoryMapEntry{Base: prev.Base, Length: e.Base - prev.Base, Type: EntryUsable})
		}
		out = append(out, e)
		if prev.End() > e.End() {
			tail := MemoryMapEntry{Base: e.End(), Length: prev.End() - e.End(), Type: EntryUsable}
			out = append(out, tail)
		}
		return out, nil

	case e.Type == EntryUsable:
		// Reserved first: drop the covered part of the usable tail.
		if e.End() <= prev.End() {
			return []MemoryMapEntry{prev}, nil
		}
		tail := MemoryMapEntry{Base: prev.End(), Length: e.End() - prev.End(), Type: EntryUsable}
		return []MemoryMapEntry{prev, tail}, nil

	default:
		// Two different reserved-family types: keep both, split at the seam.
		if e.End() <= prev.End() {
			return []MemoryMapEntry{prev}, nil
		}
		tail := MemoryMapEntry{Base: prev.End(), Length: e.End() - prev.End(), Type: e.Type}
		return []MemoryMapEntry{prev, tail}, nil
	}
}

// LargestUsable returns the biggest Usable entry, false when none exists.
func (bi *BootInfo) LargestUsable() (MemoryMapEntry, bool) {
	var best MemoryMapEntry
	found := false
	for _, e := range bi.MemoryMap {
		if e.Type == EntryUsable && e.Length > best.Length {
			best = e
			found = true
		}
	}
	return best, found
}

// UsablePages returns the total page count across Usable entries.
func (bi *BootInfo) UsablePages() uint64 {
	var n uint64
	for _, e := range bi.MemoryMap {
		if e.Type == EntryUsable {
			n += e.Pages()
		}
	}
	return n
}

func alignUp(v uint64) uint64   { return (v + PageSize - 1) &^ uint64(PageSize-1) }
func alignDown(v uint64) uint64 { return v &^ uint64(PageSize-1) }

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
