// Package earlymem tracks physical page accounting during bootstrap and
// hands out early-heap memory from a bump allocator. It is the only
// memory source until the full page allocator comes up; nothing here
// ever frees.
package earlymem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/multios-project/multios/internal/kernel/handoff"
)

// PageSize mirrors the handoff alignment unit.
const PageSize = handoff.PageSize

var (
	// ErrOutOfEarlyMemory is returned when the early heap window or the
	// usable page pool is exhausted.
	ErrOutOfEarlyMemory = errors.New("out of early memory")

	// ErrBadAlignment is returned for a non-power-of-two alignment.
	ErrBadAlignment = errors.New("alignment is not a power of two")
)

// ============================================================================
// Page accounting
// ============================================================================

// Stats is a consistent snapshot of the page ledger. UsedPages,
// AvailablePages and ReservedPages always sum to TotalPages.
type Stats struct {
	TotalPages     uint64
	UsedPages      uint64
	AvailablePages uint64
	ReservedPages  uint64
}

// Accounting is the boot-time page ledger over the usable RAM pool.
// Reserved pages are carve-outs (kernel image, early heap window) that
// are subtracted from the pool but not handed to allocations.
type Accounting struct {
	mutex    sync.RWMutex
	total    uint64
	used     uint64
	reserved uint64
}

// NewAccounting builds the ledger from a decoded boot record. Every
// usable page starts available.
func NewAccounting(info *handoff.BootInfo) *Accounting {
	return &Accounting{total: info.UsablePages()}
}

// Reserve carves pages out of the available pool.
func (a *Accounting) Reserve(pages uint64, reason string) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if pages > a.available() {
		return fmt.Errorf("%w: reserve %d pages for %s, %d available",
			ErrOutOfEarlyMemory, pages, reason, a.available())
	}
	a.reserved += pages
	return nil
}

// Reclaim returns previously reserved pages to the available pool, used
// when bootloader-reclaimable ranges are released at the end of bootstrap.
func (a *Accounting) Reclaim(pages uint64) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if pages > a.reserved {
		return fmt.Errorf("reclaim %d pages, only %d reserved", pages, a.reserved)
	}
	a.reserved -= pages
	return nil
}

// Allocate moves pages from available to used.
func (a *Accounting) Allocate(pages uint64) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if pages > a.available() {
		return fmt.Errorf("%w: allocate %d pages, %d available",
			ErrOutOfEarlyMemory, pages, a.available())
	}
	a.used += pages
	return nil
}

// available must be called with the mutex held.
func (a *Accounting) available() uint64 {
	return a.total - a.used - a.reserved
}

// Stats returns a snapshot of the ledger.
func (a *Accounting) Stats() Stats {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return Stats{
		TotalPages:     a.total,
		UsedPages:      a.used,
		AvailablePages: a.available(),
		ReservedPages:  a.reserved,
	}
}

// ============================================================================
// Bump allocator
// ============================================================================

// HeapStats describes the early heap's consumption.
type HeapStats struct {
	Base        uint64
	Size        uint64
	Allocations uint64
	BytesUsed   uint64
}

// BumpAllocator hands out addresses from a fixed window by advancing a
// cursor. Allocations are never freed; the window is returned to the page
// allocator wholesale when bootstrap completes.
type BumpAllocator struct {
	mutex  sync.Mutex
	base   uint64
	next   uint64
	end    uint64
	allocs uint64
	acct   *Accounting
}

// NewBumpAllocator places the early heap over a usable window and charges
// the ledger as pages are consumed. The window must be page aligned.
func NewBumpAllocator(entry handoff.MemoryMapEntry, acct *Accounting) (*BumpAllocator, error) {
	if entry.Type != handoff.EntryUsable {
		return nil, fmt.Errorf("early heap window [%#x,%#x) is %s, not usable",
			entry.Base, entry.End(), entry.Type)
	}
	if entry.Base%PageSize != 0 || entry.Length%PageSize != 0 || entry.Length == 0 {
		return nil, fmt.Errorf("early heap window [%#x,%#x) is not page aligned",
			entry.Base, entry.End())
	}
	return &BumpAllocator{
		base: entry.Base,
		next: entry.Base,
		end:  entry.End(),
		acct: acct,
	}, nil
}

// Alloc returns the address of a fresh block of size bytes at the given
// alignment. An alignment of zero means natural word alignment.
func (b *BumpAllocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("zero-size allocation")
	}
	if align == 0 {
		align = 8
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: %d", ErrBadAlignment, align)
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	addr := (b.next + align - 1) &^ (align - 1)
	if addr < b.next || addr+size < addr || addr+size > b.end {
		return 0, fmt.Errorf("%w: %d bytes at align %d, %d left in window",
			ErrOutOfEarlyMemory, size, align, b.end-b.next)
	}

	if b.acct != nil {
		grown := pagesCovering(b.base, addr+size) - pagesCovering(b.base, b.next)
		if grown > 0 {
			if err := b.acct.Allocate(grown); err != nil {
				return 0, err
			}
		}
	}

	b.next = addr + size
	b.allocs++
	return addr, nil
}

// Stats returns the heap's consumption counters.
func (b *BumpAllocator) Stats() HeapStats {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return HeapStats{
		Base:        b.base,
		Size:        b.end - b.base,
		Allocations: b.allocs,
		BytesUsed:   b.next - b.base,
	}
}

// Remaining returns the unconsumed byte count in the window.
func (b *BumpAllocator) Remaining() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.end - b.next
}

// pagesCovering counts the whole pages the cursor has entered since base.
func pagesCovering(base, cursor uint64) uint64 {
	return (cursor - base + PageSize - 1) / PageSize
}
