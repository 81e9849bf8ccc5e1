// Package ram simulates the kernel's physical memory: a flat byte array standing in for the
// machine's RAM, and a page-aligned bump allocator over a linker-defined window within it.
//
// This is an external collaborator per the kernel's design: the allocator is deliberately
// as simple as possible (it never frees), mirroring a first kernel's arena-over-a-fixed-window
// approach rather than a general-purpose allocator.
package ram

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/log"
)

// ErrOutOfMemory is wrapped in the value the bump allocator panics with when its cursor would
// cross the end of its window.
var ErrOutOfMemory = errors.New("ram: out of memory")

// RAM is the machine's simulated physical memory. Physical addresses are decoded modulo its
// size, so a 16 MiB RAM serves 0x80000000-0x80ffffff at offsets 0-0xffffff.
type RAM struct {
	cells []byte
	log   *log.Logger
}

// New creates simulated physical memory of the given size in bytes.
func New(size uint32) *RAM {
	return &RAM{
		cells: make([]byte, size),
		log:   log.DefaultLogger(),
	}
}

// Size returns the size of the backing array in bytes.
func (r *RAM) Size() uint32 { return uint32(len(r.cells)) }

func (r *RAM) index(pa addr.Phys) uint32 { return uint32(pa) % uint32(len(r.cells)) }

// ReadWord reads a little-endian 32-bit word at the given physical address.
func (r *RAM) ReadWord(pa addr.Phys) uint32 {
	i := r.index(pa)
	return uint32(r.cells[i]) | uint32(r.cells[i+1])<<8 | uint32(r.cells[i+2])<<16 | uint32(r.cells[i+3])<<24
}

// WriteWord writes a little-endian 32-bit word at the given physical address.
func (r *RAM) WriteWord(pa addr.Phys, w uint32) {
	i := r.index(pa)
	r.cells[i] = byte(w)
	r.cells[i+1] = byte(w >> 8)
	r.cells[i+2] = byte(w >> 16)
	r.cells[i+3] = byte(w >> 24)
}

// Bytes returns a slice view of physical memory in [start, start+n). The caller must not retain
// the slice past a call that might resize the backing RAM (RAM never resizes after New, so in
// practice this is safe for the lifetime of the kernel).
func (r *RAM) Bytes(start addr.Phys, n uint32) []byte {
	i := r.index(start)
	return r.cells[i : i+n]
}

// Zero clears the entire backing array, standing in for zeroing .bss at boot.
func (r *RAM) Zero() {
	for i := range r.cells {
		r.cells[i] = 0
	}
}

// Allocator is a page-aligned bump allocator over a fixed window of physical memory. It never
// reclaims pages.
type Allocator struct {
	mut   sync.Mutex
	ram   *RAM
	start addr.Phys
	end   addr.Phys
	next  addr.Phys
	log   *log.Logger
}

// NewAllocator creates an allocator over the physical window [start, end) of ram. The window
// must be page-aligned.
func NewAllocator(ram *RAM, start, end addr.Phys) *Allocator {
	if !start.PageAligned() || !end.PageAligned() {
		panic("ram: allocator window must be page-aligned")
	}

	return &Allocator{
		ram:   ram,
		start: start,
		end:   end,
		next:  start,
		log:   log.DefaultLogger(),
	}
}

// AllocPage returns the physical address of a freshly zeroed page. It panics, wrapping
// ErrOutOfMemory, when the window is exhausted -- this is a fatal kernel condition, not a
// recoverable error, per the allocator's contract.
func (a *Allocator) AllocPage() addr.Phys {
	a.mut.Lock()
	defer a.mut.Unlock()

	if a.next+addr.Phys(addr.PageSize) > a.end {
		err := fmt.Errorf("%w: window [%s, %s) exhausted", ErrOutOfMemory, a.start, a.end)
		a.log.Error("allocator exhausted", "err", err)
		panic(err)
	}

	pa := a.next
	a.next = a.next.Add(addr.PageSize)

	for i := uint32(0); i < addr.PageSize; i += 4 {
		a.ram.WriteWord(pa.Add(i), 0)
	}

	a.log.Debug("allocated page", "addr", pa)

	return pa
}

// AllocPages allocates n contiguous pages and returns the address of the first one. Pages
// allocated this way are always contiguous because the allocator never reclaims, so a bump
// of n*PageSize always succeeds as a unit or fails as a unit.
func (a *Allocator) AllocPages(n uint32) addr.Phys {
	a.mut.Lock()
	if a.next+addr.Phys(n*addr.PageSize) > a.end {
		a.mut.Unlock()

		err := fmt.Errorf("%w: window [%s, %s) exhausted", ErrOutOfMemory, a.start, a.end)
		a.log.Error("allocator exhausted", "err", err)
		panic(err)
	}

	pa := a.next
	a.next = a.next.Add(n * addr.PageSize)
	a.mut.Unlock()

	for i := uint32(0); i < n*addr.PageSize; i += 4 {
		a.ram.WriteWord(pa.Add(i), 0)
	}

	return pa
}
