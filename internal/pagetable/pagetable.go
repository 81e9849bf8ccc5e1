// Package pagetable implements the sv32 two-level page table: the table layout, the walk used
// by map_page, and the satp encoding that names a root table to the hart.
package pagetable

import (
	"errors"
	"fmt"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/ram"
)

// PTE is a single 32-bit sv32 page table entry.
type PTE uint32

// Flag bits of a page table entry.
const (
	FlagV PTE = 1 << 0 // Valid
	FlagR PTE = 1 << 1 // Readable
	FlagW PTE = 1 << 2 // Writable
	FlagX PTE = 1 << 3 // Executable
	FlagU PTE = 1 << 4 // User-accessible
	FlagG PTE = 1 << 5 // Global
	FlagA PTE = 1 << 6 // Accessed
	FlagD PTE = 1 << 7 // Dirty
)

// Valid reports whether the V bit is set.
func (p PTE) Valid() bool { return p&FlagV != 0 }

// Leaf reports whether the entry has at least one of R/W/X set, i.e. it is not a pointer to
// the next level of the table.
func (p PTE) Leaf() bool { return p&(FlagR|FlagW|FlagX) != 0 }

// PPN returns the physical page number encoded in the entry.
func (p PTE) PPN() uint32 { return uint32(p) >> 10 }

// Addr returns the physical address named by the entry's PPN.
func (p PTE) Addr() addr.Phys { return addr.Phys(p.PPN() << addr.PageShift) }

func newPTE(pa addr.Phys, flags PTE) PTE {
	return PTE(pa.PPN()<<10) | flags | FlagV
}

// NumEntries is the number of entries in a single-level sv32 table (4 KiB / 4 bytes).
const NumEntries = 1024

// Table is an sv32 page table: 1024 32-bit entries, itself exactly one page.
type Table struct {
	Entries [NumEntries]PTE
}

// SizeBytes is the size of a Table in bytes; it must fit in exactly one page.
const SizeBytes = NumEntries * 4

// ModeSv32 is the mode field value for sv32 translation in satp.
const ModeSv32 = 1

var (
	// ErrMissingPTE is returned by Walk when a required entry is not valid.
	ErrMissingPTE = errors.New("pagetable: missing pte")
)

// root is in-memory storage for tables, keyed by physical address, backed by ram.RAM so that a
// Table physical address can be resolved back to a *Table.
type Root struct {
	ram   *ram.RAM
	alloc *ram.Allocator
	log   *log.Logger

	// tables indexes every table ever allocated by its physical base address. Lookups by
	// physical address (as stored in a PTE) resolve through this map instead of casting raw
	// bytes, keeping the simulation type-safe.
	tables map[addr.Phys]*Table
}

// NewRoot creates a page-table root manager backed by the given allocator.
func NewRoot(r *ram.RAM, alloc *ram.Allocator) *Root {
	return &Root{
		ram:    r,
		alloc:  alloc,
		log:    log.DefaultLogger(),
		tables: make(map[addr.Phys]*Table),
	}
}

// New allocates and zeroes a fresh page table, returning both its physical address and a handle
// to it.
func (r *Root) New() (addr.Phys, *Table) {
	pa := r.alloc.AllocPage()
	t := &Table{}
	r.tables[pa] = t

	return pa, t
}

func (r *Root) lookup(pa addr.Phys) *Table {
	t, ok := r.tables[pa]
	if !ok {
		panic(fmt.Sprintf("pagetable: unknown table at %s", pa))
	}

	return t
}

// RootTable resolves a root page table's physical address (as recorded on a Process, for
// example) back to its *Table handle, for callers that only have the address on hand.
func (r *Root) RootTable(pa addr.Phys) *Table {
	return r.lookup(pa)
}

// MapPage installs a 4 KiB leaf mapping from va to pa in the table rooted at root, with the
// given permission flags. It lazily allocates the level-0 table when the level-1 entry is
// absent. va and pa must be page-aligned.
func (r *Root) MapPage(root *Table, va addr.Virt, pa addr.Phys, flags PTE) error {
	if !va.PageAligned() {
		return fmt.Errorf("pagetable: va %s not page-aligned", va)
	}

	if !pa.PageAligned() {
		return fmt.Errorf("pagetable: pa %s not page-aligned", pa)
	}

	pte1 := &root.Entries[va.VPN1()]

	var level0 *Table

	if !pte1.Valid() {
		l0pa, l0 := r.New()
		*pte1 = newPTE(l0pa, 0) // non-leaf: R=W=X=0
		level0 = l0

		r.log.Debug("allocated level-0 table", "va", va, "addr", l0pa)
	} else {
		level0 = r.lookup(pte1.Addr())
	}

	r.sfenceVMA()

	level0.Entries[va.VPN0()] = newPTE(pa, flags)
	r.sfenceVMA()

	r.log.Debug("mapped page", "va", va, "pa", pa, "flags", flags)

	return nil
}

// Walk translates a virtual address to a physical address by walking the two-level table. It
// returns ErrMissingPTE if either level's entry is not valid.
func (r *Root) Walk(root *Table, va addr.Virt) (addr.Phys, error) {
	pte1 := root.Entries[va.VPN1()]
	if !pte1.Valid() {
		return 0, fmt.Errorf("%w: vpn1=%d", ErrMissingPTE, va.VPN1())
	}

	level0 := r.lookup(pte1.Addr())

	pte0 := level0.Entries[va.VPN0()]
	if !pte0.Valid() {
		return 0, fmt.Errorf("%w: vpn0=%d", ErrMissingPTE, va.VPN0())
	}

	return pte0.Addr().Add(va.Offset()), nil
}

// sfenceVMACount counts simulated sfence.vma executions; SfenceVMACount exposes it for tests
// asserting the TLB-discipline invariant: sfence.vma must bracket every write that mutates a
// live page table.
var sfenceVMACount int

func (r *Root) sfenceVMA() {
	sfenceVMACount++
}

// SfenceVMA executes a simulated sfence.vma. Callers outside this package use it to honor the
// same TLB-discipline invariant when they change satp directly, e.g. context switch.
func (r *Root) SfenceVMA() {
	r.sfenceVMA()
}

// SfenceVMACount returns the number of simulated sfence.vma executions since boot. It exists
// only to let tests assert the TLB-discipline invariant.
func SfenceVMACount() int { return sfenceVMACount }

// Satp encodes the satp CSR value naming root as the sv32 translation root.
func Satp(root addr.Phys) uint32 {
	return uint32(ModeSv32)<<31 | root.PPN()
}
