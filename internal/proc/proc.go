// Package proc holds the process control block, the fixed-size process table, and process
// creation: everything needed to represent a process that isn't currently running as a parked
// stack image. Context switching between two parked images lives alongside it, since both
// operate on the same Stack/SP layout.
package proc

import (
	"fmt"
	"sync"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/pagetable"
	"github.com/sv32k/kernel/internal/ram"
	"github.com/sv32k/kernel/internal/trapframe"
)

// NumSlots is the number of PCB slots in the process table.
const NumSlots = 8

// StackWords is the size of a process's embedded kernel stack, in 32-bit words (8 KiB).
const StackWords = 8192 / 4

// State is a PCB's lifecycle state.
type State int

const (
	Unused State = iota
	Runnable
	Exited
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Runnable:
		return "runnable"
	case Exited:
		return "exited"
	default:
		return "invalid"
	}
}

// Process is a process control block. Stack is embedded directly in the PCB, mirroring the
// fixed-capacity layout spec'd for the table: no PCB owns another, the table owns all of them.
type Process struct {
	PID   uint32
	State State

	// SP is the word index into Stack at which the parked image begins. It is meaningful only
	// when State is Runnable or Exited and the process is not the one currently executing.
	SP uint32

	Root addr.Phys

	Stack [StackWords]uint32
}

// Layout names the physical/virtual regions every process's page table must identity-map or
// map, standing in for the linker-provided symbols a real port would reference.
type Layout struct {
	KernelBase     addr.Phys
	FreeRAMStart   addr.Phys
	FreeRAMEnd     addr.Phys
	VirtioMMIOBase addr.Phys
	UserBase       addr.Virt
}

// Table is the fixed array of process slots, protected by a single lock.
type Table struct {
	mut sync.Mutex

	slots  [NumSlots]Process
	layout Layout

	ram   *ram.RAM
	alloc *ram.Allocator
	pt    *pagetable.Root

	log *log.Logger
}

// NewTable creates an empty process table over the given RAM, allocator, and page-table root,
// using layout to map the kernel and MMIO regions into every process created from it.
func NewTable(r *ram.RAM, alloc *ram.Allocator, pt *pagetable.Root, layout Layout) *Table {
	return &Table{
		layout: layout,
		ram:    r,
		alloc:  alloc,
		pt:     pt,
		log:    log.DefaultLogger(),
	}
}

// Slot returns a pointer to the PCB at the given table slot, for callers that already hold a
// pid-derived slot index (e.g. the scheduler). It does not lock: callers must hold the table's
// lock or otherwise have exclusive access.
func (t *Table) Slot(i int) *Process { return &t.slots[i] }

// Lock and Unlock expose the table's lock directly so that callers (the scheduler) can hold it
// across a whole lookup-and-switch sequence; sched.Scheduler.YieldNow holds it through
// SwitchContext.
func (t *Table) Lock()   { t.mut.Lock() }
func (t *Table) Unlock() { t.mut.Unlock() }

// CreateProcess installs a new process in the first Unused slot. If image is non-nil, the
// process is a user process: image is copied page by page into freshly allocated physical
// frames mapped at layout.UserBase with RWX+U, and the parked image's sepc is UserBase with SUM
// set in sstatus. If image is nil, sepc, sscratch and sstatus are zero. In both cases entryPC is
// stored as the parked image's ra.
//
// It panics "no free process slots" if the table is exhausted -- a fatal kernel condition per
// spec, not a recoverable error.
func (t *Table) CreateProcess(entryPC addr.Virt, image []byte) (*Process, error) {
	t.mut.Lock()
	defer t.mut.Unlock()

	slotIdx := -1

	for i := range t.slots {
		if t.slots[i].State == Unused {
			slotIdx = i
			break
		}
	}

	if slotIdx == -1 {
		panic("no free process slots")
	}

	p := &t.slots[slotIdx]

	rootPA, root := t.pt.New()
	p.Root = rootPA

	if err := t.mapKernelRegion(root); err != nil {
		return nil, err
	}

	isUser := image != nil

	var sepc addr.Virt

	if isUser {
		sepc = t.layout.UserBase

		if err := t.mapUserImage(root, image); err != nil {
			return nil, err
		}
	}

	img := trapframe.ParkedImage{
		RA: uint32(entryPC),
	}

	if isUser {
		img.SScratch = uint32(len(p.Stack)) // stack_top_ptr: word index of the stack top
		img.SEPC = uint32(sepc)
		img.SStatus = sstatusSUM
	} else {
		img.SScratch = 0
		img.SEPC = 0
		img.SStatus = 0
	}

	img.SATP = pagetable.Satp(rootPA)

	p.SP = img.Push(p.Stack[:], uint32(len(p.Stack)))
	p.PID = uint32(slotIdx) + 1
	p.State = Runnable

	t.log.Info("created process", "pid", p.PID, "user", isUser, "entry", entryPC)

	return p, nil
}

// sstatusSUM is the simulated sstatus bit that permits supervisor access to user-mapped pages;
// it is set on every user process's parked image so that syscall dispatch can copy to/from user
// buffers without a separate permission check.
const sstatusSUM = 1 << 18

func (t *Table) mapKernelRegion(root *pagetable.Table) error {
	flags := pagetable.FlagR | pagetable.FlagW | pagetable.FlagX

	for pa := t.layout.KernelBase; pa < t.layout.FreeRAMEnd; pa = pa.Add(addr.PageSize) {
		va := addr.Virt(uint32(pa))
		if err := t.pt.MapPage(root, va, pa, flags); err != nil {
			return fmt.Errorf("proc: mapping kernel region: %w", err)
		}
	}

	mmioFlags := pagetable.FlagR | pagetable.FlagW
	mmioVA := addr.Virt(uint32(t.layout.VirtioMMIOBase))

	if err := t.pt.MapPage(root, mmioVA, t.layout.VirtioMMIOBase, mmioFlags); err != nil {
		return fmt.Errorf("proc: mapping virtio mmio page: %w", err)
	}

	return nil
}

// CPUState is the minimal simulated supervisor CSR state a context switch reads and writes: the
// interrupt-enable bit, the current translation root, and the live sp/sscratch pair trap entry
// and exit swap against. sched.Hart embeds this directly so SwitchContext can mutate it without
// internal/proc importing internal/sched.
type CPUState struct {
	SIE  bool
	SATP uint32

	// SP and SScratch mirror the live sp/sscratch registers for the process currently running.
	// SwitchContext sets both from the resumed process's parked image so that the next trap
	// entry's swap (internal/trapframe.Enter) operates against the right values.
	SP       uint32
	SScratch uint32
}

// SwitchContext parks prev by pushing prevImage onto its own kernel stack, then restores next
// from its own parked image, following spec's eight-step sequence: it masks SIE for the
// duration, conditionally writes satp and fences the TLB only when the translation root
// actually changes (so switching between two processes sharing a table costs no flush), sets
// cpu.SP/cpu.SScratch from the restored image so the next trap entry's swap operates against
// next's own kernel stack pointer and saved sscratch, and restores SIE's prior state before
// returning. The restored parked image is returned so the caller can resume execution at its
// SEPC -- this simulation has no literal machine registers to resume into, so resumption is the
// caller's responsibility (see internal/sched).
func SwitchContext(pt *pagetable.Root, cpu *CPUState, prev *Process, prevImage trapframe.ParkedImage, next *Process) trapframe.ParkedImage {
	priorSIE := cpu.SIE
	cpu.SIE = false

	prev.SP = prevImage.Push(prev.Stack[:], uint32(len(prev.Stack)))

	img, newSP := trapframe.PopParked(next.Stack[:], next.SP)
	next.SP = newSP

	cpu.SP = newSP
	cpu.SScratch = img.SScratch

	if img.SATP != cpu.SATP {
		cpu.SATP = img.SATP
		pt.SfenceVMA()
	}

	if priorSIE {
		cpu.SIE = true
	}

	return img
}

func (t *Table) mapUserImage(root *pagetable.Table, image []byte) error {
	n := addr.AlignUp(uint32(len(image)))
	flags := pagetable.FlagR | pagetable.FlagW | pagetable.FlagX | pagetable.FlagU

	for off := uint32(0); off < n; off += addr.PageSize {
		pa := t.alloc.AllocPage()

		end := off + addr.PageSize
		if end > uint32(len(image)) {
			end = uint32(len(image))
		}

		copy(t.ram.Bytes(pa, addr.PageSize), image[off:end])

		va := t.layout.UserBase.Add(off)
		if err := t.pt.MapPage(root, va, pa, flags); err != nil {
			return fmt.Errorf("proc: mapping user image: %w", err)
		}
	}

	return nil
}
