// Package kernel wires every simulated subsystem into the machine a boot sequence brings up:
// physical memory, the page-table root, the process table, the round-robin scheduler, the SBI
// firmware shim, the virtio-blk-backed file system, and the syscall dispatch environment. Boot
// plays the part of _start/kmain: it builds the fixed memory layout, initializes the scheduler
// with its reserved idle process, loads the file system image, and hands control to the initial
// user process.
package kernel

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/blockdev"
	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/monitor"
	"github.com/sv32k/kernel/internal/pagetable"
	"github.com/sv32k/kernel/internal/proc"
	"github.com/sv32k/kernel/internal/ram"
	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/sched"
	"github.com/sv32k/kernel/internal/syscall"
	"github.com/sv32k/kernel/internal/tarfs"
	"github.com/sv32k/kernel/internal/timer"
	"github.com/sv32k/kernel/internal/trapframe"
	"github.com/sv32k/kernel/internal/userproc"
	"golang.org/x/mod/semver"
)

// KernelVersion is the version string reported at boot, in the same semver form QEMU/OpenSBI
// report their own firmware and machine versions as.
const KernelVersion = "v0.1.0"

// diskImage is the file system image loaded when a Kernel isn't configured with its own, the
// same way a QEMU invocation defaults to a disk image baked into the build.
//
//go:embed diskimage.tar
var diskImage []byte

// defaultRAMSize is the size of simulated physical memory for a Kernel built without
// WithRAMSize, comfortably larger than the fixed layout below requires.
const defaultRAMSize = 16 * 1024 * 1024

// defaultLayout places the kernel image, the free RAM window the allocator draws from, the
// virtio-mmio page, and the user address space at fixed offsets, standing in for the symbols a
// linker script would otherwise provide.
var defaultLayout = proc.Layout{
	KernelBase:     addr.Phys(0x80000000),
	FreeRAMStart:   addr.Phys(0x80200000),
	FreeRAMEnd:     addr.Phys(0x80800000),
	VirtioMMIOBase: addr.Phys(0x10001000),
	UserBase:       addr.Virt(0x01000000),
}

// Kernel bundles every subsystem that Boot initializes and HandleTrap coordinates between.
type Kernel struct {
	RAM     *ram.RAM
	Alloc   *ram.Allocator
	PT      *pagetable.Root
	Procs   *proc.Table
	Hart    *sched.Hart
	Sched   *sched.Scheduler
	Dev     *blockdev.Device
	FS      *tarfs.Table
	Env     *syscall.Env
	Timer   timer.Counter
	Vectors *monitor.Table

	// trapMu serializes HandleTrap: a single hart services one trap at a time, and now that the
	// timer driver runs on its own goroutine alongside whatever goroutine is running the current
	// process, two callers really can reach HandleTrap concurrently without this.
	trapMu sync.Mutex

	layout      proc.Layout
	ramSize     uint32
	firmware    sbi.Firmware
	image       []byte
	program     userproc.Program
	kernelProcs []sched.Body

	log *log.Logger
}

// OptionFn configures a Kernel before Boot runs, mirroring the teacher stack's functional-option
// convention for machine construction.
type OptionFn func(*Kernel)

// WithLogger overrides the kernel's logger.
func WithLogger(l *log.Logger) OptionFn {
	return func(k *Kernel) { k.log = l }
}

// WithFirmware overrides the default in-memory SBI firmware shim, e.g. with internal/tty.Console
// for an interactive boot.
func WithFirmware(fw sbi.Firmware) OptionFn {
	return func(k *Kernel) { k.firmware = fw }
}

// WithRAMSize overrides the size of simulated physical memory.
func WithRAMSize(n uint32) OptionFn {
	return func(k *Kernel) { k.ramSize = n }
}

// WithLayout overrides the fixed memory layout every process's page table is built from.
func WithLayout(l proc.Layout) OptionFn {
	return func(k *Kernel) { k.layout = l }
}

// WithDiskImage overrides the embedded default tar image backing the virtio-blk device.
func WithDiskImage(image []byte) OptionFn {
	return func(k *Kernel) { k.image = image }
}

// WithDiskFile backs the virtio-blk device with an on-disk file instead of an in-memory image,
// so that WRITEFILE persists across boots.
func WithDiskFile(path string) OptionFn {
	return func(k *Kernel) {
		dev, err := blockdev.OpenFile(path)
		if err != nil {
			panic(fmt.Sprintf("kernel: opening disk file: %v", err))
		}

		k.Dev = dev
	}
}

// WithProgram overrides the program run as the initial user process. The default is
// userproc.ShellProgram.
func WithProgram(p userproc.Program) OptionFn {
	return func(k *Kernel) { k.program = p }
}

// WithKernelProcess registers an additional kernel process stepped by the scheduler itself: each
// time round-robin rotation lands on it, body runs once, in place of a context switch, and
// reports whether it has more work left. Boot creates one such process per call, alongside the
// initial user process, so more than one process can make progress under the same timer-driven
// rotation (the round-robin scheduler has no other way to run concurrent process bodies without
// a goroutine and a parked kernel stack per process).
func WithKernelProcess(body sched.Body) OptionFn {
	return func(k *Kernel) { k.kernelProcs = append(k.kernelProcs, body) }
}

// New creates a Kernel with its defaults applied, ready for Boot.
func New(opts ...OptionFn) *Kernel {
	k := &Kernel{
		layout:  defaultLayout,
		ramSize: defaultRAMSize,
		image:   diskImage,
		program: userproc.ShellProgram,
		log:     log.DefaultLogger(),
	}

	for _, opt := range opts {
		opt(k)
	}

	return k
}

// Boot brings the simulated machine up: it builds physical memory and the page-table root,
// initializes the process table and scheduler (creating the reserved idle process), loads the
// file system, arms the first timer quantum, and runs the initial user process to completion.
// It returns when that process exits, or ctx is done.
func (k *Kernel) Boot(ctx context.Context) error {
	k.RAM = ram.New(k.ramSize)
	k.Alloc = ram.NewAllocator(k.RAM, k.layout.FreeRAMStart, k.layout.FreeRAMEnd)
	k.PT = pagetable.NewRoot(k.RAM, k.Alloc)
	k.Procs = proc.NewTable(k.RAM, k.Alloc, k.PT, k.layout)

	k.Hart = &sched.Hart{}
	k.Sched = sched.NewScheduler(k.Procs, k.Hart, k.PT)

	if err := k.Sched.Init(); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	for _, body := range k.kernelProcs {
		if _, err := k.Sched.CreateKernelProcess(body); err != nil {
			return fmt.Errorf("kernel: %w", err)
		}
	}

	if k.firmware == nil {
		k.firmware = sbi.NewMemory()
	}

	if k.Dev == nil {
		k.Dev = blockdev.NewMemory(k.image)
	}

	fs, err := tarfs.Load(k.Dev)
	if err != nil {
		return fmt.Errorf("kernel: loading file system: %w", err)
	}

	k.FS = fs

	timer.ArmNext(&k.Timer, k.firmware, timer.Quantum)

	initial, err := k.Procs.CreateProcess(0, userproc.ShellImage)
	if err != nil {
		return fmt.Errorf("kernel: creating initial process: %w", err)
	}

	// Seed the hart's live sp/sscratch as if a switch_context into initial had already happened:
	// CreateProcess only leaves behind a parked image to resume from, and no YieldNow runs before
	// the initial process starts executing, so nothing else sets these before the first trap.
	k.Hart.SP = initial.SP + trapframe.ParkedWords
	k.Hart.SScratch = 0

	root := k.PT.RootTable(initial.Root)

	scratchPA := k.Alloc.AllocPage()
	scratchVA := k.layout.UserBase.Add(addr.AlignUp(uint32(len(userproc.ShellImage))))

	if err := k.PT.MapPage(root, scratchVA, scratchPA, pagetable.FlagR|pagetable.FlagW|pagetable.FlagU); err != nil {
		return fmt.Errorf("kernel: mapping scratch page: %w", err)
	}

	k.Hart.SUM = true

	k.Env = &syscall.Env{
		Firmware: k.firmware,
		FS:       k.FS,
		PT:       k.PT,
		Root:     root,
		SUM:      true,
		RAM:      k.RAM,
		Yield:    func() { k.Sched.YieldNow(trapframe.ParkedImage{}) },
		OnExit:   func() { initial.State = proc.Exited },
	}

	uctx := &userproc.Context{
		Env:     k.Env,
		RAM:     k.RAM,
		PT:      k.PT,
		Root:    root,
		Scratch: scratchVA,
	}

	k.Vectors = monitor.NewDefaultTable(k.Env, k.Sched, &k.Timer, k.firmware)

	if !semver.IsValid(KernelVersion) {
		return fmt.Errorf("kernel: invalid version string %q", KernelVersion)
	}

	k.log.Info("kernel booted", "pid", initial.PID, "version", KernelVersion)

	done := make(chan struct{})

	go func() {
		defer close(done)
		userproc.Run(k.program, uctx)
	}()

	stopTimer := make(chan struct{})
	defer close(stopTimer)

	go k.runTimer(ctx, stopTimer)

	select {
	case <-done:
		k.log.Info("initial process exited")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTimer plays the part of a real hart's periodic timer interrupt: every quantum, it delivers
// a timer trap the same way a hardware interrupt vector would, driving preemption and round-robin
// rotation even when the currently running process never calls back into the kernel on its own.
// It stops when ctx is done, stop is closed, or a prior trap has halted the hart.
func (k *Kernel) runTimer(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(timer.Quantum) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if k.Hart.Halted {
				return
			}

			sepc := uint32(0)
			k.HandleTrap(&trapframe.Frame{}, &sepc, sched.CauseTimer)
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}

// Close releases any resources the kernel was configured with, such as a file-backed block
// device opened by WithDiskFile.
func (k *Kernel) Close() error {
	if k.Dev != nil {
		return k.Dev.Close()
	}

	return nil
}

// HandleTrap implements the trap entry/exit protocol around vector dispatch: entry swaps sp and
// sscratch against the trapped process's kernel stack and pushes the frame, masking SIE for the
// dispatch itself and latching its prior value; an ecall dispatches the syscall ABI and advances
// sepc past it, since ecall doesn't auto-advance the program counter the way a real instruction
// fetch would, while a timer interrupt re-arms the next quantum and yields to the next runnable
// process. A cause with no registered vector is fatal and halts the hart without running exit.
//
// sepc is the trapped process's saved program counter, advanced in place for CauseECall.
func (k *Kernel) HandleTrap(frame *trapframe.Frame, sepc *uint32, cause sched.Cause) {
	k.trapMu.Lock()
	defer k.trapMu.Unlock()

	current := k.Sched.CurrentProcess()

	entered, _ := trapframe.Enter(&k.Hart.SP, &k.Hart.SScratch, current.Stack[:], *frame)
	*frame = entered

	priorSIE := k.Hart.SIE
	k.Hart.SIE = false

	ok := k.Vectors.Dispatch(cause, frame, sepc)

	if priorSIE {
		k.Hart.SIE = true
	}

	if !ok {
		k.Panic(cause)
		return
	}

	trapframe.Exit(&k.Hart.SP, &k.Hart.SScratch, *frame)
}

// Panic halts the hart on an unrecoverable trap cause, mirroring a real kernel's panic handler:
// there is no recovery path for a cause the kernel doesn't recognize.
func (k *Kernel) Panic(cause sched.Cause) {
	k.Hart.Halted = true
	k.log.Error("kernel panic: unhandled trap cause", "cause", cause)
}
