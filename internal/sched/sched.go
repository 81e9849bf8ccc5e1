// Package sched implements the round-robin scheduler: the reserved idle process, YieldNow's
// slot selection, and the Hart type holding the simulated supervisor CSRs that context switch
// reads and writes.
package sched

import (
	"fmt"
	"sync"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/pagetable"
	"github.com/sv32k/kernel/internal/proc"
	"github.com/sv32k/kernel/internal/trapframe"
)

// Cause is a simulated scause value.
type Cause uint32

// The two meaningful trap causes; every other value is fatal.
const (
	CauseECall Cause = 8
	CauseTimer Cause = 0x80000005
)

// Hart is the single simulated hart's supervisor-mode state: the CSRs context switch mutates,
// plus the SUM gate syscall dispatch checks before touching user memory, and a halted flag used
// to stop the run loop on a fatal trap.
type Hart struct {
	proc.CPUState

	// SUM mirrors sstatus.SUM: YieldNow sets it from the resumed process's parked image, true
	// for a process created as a user process. syscall.copyIn/copyOut check syscall.Env.SUM,
	// not this field.
	SUM bool

	// Halted is set by a fatal trap; kernel.Kernel.runTimer stops delivering further ticks once
	// it sees this set.
	Halted bool
}

// Body is one scheduling quantum's worth of work for a kernel process the scheduler steps
// directly, rather than a process with its own goroutine and parked kernel stack: each time
// round-robin rotates onto it, the scheduler calls Body once in place of a context switch. It
// reports whether the process has more work left; once it returns false the process is marked
// Exited. This models "instruction-equivalent steps of the currently running process's program
// body" without needing a coroutine per kernel process.
type Body func() (more bool)

// Scheduler holds the process table and current-pid cell and implements round-robin selection.
type Scheduler struct {
	mu sync.Mutex

	table      *proc.Table
	hart       *Hart
	pt         *pagetable.Root
	currentPID uint32
	bodies     map[uint32]Body

	log *log.Logger
}

// NewScheduler creates a scheduler over the given process table, hart, and page-table root.
func NewScheduler(table *proc.Table, hart *Hart, pt *pagetable.Root) *Scheduler {
	return &Scheduler{
		table:  table,
		hart:   hart,
		pt:     pt,
		bodies: make(map[uint32]Body),
		log:    log.DefaultLogger(),
	}
}

// Init creates the reserved idle process (pid 0) and enables supervisor interrupts. The idle
// process exists only so the scheduler always has a runnable fallback and a mapped page table.
// It is created with entry point 0 and no Body, so falling back to it switches into its parked
// image and runs nothing; nothing panics when it is resumed.
func (s *Scheduler) Init() error {
	idle, err := s.table.CreateProcess(addr.Virt(0), nil)
	if err != nil {
		return fmt.Errorf("sched: creating idle process: %w", err)
	}

	idle.PID = 0

	s.mu.Lock()
	s.currentPID = 0
	s.mu.Unlock()

	s.hart.SIE = true

	s.log.Info("scheduler initialized", "idle_pid", idle.PID)

	return nil
}

// CurrentPID returns the pid of the process presently executing.
func (s *Scheduler) CurrentPID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentPID
}

// CurrentProcess returns the PCB for the process presently executing, the same slot lookup
// YieldNow uses to find its own starting point. Trap entry/exit use this to find the kernel
// stack to push and pop a trap frame against.
func (s *Scheduler) CurrentProcess() *proc.Process {
	s.table.Lock()
	defer s.table.Unlock()

	s.mu.Lock()
	current := s.currentPID
	s.mu.Unlock()

	return s.table.Slot(s.slotForPID(current))
}

// CreateKernelProcess creates a kernel process stepped by body instead of resuming a parked
// kernel stack image: each time round-robin rotates onto its pid, YieldNow calls body once in
// place of a context switch. It lets more than one kernel process make progress under timer-
// driven rotation without a goroutine per process.
func (s *Scheduler) CreateKernelProcess(body Body) (*proc.Process, error) {
	p, err := s.table.CreateProcess(addr.Virt(0), nil)
	if err != nil {
		return nil, fmt.Errorf("sched: creating kernel process: %w", err)
	}

	s.mu.Lock()
	s.bodies[p.PID] = body
	s.mu.Unlock()

	s.log.Info("created stepped kernel process", "pid", p.PID)

	return p, nil
}

// slotForPID returns the table slot index for pid, which is always pid-1 except for the idle
// process, whose pid is forcibly rewritten to 0 at a slot index assigned at creation time.
func (s *Scheduler) slotForPID(pid uint32) int {
	for i := 0; i < proc.NumSlots; i++ {
		if s.table.Slot(i).PID == pid && s.table.Slot(i).State != proc.Unused {
			return i
		}
	}

	panic(fmt.Sprintf("sched: no slot for pid %d", pid))
}

// YieldNow implements the scheduler's five-step selection and hand-off: scan cyclically from
// one past the current pid for the next Runnable, non-idle slot, falling back to pid 0. If the
// winner is a stepped kernel process (one created through CreateKernelProcess), its Body is
// called once in place of a context switch -- there is no parked stack to resume, so the hand-off
// is just a function call. Otherwise it switches into the winner's parked image normally.
// prevImage is the parked image to push for the process giving up the hart -- callers that are
// not themselves a parked process being preempted mid-syscall (e.g. the boot goroutine, or the
// timer driver calling in from outside any process) pass a zero-value image, in keeping with
// spec's "bootstrap uses a throwaway prevSP" open design point.
//
// The table lock is held for the whole call, including the context switch: with a timer driver
// running on its own goroutine, two callers can now reach YieldNow concurrently, and switch_context
// mutating shared hart and PCB state is not itself safe to interleave.
func (s *Scheduler) YieldNow(prevImage trapframe.ParkedImage) {
	s.table.Lock()
	defer s.table.Unlock()

	s.mu.Lock()
	current := s.currentPID
	s.mu.Unlock()

	currentSlot := s.slotForPID(current)

	winner := uint32(0)

	for i := 1; i <= proc.NumSlots; i++ {
		idx := (currentSlot + i) % proc.NumSlots
		slot := s.table.Slot(idx)

		if slot.State == proc.Runnable && slot.PID != 0 {
			winner = slot.PID
			break
		}
	}

	s.mu.Lock()
	body := s.bodies[winner]
	s.mu.Unlock()

	if body != nil {
		if !body() {
			s.table.Slot(s.slotForPID(winner)).State = proc.Exited
		}

		s.mu.Lock()
		s.currentPID = winner
		s.mu.Unlock()

		return
	}

	if winner == current {
		return
	}

	prevSlot := s.table.Slot(currentSlot)
	nextSlot := s.table.Slot(s.slotForPID(winner))

	s.mu.Lock()
	s.currentPID = winner
	s.mu.Unlock()

	img := proc.SwitchContext(s.pt, &s.hart.CPUState, prevSlot, prevImage, nextSlot)
	s.hart.SUM = img.SStatus&sstatusSUM != 0
}

const sstatusSUM = 1 << 18
