// Package monitor builds the boot-time vector table mapping trap causes to handlers, the same
// role a system image's trap/exception routines played for the machine this kernel was adapted
// from: rather than assembling handler code into fixed memory origins, each vector here is a Go
// closure registered against the cause it handles, and Table.Dispatch performs the lookup a real
// trap-entry stub would do by indexing a vector table in memory.
package monitor

import (
	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/sched"
	"github.com/sv32k/kernel/internal/syscall"
	"github.com/sv32k/kernel/internal/timer"
	"github.com/sv32k/kernel/internal/trapframe"
)

// Handler services a trap once its cause has been resolved. frame is the trapped register
// state; sepc is the trapped program counter, which a handler advances in place if the trapped
// instruction should not be re-executed on return (an ecall, notably).
type Handler func(frame *trapframe.Frame, sepc *uint32)

// Vector names a single entry in the trap vector table, mirroring a system image's Routine: a
// cause, a handler, and a name kept around for logging.
type Vector struct {
	Name    string
	Cause   sched.Cause
	Handler Handler
}

// Table is the trap vector table: a fixed set of causes the kernel knows how to handle, indexed
// by cause for dispatch.
type Table struct {
	vectors map[sched.Cause]Vector
	log     *log.Logger
}

// NewTable creates an empty vector table.
func NewTable() *Table {
	return &Table{
		vectors: make(map[sched.Cause]Vector),
		log:     log.DefaultLogger(),
	}
}

// Register installs a vector, overwriting any existing entry for the same cause.
func (t *Table) Register(v Vector) {
	t.log.Debug("registering trap vector", "name", v.Name, "cause", v.Cause)
	t.vectors[v.Cause] = v
}

// Dispatch looks up cause and invokes its handler. It reports false if no vector is registered
// for cause, leaving the fatal-cause decision to the caller.
func (t *Table) Dispatch(cause sched.Cause, frame *trapframe.Frame, sepc *uint32) bool {
	v, ok := t.vectors[cause]
	if !ok {
		return false
	}

	v.Handler(frame, sepc)

	return true
}

// NewDefaultTable builds the two vectors every boot needs: SYS_ECALL, which dispatches the
// syscall ABI and advances sepc past the ecall instruction, and the timer interrupt, which
// re-arms the next quantum and yields to the next runnable process.
func NewDefaultTable(env *syscall.Env, scheduler *sched.Scheduler, tm *timer.Counter, fw sbi.Firmware) *Table {
	t := NewTable()

	t.Register(Vector{
		Name:  "ecall",
		Cause: sched.CauseECall,
		Handler: func(frame *trapframe.Frame, sepc *uint32) {
			syscall.Dispatch(frame, env)
			*sepc += 4
		},
	})

	t.Register(Vector{
		Name:  "timer",
		Cause: sched.CauseTimer,
		Handler: func(_ *trapframe.Frame, _ *uint32) {
			timer.ArmNext(tm, fw, timer.Quantum)
			scheduler.YieldNow(trapframe.ParkedImage{})
		},
	})

	return t
}
