// Package syscall implements the user syscall ABI dispatch: number in frame.A[7], arguments in
// frame.A[0:4], result written back to frame.A[0]. User pointers are resolved through the
// current process's page table before any copy, gated by the simulated sstatus.SUM bit so the
// permission check is a real mechanism rather than decoration.
package syscall

import (
	"errors"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/pagetable"
	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/tarfs"
	"github.com/sv32k/kernel/internal/trapframe"
)

// Syscall numbers, read from frame.A[7].
const (
	Putbyte   = 1
	Getchar   = 2
	Exit      = 3
	Readfile  = 4
	Writefile = 5
)

// NotFound is the all-ones sentinel result READFILE/WRITEFILE return for a missing file.
const NotFound = 0xFFFFFFFF

// ErrMissingFile is returned internally when a name lookup misses; it never crosses the syscall
// boundary, where it is translated to the NotFound sentinel in frame.A[0].
var ErrMissingFile = errors.New("syscall: file not found")

// Env bundles everything Dispatch needs to resolve user pointers and perform I/O: the firmware
// console, the file table, the page-table walker, and the current process's root and SUM gate.
type Env struct {
	Firmware sbi.Firmware
	FS       *tarfs.Table
	PT       *pagetable.Root
	Root     *pagetable.Table

	// SUM mirrors sstatus.SUM for the process currently running: copyIn/copyOut refuse to
	// touch user memory unless it's set, the same gate real hardware enforces in silicon.
	SUM bool

	RAM RAM

	// Yield is called by GETCHAR while busy-waiting for a byte; the caller wires this to
	// sched.Scheduler.YieldNow (or a test double) so that the timer and round-robin invariants
	// still apply during the wait.
	Yield func()

	// OnExit is called when SYS_EXIT is dispatched, before Dispatch returns; the caller wires
	// this to mark the current PCB Exited. Dispatch calls Yield right after it.
	OnExit func()

	log *log.Logger
}

// RAM is the subset of ram.RAM that copyIn/copyOut need, named narrowly to avoid a direct
// package import cycle concern and to ease testing with a fake.
type RAM interface {
	Bytes(start addr.Phys, n uint32) []byte
}

// Dispatch reads the syscall number and arguments from frame, performs the call, and writes the
// result back into frame.A[0]. It does not advance SEPC; the caller (the trap handler) does that
// for CauseECall per spec.
func Dispatch(frame *trapframe.Frame, env *Env) {
	if env.log == nil {
		env.log = log.DefaultLogger()
	}

	switch frame.A[7] {
	case Putbyte:
		frame.A[0] = uint32(env.Firmware.PutChar(byte(frame.A[0])))

	case Getchar:
		frame.A[0] = uint32(getchar(env))

	case Exit:
		if env.OnExit != nil {
			env.OnExit()
		}

		if env.Yield != nil {
			env.Yield()
		}

	case Readfile:
		result, err := env.readfile(frame.A[0], frame.A[1], frame.A[2], frame.A[3])
		if err != nil {
			frame.A[0] = NotFound
		} else {
			frame.A[0] = result
		}

	case Writefile:
		result, err := env.writefile(frame.A[0], frame.A[1], frame.A[2], frame.A[3])
		if err != nil {
			frame.A[0] = NotFound
		} else {
			frame.A[0] = result
		}

	default:
		env.log.Warn("unknown syscall", "number", frame.A[7])
	}
}

func getchar(env *Env) byte {
	for {
		if b, ok := env.Firmware.GetChar(); ok {
			return b
		}

		if env.Yield != nil {
			env.Yield()
		}
	}
}

func (env *Env) readfile(namePtr, nameLen, bufPtr, bufLen uint32) (uint32, error) {
	name, err := env.copyInString(addr.Virt(namePtr), nameLen)
	if err != nil {
		return 0, err
	}

	file, ok := env.FS.Lookup(name)
	if !ok {
		return 0, ErrMissingFile
	}

	if bufLen == 0 {
		return 0, nil
	}

	buf := make([]byte, bufLen)
	n := file.Read(buf)

	if err := env.copyOut(addr.Virt(bufPtr), buf[:n]); err != nil {
		return 0, err
	}

	return uint32(n), nil
}

func (env *Env) writefile(namePtr, nameLen, bufPtr, bufLen uint32) (uint32, error) {
	name, err := env.copyInString(addr.Virt(namePtr), nameLen)
	if err != nil {
		return 0, err
	}

	file, ok := env.FS.Lookup(name)
	if !ok {
		return 0, ErrMissingFile
	}

	data, err := env.copyIn(addr.Virt(bufPtr), bufLen)
	if err != nil {
		return 0, err
	}

	file.Write(data)
	env.FS.Flush()

	return bufLen, nil
}

// copyIn resolves a user (virtual address, length) pair through the current process's page
// table and returns a copy of the bytes, honoring the SUM gate exactly as the supervisor would.
func (env *Env) copyIn(va addr.Virt, n uint32) ([]byte, error) {
	if !env.SUM {
		return nil, errors.New("syscall: user memory access with SUM clear")
	}

	out := make([]byte, n)

	var off uint32
	for off < n {
		chunk, pa, err := env.pageChunk(va, off, n)
		if err != nil {
			return nil, err
		}

		copy(out[off:off+chunk], env.RAM.Bytes(pa, chunk))
		off += chunk
	}

	return out, nil
}

// copyOut resolves a user (virtual address, length) pair and writes data into it, honoring the
// same SUM gate as copyIn.
func (env *Env) copyOut(va addr.Virt, data []byte) error {
	if !env.SUM {
		return errors.New("syscall: user memory access with SUM clear")
	}

	n := uint32(len(data))

	var off uint32
	for off < n {
		chunk, pa, err := env.pageChunk(va, off, n)
		if err != nil {
			return err
		}

		copy(env.RAM.Bytes(pa, chunk), data[off:off+chunk])
		off += chunk
	}

	return nil
}

// pageChunk walks va+off and returns how many bytes remain in that page (bounded by n-off) and
// the physical address they start at, so a multi-page copy can iterate page by page.
func (env *Env) pageChunk(va addr.Virt, off, n uint32) (chunk uint32, pa addr.Phys, err error) {
	cur := va.Add(off)

	resolved, err := env.PT.Walk(env.Root, addr.Virt(uint32(cur)-cur.Offset()))
	if err != nil {
		return 0, 0, err
	}

	pa = resolved.Add(cur.Offset())

	chunk = addr.PageSize - cur.Offset()
	if chunk > n-off {
		chunk = n - off
	}

	return chunk, pa, nil
}

func (env *Env) copyInString(va addr.Virt, n uint32) (string, error) {
	b, err := env.copyIn(va, n)
	if err != nil {
		return "", err
	}

	return string(b), nil
}
