// Package userproc stands in for a compiled RV32 user binary: it provides the syscall stub
// functions a user library exposes (put_byte/get_char/exit/readfile/writefile in the original),
// a Context carrying what those stubs need to reach the kernel, and the Program type -- a Go
// closure that Run invokes in place of jumping to a real _start.
package userproc

import (
	"fmt"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/pagetable"
	"github.com/sv32k/kernel/internal/ram"
	"github.com/sv32k/kernel/internal/syscall"
	"github.com/sv32k/kernel/internal/trapframe"
)

// Program is a user process's entire body: a Go closure, run through Run (kernel.Kernel.Boot
// runs the initial process's Program on its own goroutine), communicating with the kernel
// exclusively through the syscall stubs below, the same way a compiled binary would only reach
// the kernel through ecall.
type Program func(ctx *Context)

// Context bundles what the syscall stubs need to reach the kernel on a Program's behalf: the
// syscall environment, and a scratch region of the process's own mapped memory used to stage
// (name, buffer) arguments the same way a real program stages them on its own stack before
// trapping in.
type Context struct {
	Env  *syscall.Env
	RAM  *ram.RAM
	PT   *pagetable.Root
	Root *pagetable.Table

	// Scratch is the base virtual address of a page mapped RW+U in this process's own address
	// space, reserved for staging syscall arguments. The first 256 bytes hold a filename, the
	// rest a data buffer.
	Scratch addr.Virt
}

const scratchBufOffset = 256

// stage copies data into the scratch region at off and returns its virtual address -- standing
// in for a user program writing to its own stack before an ecall.
func (c *Context) stage(off uint32, data []byte) addr.Virt {
	va := c.Scratch.Add(off)

	pa, err := c.PT.Walk(c.Root, va)
	if err != nil {
		panic(fmt.Sprintf("userproc: scratch region not mapped: %v", err))
	}

	copy(c.RAM.Bytes(pa, uint32(len(data))), data)

	return va
}

func (c *Context) unstage(va addr.Virt, n int) []byte {
	pa, err := c.PT.Walk(c.Root, va)
	if err != nil {
		panic(fmt.Sprintf("userproc: scratch region not mapped: %v", err))
	}

	out := make([]byte, n)
	copy(out, c.RAM.Bytes(pa, uint32(n)))

	return out
}

func dispatch(env *syscall.Env, number uint32, a0, a1, a2, a3 uint32) uint32 {
	f := &trapframe.Frame{}
	f.A[7] = number
	f.A[0], f.A[1], f.A[2], f.A[3] = a0, a1, a2, a3

	syscall.Dispatch(f, env)

	return f.A[0]
}

// Putbyte writes a byte to the debug console. It returns an error if the underlying SBI call
// fails, mirroring put_byte's Result.
func Putbyte(ctx *Context, b byte) error {
	result := dispatch(ctx.Env, syscall.Putbyte, uint32(b), 0, 0, 0)
	if result != 0 {
		return fmt.Errorf("userproc: putbyte failed: code %d", int32(result))
	}

	return nil
}

// Getchar reads the next byte from the console, blocking (via the kernel's internal yield loop)
// until one is available.
func Getchar(ctx *Context) byte {
	return byte(dispatch(ctx.Env, syscall.Getchar, 0, 0, 0, 0))
}

// ExitSignal is the sentinel a Program's invoker recovers to unwind a process's closure after
// SYS_EXIT, mirroring "does not return": Go has no literal non-returning call, so Exit marks the
// PCB Exited via the syscall and then panics with this sentinel instead of returning control to
// the Program body.
type ExitSignal struct{}

// Exit terminates the current process. It never returns.
func Exit(ctx *Context) {
	dispatch(ctx.Env, syscall.Exit, 0, 0, 0, 0)
	panic(ExitSignal{})
}

// Run invokes program to completion, recovering the ExitSignal panic Exit raises so that a
// caller doesn't need to special-case process termination.
func Run(program Program, ctx *Context) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(ExitSignal); !ok {
				panic(r)
			}
		}
	}()

	program(ctx)
}

// Readfile copies up to len(buf) bytes of name's contents into buf and returns the count read,
// or -1 if the file doesn't exist.
func Readfile(ctx *Context, name string, buf []byte) int {
	nameVA := ctx.stage(0, []byte(name))
	bufVA := ctx.Scratch.Add(scratchBufOffset)

	result := dispatch(ctx.Env, syscall.Readfile, uint32(nameVA), uint32(len(name)), uint32(bufVA), uint32(len(buf)))
	if result == syscall.NotFound {
		return -1
	}

	copy(buf, ctx.unstage(bufVA, int(result)))

	return int(result)
}

// Writefile overwrites name's contents with data, or returns false if the file doesn't exist.
func Writefile(ctx *Context, name string, data []byte) bool {
	nameVA := ctx.stage(0, []byte(name))
	bufVA := ctx.stage(scratchBufOffset, data)

	result := dispatch(ctx.Env, syscall.Writefile, uint32(nameVA), uint32(len(name)), uint32(bufVA), uint32(len(data)))

	return result != syscall.NotFound
}
