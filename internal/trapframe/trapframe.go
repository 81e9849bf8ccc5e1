// Package trapframe defines the on-stack layouts shared by trap entry/exit and context switch:
// the 32-word trap frame pushed by a trap, and the 17-word parked image that represents a
// process that isn't currently running. Both layouts are bit-level contracts -- the word order
// below is exactly what spec callers index by offset, so changing field order here is a wire
// format change.
package trapframe

// FrameWords is the number of 32-bit words a trap frame occupies.
const FrameWords = 32

// Frame is the record of general-purpose registers saved at trap entry, in the exact order a
// trap-entry stub would push them: ra, gp, tp, t0-t6, a0-a7, s0-s11, sp, sscratch.
type Frame struct {
	RA, GP, TP uint32
	T          [7]uint32
	A          [8]uint32
	S          [12]uint32
	SP         uint32
	SScratch   uint32
}

// Push writes the frame onto stack at the word index sp, allocating FrameWords below it, and
// returns the new (lower) stack index.
func (f Frame) Push(stack []uint32, sp uint32) uint32 {
	sp -= FrameWords

	base := sp
	stack[base+0] = f.RA
	stack[base+1] = f.GP
	stack[base+2] = f.TP

	for i, v := range f.T {
		stack[base+3+uint32(i)] = v
	}

	for i, v := range f.A {
		stack[base+10+uint32(i)] = v
	}

	for i, v := range f.S {
		stack[base+18+uint32(i)] = v
	}

	stack[base+30] = f.SP
	stack[base+31] = f.SScratch

	return sp
}

// Pop reads a frame from stack at word index sp and returns it along with the stack index after
// deallocating the frame.
func Pop(stack []uint32, sp uint32) (Frame, uint32) {
	base := sp
	var f Frame

	f.RA = stack[base+0]
	f.GP = stack[base+1]
	f.TP = stack[base+2]

	for i := range f.T {
		f.T[i] = stack[base+3+uint32(i)]
	}

	for i := range f.A {
		f.A[i] = stack[base+10+uint32(i)]
	}

	for i := range f.S {
		f.S[i] = stack[base+18+uint32(i)]
	}

	f.SP = stack[base+30]
	f.SScratch = stack[base+31]

	return f, sp + FrameWords
}

// Enter performs trap entry's stack-selection and frame-push steps against the live sp/sscratch
// pair and the trapped process's kernel stack. Convention: sscratch holds the kernel-stack top
// while a user process runs, and zero while the kernel itself runs.
//
// It atomically swaps *sp and *sscratch. If the new *sp is zero, the trap came from the kernel
// and the kernel's own sp (the pre-swap value, now sitting in *sscratch) is restored in its
// place; otherwise the trap came from user mode and the new *sp is already the kernel stack.
// regs carries the live general-purpose registers the caller captured at trap time; Enter fills
// in its SP and SScratch slots (the pre-swap sp, and the kernel-stack top for a user-origin trap
// or zero for a kernel-origin one), pushes the completed frame onto stack, and zeroes *sscratch
// to mark "kernel is running". It returns the pushed frame and whether the trap originated in
// user mode.
func Enter(sp, sscratch *uint32, stack []uint32, regs Frame) (frame Frame, fromUser bool) {
	oldSP, oldScratch := *sp, *sscratch

	newSP := oldScratch
	fromUser = newSP != 0

	if !fromUser {
		newSP = oldSP
	}

	regs.SP = oldSP
	regs.SScratch = 0

	if fromUser {
		regs.SScratch = oldScratch
	}

	*sp = regs.Push(stack, newSP)
	*sscratch = 0

	return regs, fromUser
}

// Exit reverses Enter: it restores *sscratch and *sp from frame's saved slots, the same slots
// Enter populated, deallocating the trap frame by moving sp back past it. frame is the trap
// frame as the handler left it -- its SP/SScratch fields are untouched by syscall dispatch, so
// this restores exactly what Enter saved.
func Exit(sp, sscratch *uint32, frame Frame) {
	*sscratch = frame.SScratch
	*sp = frame.SP
}

// ParkedWords is the number of 32-bit words a parked process image occupies.
const ParkedWords = 17

// ParkedImage is the callee-saved context at the top of a non-running process's kernel stack:
// ra, s0-s11, sscratch, sepc, sstatus, satp, in that order.
type ParkedImage struct {
	RA       uint32
	S        [12]uint32
	SScratch uint32
	SEPC     uint32
	SStatus  uint32
	SATP     uint32
}

// Push writes the parked image onto stack at word index sp, allocating ParkedWords below it,
// and returns the new stack index -- the value that a PCB's sp field should hold.
func (img ParkedImage) Push(stack []uint32, sp uint32) uint32 {
	sp -= ParkedWords

	base := sp
	stack[base+0] = img.RA

	for i, v := range img.S {
		stack[base+1+uint32(i)] = v
	}

	stack[base+13] = img.SScratch
	stack[base+14] = img.SEPC
	stack[base+15] = img.SStatus
	stack[base+16] = img.SATP

	return sp
}

// PopParked reads a parked image from stack at word index sp and returns it along with the
// stack index after deallocating it.
func PopParked(stack []uint32, sp uint32) (ParkedImage, uint32) {
	base := sp

	var img ParkedImage
	img.RA = stack[base+0]

	for i := range img.S {
		img.S[i] = stack[base+1+uint32(i)]
	}

	img.SScratch = stack[base+13]
	img.SEPC = stack[base+14]
	img.SStatus = stack[base+15]
	img.SATP = stack[base+16]

	return img, sp + ParkedWords
}
