package proc

import (
	"testing"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/pagetable"
	"github.com/sv32k/kernel/internal/ram"
	"github.com/sv32k/kernel/internal/trapframe"
)

func newTestTable(t *testing.T) *Table {
	t.Helper()

	r := ram.New(4 * 1024 * 1024)
	alloc := ram.NewAllocator(r, addr.Phys(0x1000000), addr.Phys(0x2000000))
	pt := pagetable.NewRoot(r, alloc)

	layout := Layout{
		KernelBase:     addr.Phys(0x80000000),
		FreeRAMStart:   addr.Phys(0x80010000),
		FreeRAMEnd:     addr.Phys(0x80020000),
		VirtioMMIOBase: addr.Phys(0x10001000),
		UserBase:       addr.Virt(0x01000000),
	}

	return NewTable(r, alloc, pt, layout)
}

func TestCreateProcessKernel(t *testing.T) {
	tbl := newTestTable(t)

	p, err := tbl.CreateProcess(addr.Virt(0x80001234), nil)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	if p.PID != 1 {
		t.Fatalf("PID = %d, want 1", p.PID)
	}

	if p.State != Runnable {
		t.Fatalf("State = %v, want Runnable", p.State)
	}

	img, _ := trapframe.PopParked(p.Stack[:], p.SP)

	if img.RA != 0x80001234 {
		t.Errorf("RA = %#x, want entry pc", img.RA)
	}

	if img.SStatus&sstatusSUM != 0 {
		t.Errorf("kernel process must not have SUM set")
	}
}

func TestCreateProcessUser(t *testing.T) {
	tbl := newTestTable(t)

	image := make([]byte, 128)
	p, err := tbl.CreateProcess(0, image)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	img, _ := trapframe.PopParked(p.Stack[:], p.SP)

	if img.SEPC != uint32(tbl.layout.UserBase) {
		t.Errorf("SEPC = %#x, want UserBase %#x", img.SEPC, tbl.layout.UserBase)
	}

	if img.SStatus&sstatusSUM == 0 {
		t.Errorf("user process must have SUM set")
	}
}

func TestCreateProcessExhaustsTable(t *testing.T) {
	tbl := newTestTable(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on table exhaustion")
		}
	}()

	for i := 0; i < NumSlots+1; i++ {
		_, _ = tbl.CreateProcess(addr.Virt(0x1000), nil)
	}
}

func TestSwitchContextSkipsFenceWhenSATPUnchanged(t *testing.T) {
	tbl := newTestTable(t)

	sharedSATP := uint32(0xdeadbeef)

	var a, b Process
	a.Stack = [StackWords]uint32{}
	b.Stack = [StackWords]uint32{}
	b.SP = trapframe.ParkedImage{SATP: sharedSATP}.Push(b.Stack[:], uint32(len(b.Stack)))

	cpu := &CPUState{SATP: sharedSATP}

	before := pagetable.SfenceVMACount()

	SwitchContext(tbl.pt, cpu, &a, trapframe.ParkedImage{SATP: sharedSATP}, &b)

	if pagetable.SfenceVMACount() != before {
		t.Errorf("fence count changed from %d to %d, want no fence when satp unchanged",
			before, pagetable.SfenceVMACount())
	}

	if cpu.SATP != sharedSATP {
		t.Errorf("SATP = %#x, want unchanged %#x", cpu.SATP, sharedSATP)
	}
}

func TestSwitchContextFencesWhenSATPChanges(t *testing.T) {
	tbl := newTestTable(t)

	var a, b Process
	b.SP = trapframe.ParkedImage{SATP: 0x1111}.Push(b.Stack[:], uint32(len(b.Stack)))

	cpu := &CPUState{SATP: 0x2222}

	before := pagetable.SfenceVMACount()

	SwitchContext(tbl.pt, cpu, &a, trapframe.ParkedImage{SATP: cpu.SATP}, &b)

	if pagetable.SfenceVMACount() != before+1 {
		t.Errorf("expected exactly one fence when satp changes")
	}

	if cpu.SATP != 0x1111 {
		t.Errorf("SATP = %#x, want 0x1111", cpu.SATP)
	}
}
