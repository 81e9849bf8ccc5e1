package monitor

import (
	"testing"

	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/sched"
	"github.com/sv32k/kernel/internal/trapframe"
)

func TestDispatchUnknownCauseReportsFalse(t *testing.T) {
	table := NewTable()

	ok := table.Dispatch(sched.Cause(0xdead), &trapframe.Frame{}, new(uint32))
	if ok {
		t.Error("Dispatch should report false for an unregistered cause")
	}
}

func TestRegisteredECallVectorAdvancesSEPC(t *testing.T) {
	fw := sbi.NewMemory()

	table := NewTable()
	table.Register(Vector{
		Name:  "ecall",
		Cause: sched.CauseECall,
		Handler: func(frame *trapframe.Frame, sepc *uint32) {
			fw.PutChar(byte(frame.A[0]))
			*sepc += 4
		},
	})

	frame := &trapframe.Frame{}
	frame.A[0] = uint32('A')

	sepc := uint32(0x3000)

	if ok := table.Dispatch(sched.CauseECall, frame, &sepc); !ok {
		t.Fatal("Dispatch reported false for a registered cause")
	}

	if sepc != 0x3004 {
		t.Errorf("sepc = %#x, want %#x", sepc, 0x3004)
	}

	if string(fw.Output()) != "A" {
		t.Errorf("console output = %q, want %q", fw.Output(), "A")
	}
}
