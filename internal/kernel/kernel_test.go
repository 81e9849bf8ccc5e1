package kernel

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/sched"
	"github.com/sv32k/kernel/internal/trapframe"
	"github.com/sv32k/kernel/internal/userproc"
)

func TestBootRunsShellToExit(t *testing.T) {
	fw := sbi.NewMemory()
	fw.Feed([]byte("hello")...)
	fw.Feed('\r')
	fw.Feed([]byte("exit")...)
	fw.Feed('\r')

	k := New(WithFirmware(fw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := k.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if !bytes.Contains(fw.Output(), []byte("Hello world from the shell!")) {
		t.Errorf("console output = %q, missing shell greeting", fw.Output())
	}
}

func TestBootLoadsDefaultDiskImage(t *testing.T) {
	fw := sbi.NewMemory()
	fw.Feed([]byte("readfile")...)
	fw.Feed('\r')
	fw.Feed([]byte("exit")...)
	fw.Feed('\r')

	k := New(WithFirmware(fw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := k.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if !bytes.Contains(fw.Output(), []byte("Hello from the shell!")) {
		t.Errorf("console output = %q, missing hello.txt contents", fw.Output())
	}
}

func TestHandleTrapECallAdvancesSEPC(t *testing.T) {
	fw := sbi.NewMemory()
	k := New(WithFirmware(fw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fw.Feed('\r') // an empty first line; the exit line after it ends the shell so Boot returns
	fw.Feed([]byte("exit")...)
	fw.Feed('\r')

	if err := k.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	frame := &trapframe.Frame{}
	frame.A[7] = 1 // PUTBYTE
	frame.A[0] = uint32('Z')

	sepc := uint32(0x1000)

	k.HandleTrap(frame, &sepc, sched.CauseECall)

	if sepc != 0x1004 {
		t.Errorf("sepc = %#x, want %#x", sepc, 0x1004)
	}

	if !bytes.Contains(fw.Output(), []byte("Z")) {
		t.Errorf("console output = %q, missing dispatched byte", fw.Output())
	}
}

func TestBootRunsEchoProgram(t *testing.T) {
	fw := sbi.NewMemory()
	fw.Feed([]byte("hi")...)
	fw.Feed(0x04) // Ctrl-D

	k := New(WithFirmware(fw), WithProgram(userproc.EchoProgram))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := k.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if !bytes.Equal(fw.Output(), []byte("hi")) {
		t.Errorf("console output = %q, want %q", fw.Output(), "hi")
	}
}

func TestBootStepsRegisteredKernelProcessUnderRotation(t *testing.T) {
	fw := sbi.NewMemory()

	stepped := make(chan struct{}, 8)

	k := New(WithFirmware(fw), WithKernelProcess(func() bool {
		select {
		case stepped <- struct{}{}:
		default:
		}

		return true
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bootErr := make(chan error, 1)

	go func() { bootErr <- k.Boot(ctx) }()

	select {
	case <-stepped:
	case <-time.After(3 * time.Second):
		t.Fatal("registered kernel process body never ran under round-robin rotation")
	}

	fw.Feed([]byte("exit")...)
	fw.Feed('\r')

	if err := <-bootErr; err != nil {
		t.Fatalf("Boot: %v", err)
	}
}

func TestHandleTrapUnknownCausePanics(t *testing.T) {
	fw := sbi.NewMemory()
	k := New(WithFirmware(fw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fw.Feed([]byte("exit")...)
	fw.Feed('\r')

	if err := k.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	sepc := uint32(0)
	k.HandleTrap(&trapframe.Frame{}, &sepc, sched.Cause(0xbad))

	if !k.Hart.Halted {
		t.Error("expected Hart.Halted after unknown trap cause")
	}
}
