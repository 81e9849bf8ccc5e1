package userproc

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/sv32k/kernel/internal/addr"
	"github.com/sv32k/kernel/internal/blockdev"
	"github.com/sv32k/kernel/internal/pagetable"
	"github.com/sv32k/kernel/internal/proc"
	"github.com/sv32k/kernel/internal/ram"
	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/syscall"
	"github.com/sv32k/kernel/internal/tarfs"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := tar.NewWriter(&buf)

	for name, data := range files {
		hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644, Typeflag: tar.TypeReg}
		if err := w.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}

		if _, err := w.Write([]byte(data)); err != nil {
			t.Fatal(err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	return buf.Bytes()
}

func newTestContext(t *testing.T, files map[string]string) (*Context, *sbi.Memory) {
	t.Helper()

	r := ram.New(4 * 1024 * 1024)
	alloc := ram.NewAllocator(r, addr.Phys(0x1000000), addr.Phys(0x2000000))
	pt := pagetable.NewRoot(r, alloc)

	layout := proc.Layout{
		KernelBase:     addr.Phys(0x80000000),
		FreeRAMStart:   addr.Phys(0x80010000),
		FreeRAMEnd:     addr.Phys(0x80020000),
		VirtioMMIOBase: addr.Phys(0x10001000),
		UserBase:       addr.Virt(0x01000000),
	}

	table := proc.NewTable(r, alloc, pt, layout)

	p, err := table.CreateProcess(0, ShellImage)
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	root := pt.RootTable(p.Root)

	scratchPA := alloc.AllocPage()
	scratchVA := layout.UserBase.Add(addr.AlignUp(uint32(len(ShellImage))))

	if err := pt.MapPage(root, scratchVA, scratchPA, pagetable.FlagR|pagetable.FlagW|pagetable.FlagU); err != nil {
		t.Fatalf("mapping scratch page: %v", err)
	}

	dev := blockdev.NewMemory(buildArchive(t, files))

	fs, err := tarfs.Load(dev)
	if err != nil {
		t.Fatalf("tarfs.Load: %v", err)
	}

	fw := sbi.NewMemory()

	env := &syscall.Env{
		Firmware: fw,
		FS:       fs,
		PT:       pt,
		Root:     root,
		SUM:      true,
		RAM:      r,
	}

	return &Context{Env: env, RAM: r, PT: pt, Root: root, Scratch: scratchVA}, fw
}

func TestPutbyteGetcharRoundTrip(t *testing.T) {
	ctx, fw := newTestContext(t, nil)

	if err := Putbyte(ctx, 'Q'); err != nil {
		t.Fatalf("Putbyte: %v", err)
	}

	if string(fw.Output()) != "Q" {
		t.Errorf("console output = %q, want %q", fw.Output(), "Q")
	}

	fw.Feed('R')

	if got := Getchar(ctx); got != 'R' {
		t.Errorf("Getchar = %q, want %q", got, 'R')
	}
}

func TestWritefileThenReadfile(t *testing.T) {
	ctx, _ := newTestContext(t, map[string]string{"meow.txt": "old"})

	if !Writefile(ctx, "meow.txt", []byte("Hello from the shell!")) {
		t.Fatal("Writefile reported missing file")
	}

	buf := make([]byte, 64)
	n := Readfile(ctx, "meow.txt", buf)

	if n != len("Hello from the shell!") {
		t.Fatalf("Readfile n = %d, want %d", n, len("Hello from the shell!"))
	}

	if string(buf[:n]) != "Hello from the shell!" {
		t.Errorf("Readfile content = %q", buf[:n])
	}
}

func TestReadfileMissingReturnsNegativeOne(t *testing.T) {
	ctx, _ := newTestContext(t, nil)

	buf := make([]byte, 16)
	if n := Readfile(ctx, "nope.txt", buf); n != -1 {
		t.Errorf("Readfile = %d, want -1", n)
	}
}

func TestExitPanicsWithSentinelAndRunRecovers(t *testing.T) {
	ctx, _ := newTestContext(t, nil)

	ran := false

	Run(func(ctx *Context) {
		ran = true
		Exit(ctx)
		t.Fatal("unreachable after Exit")
	}, ctx)

	if !ran {
		t.Fatal("expected program body to run")
	}
}

func TestShellHelloWritefileReadfileExit(t *testing.T) {
	ctx, fw := newTestContext(t, map[string]string{"hello.txt": "Hello from the shell!\n"})

	feedLine(fw, "hello")
	feedLine(fw, "writefile")
	feedLine(fw, "readfile")
	feedLine(fw, "exit")

	Run(ShellProgram, ctx)

	out := string(fw.Output())

	if !bytes.Contains([]byte(out), []byte("Hello world from the shell!")) {
		t.Errorf("output missing hello greeting: %q", out)
	}

	if !bytes.Contains([]byte(out), []byte("Hello from the shell!")) {
		t.Errorf("output missing readfile contents: %q", out)
	}
}

func feedLine(fw *sbi.Memory, s string) {
	fw.Feed([]byte(s)...)
	fw.Feed('\r')
}
