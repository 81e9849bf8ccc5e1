package userproc

import (
	_ "embed"
	"strings"
)

// ShellImage stands in for the original _binary_shell_bin_start/_size pair: the bytes a
// CreateProcess call maps into a user process's address space. Since this module's user
// processes run as Go closures rather than interpreted RV32 code, the image itself is never
// executed -- it only occupies the mapped pages, and ShellProgram is what actually runs.
//
//go:embed shell_image.txt
var ShellImage []byte

func writeString(ctx *Context, s string) {
	for i := 0; i < len(s); i++ {
		_ = Putbyte(ctx, s[i])
	}
}

// ShellProgram is a Go re-expression of the embedded shell: a read-eval-print loop supporting
// hello, readfile, writefile, and exit, driven entirely through the userproc syscall stubs.
func ShellProgram(ctx *Context) {
	for {
		writeString(ctx, "> ")

		var line []byte

		for {
			b := Getchar(ctx)

			if b == '\r' {
				writeString(ctx, "\n")
				break
			}

			_ = Putbyte(ctx, b)
			line = append(line, b)
		}

		executeCommand(ctx, strings.TrimSpace(string(line)))
	}
}

func executeCommand(ctx *Context, cmd string) {
	switch cmd {
	case "hello":
		writeString(ctx, "Hello world from the shell!\n")

	case "exit":
		Exit(ctx)

	case "readfile":
		buf := make([]byte, 128)

		n := Readfile(ctx, "hello.txt", buf)
		if n < 0 {
			writeString(ctx, "could not read file contents\n")
			return
		}

		writeString(ctx, strings.TrimRight(string(buf[:n]), "\x00\r\n")+"\n")

	case "writefile":
		if !Writefile(ctx, "meow.txt", []byte("Hello from the shell!")) {
			writeString(ctx, "could not write file\n")
		}

	default:
		writeString(ctx, "unknown command: "+cmd+"\n")
	}
}
