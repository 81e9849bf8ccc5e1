package userproc

// EchoProgram is a minimal alternative to ShellProgram: it echoes every byte it reads back to
// the console, terminating on Ctrl-D (0x04). It exists mainly as a second concrete Program,
// demonstrating that a Program is pluggable independent of the shell.
func EchoProgram(ctx *Context) {
	for {
		b := Getchar(ctx)

		if b == 0x04 {
			Exit(ctx)
		}

		_ = Putbyte(ctx, b)
	}
}
