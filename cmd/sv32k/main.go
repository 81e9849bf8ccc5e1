// sv32k is the command-line interface to the kernel simulator: a preemptive, RISC-V sv32
// teaching kernel modeled on QEMU's virt machine and OpenSBI firmware.
package main

import (
	"context"
	"os"

	"github.com/sv32k/kernel/internal/cli"
	"github.com/sv32k/kernel/internal/cli/cmd"
)

var commands = []cli.Command{
	cmd.Boot(),
	cmd.Executor(),
}

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
