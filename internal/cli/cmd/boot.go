package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sv32k/kernel/internal/cli"
	"github.com/sv32k/kernel/internal/kernel"
	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/tty"
)

// Boot is the command that boots the simulated machine and runs the embedded shell against a
// console.
func Boot() cli.Command {
	return &boot{timeout: 5 * time.Minute}
}

type boot struct {
	diskFile string
	headless bool
	timeout  time.Duration
}

func (boot) Description() string {
	return "boot the kernel and run the shell"
}

func (b boot) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
boot [ -disk FILE | -headless | -timeout DURATION ]

Boot the simulated machine and run the embedded shell against a console. By default, the
console is the calling terminal in raw mode; -headless drives the shell from stdin/stdout
instead, for scripted use.`)

	return err
}

func (b *boot) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("boot", flag.ExitOnError)

	fs.StringVar(&b.diskFile, "disk", "", "path to a file-backed disk image (persists writefile across boots)")
	fs.BoolVar(&b.headless, "headless", false, "drive the shell from stdin/stdout instead of a raw terminal")
	fs.DurationVar(&b.timeout, "timeout", b.timeout, "maximum time to run before halting")

	return fs
}

func (b *boot) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	opts := []kernel.OptionFn{kernel.WithLogger(logger)}

	if b.diskFile != "" {
		opts = append(opts, kernel.WithDiskFile(b.diskFile))
	}

	var cleanupConsole func()

	if !b.headless {
		consoleCtx, console, cancelConsole := tty.WithConsole(ctx)

		if console != nil {
			ctx = consoleCtx
			cleanupConsole = cancelConsole
			opts = append(opts, kernel.WithFirmware(console))
		} else {
			logger.Warn("stdin is not a terminal; falling back to headless mode")
			cancelConsole()
		}
	}

	if cleanupConsole == nil {
		opts = append(opts, kernel.WithFirmware(newStreamFirmware(os.Stdin, out)))
	} else {
		defer cleanupConsole()
	}

	k := kernel.New(opts...)
	defer k.Close()

	logger.Info("booting")

	err := k.Boot(ctx)

	switch {
	case err == nil:
		logger.Info("shell exited")
		return 0
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("boot timeout")
		return 0
	default:
		logger.Error(err.Error())
		return 1
	}
}

// streamFirmware adapts a plain io.Reader/io.Writer pair to sbi.Firmware for headless, scripted
// use: every byte read from in is queued for GetChar, and PutChar writes straight through to
// out.
type streamFirmware struct {
	*sbi.Memory

	out io.Writer
}

func newStreamFirmware(in io.Reader, out io.Writer) *streamFirmware {
	f := &streamFirmware{Memory: sbi.NewMemory(), out: out}

	go f.pump(in)

	return f
}

func (f *streamFirmware) pump(in io.Reader) {
	buf := make([]byte, 256)

	for {
		n, err := in.Read(buf)
		if n > 0 {
			f.Feed(buf[:n]...)
		}

		if err != nil {
			return
		}
	}
}

func (f *streamFirmware) PutChar(b byte) int32 {
	if _, err := f.out.Write([]byte{b}); err != nil {
		return -1
	}

	return 0
}
