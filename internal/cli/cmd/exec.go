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
)

// Executor runs the kernel headlessly against a given disk image, driving the shell from stdin
// and writing console output to stdout -- intended for scripted use. Its argument is the path
// of a tar-format disk image.
func Executor() cli.Command {
	ex := &executor{log: log.DefaultLogger(), timeout: 10 * time.Second}
	return ex
}

type executor struct {
	timeout time.Duration
	log     *log.Logger
}

func (executor) Description() string {
	return "run the shell headlessly against a disk image"
}

func (executor) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `exec disk.tar

Runs the shell headlessly, preloaded with the given tar-format disk image, reading commands
from stdin and writing console output to stdout.`)

	return err
}

func (ex *executor) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	fs.DurationVar(&ex.timeout, "timeout", ex.timeout, "maximum time to run before halting")

	return fs
}

// Run executes the shell against the disk image named by args[0].
func (ex *executor) Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int {
	if len(args) == 0 {
		logger.Error("exec: missing disk image argument")
		return 1
	}

	image, err := ex.loadImage(args[0])
	if err != nil {
		logger.Error("Error loading disk image", "err", err)
		return 1
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	ctx, cancelTimeout := context.WithTimeout(ctx, ex.timeout)
	defer cancelTimeout()

	logger.Debug("Initializing kernel")

	k := kernel.New(
		kernel.WithLogger(logger),
		kernel.WithDiskImage(image),
		kernel.WithFirmware(newStreamFirmware(os.Stdin, out)),
	)
	defer k.Close()

	logger.Info("Starting kernel")

	err = k.Boot(ctx)

	switch {
	case err == nil:
		logger.Info("Program completed")
		return 0
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error("Exec timeout!")
		return 2
	default:
		logger.Error("Program error", "err", err)
		return 2
	}
}

func (ex executor) loadImage(fn string) ([]byte, error) {
	ex.log.Debug("Loading disk image", "file", fn)

	file, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}

	ex.log.Debug("Loaded disk image", "bytes", len(image))

	return image, nil
}
