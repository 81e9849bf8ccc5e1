// Termtest is a manual testing tool for the console's Unix terminal I/O. Lacking simple PTY
// support, running this tool by hand is easier than writing an automated test: it puts the
// terminal in raw mode, echoes every key pressed through the same sbi.Firmware interface the
// kernel uses, and exits after a 10-second idle timeout or when the console's reader stops.
package main

import (
	"context"
	"time"

	"github.com/sv32k/kernel/internal/log"
	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/tty"
)

var logger = log.DefaultLogger()

func main() {
	ctx := context.Background()

	ctx, console, cancel := tty.WithConsole(ctx)
	defer cancel()

	if console == nil {
		logger.Error("not a terminal; run the built binary directly, not via `go run`/`go test`")
		return
	}

	var fw sbi.Firmware = console

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	idle := time.NewTimer(10 * time.Second)
	defer idle.Stop()

	fw.PutChar('\r')
	fw.PutChar('\n')

	logger.Info("polling console; type keys, idle 10s to exit")

	for {
		select {
		case <-poll.C:
			if b, ok := fw.GetChar(); ok {
				idle.Reset(10 * time.Second)
				fw.PutChar(b)
			}
		case <-idle.C:
			logger.Info("idle timeout")
			return
		case <-ctx.Done():
			logger.Info("done", "cause", context.Cause(ctx))
			return
		}
	}
}
