// Package tty_test tries to test ttys.
//
// The test is skipped when stdin is not a terminal (ErrNoTTY). Notably, this includes when run with
// "go test" because it redirects tests' standard input/output streams. You can test it by building
// a test binary and running it directly:
//
//	$ go test -c && ./tty.test
package tty_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sv32k/kernel/internal/sbi"
	"github.com/sv32k/kernel/internal/tty"
)

type testHarness struct {
	*testing.T
}

const timeout = 100 * time.Millisecond

func (testHarness) Context() (context.Context, context.CancelFunc) {
	ctx := context.Background()
	return context.WithTimeoutCause(ctx, timeout, context.DeadlineExceeded)
}

func TestTerminal(tt *testing.T) {
	t := testHarness{tt}

	ctx, cancel := t.Context()
	defer cancel()

	ctx, console, cancelConsole := tty.WithConsole(ctx)
	defer cancelConsole()

	if err := context.Cause(ctx); errors.Is(err, tty.ErrNoTTY) {
		t.Skipf("error: %s", context.Cause(ctx))
		t.SkipNow()
	}

	var fw sbi.Firmware = console

	if code := fw.PutChar('!'); code != 0 {
		t.Errorf("PutChar returned %d, want 0", code)
	}

	pressed := make(chan struct{})

	go func() {
		defer close(pressed)

		for {
			if _, ok := fw.GetChar(); ok {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	select {
	case <-ctx.Done(): // Just wait.
	case <-pressed:
	}

	if err := ctx.Err(); err != nil && !errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		t.Errorf("cause: %s", context.Cause(ctx))
	}
}
