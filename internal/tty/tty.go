// Package tty adapts a real Unix terminal to the kernel's firmware interface, so that the
// simulated SBI console can be driven interactively instead of headlessly.
package tty

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/sv32k/kernel/internal/sbi"
)

// Console is a serial console for the kernel simulated using Unix terminal I/O[^1]. It implements
// sbi.Firmware so it can be handed directly to the kernel in place of sbi.Memory.
//
// Keys pressed on the console are queued for GetChar. Bytes passed to PutChar are written to the
// terminal immediately.
//
// [1]: See: tty(4), termios(4).
type Console struct {
	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State

	keyCh chan byte
}

var _ sbi.Firmware = (*Console)(nil)

// ErrNoTTY is returned if standard input is not a terminal. In this case, asynchronous I/O is
// not supported by the console.
var ErrNoTTY error = errors.New("console: not a TTY")

// WithConsole creates a Console using the standard streams and starts its background reader.
// Calling the returned cancel restores the terminal state and stops the reader.
func WithConsole(parent context.Context) (context.Context, *Console, context.CancelFunc) {
	ctx, cause := context.WithCancelCause(parent)

	console, err := NewConsole(os.Stdin, os.Stdout)
	if err != nil {
		cause(err)
		return ctx, nil, func() { cause(err) }
	}

	go console.readTerminal(ctx, cause)

	return ctx, console, console.Restore
}

// NewConsole creates a Console using the provided streams. If the input stream is not a
// terminal, ErrNoTTY is returned. Callers are responsible for calling Restore to return the
// terminal to its initial state.
func NewConsole(sin, sout *os.File) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	cons := &Console{
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(sout, ""),
		state: saved,
		keyCh: make(chan byte, 16),
	}

	if err := cons.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return cons, nil
}

// PutChar implements sbi.Firmware by writing a byte to the terminal.
func (c *Console) PutChar(b byte) int32 {
	if _, err := fmt.Fprintf(c.out, "%c", b); err != nil {
		return -1
	}

	return 0
}

// GetChar implements sbi.Firmware with a non-blocking read from the key queue.
func (c *Console) GetChar() (byte, bool) {
	select {
	case b := <-c.keyCh:
		return b, true
	default:
		return 0, false
	}
}

// SetTimer is a no-op for the interactive console: the kernel's own internal/timer arms ticks,
// the console only renders console I/O.
func (c *Console) SetTimer(uint32, uint32) {}

// Restore returns the terminal to its initial state and unblocks any in-progress read.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIOs, err := unix.IoctlGetTermios(c.fd, ioctlGetTermios)
	if err != nil {
		return err
	}

	termIOs.Cc[unix.VMIN] = vmin
	termIOs.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, ioctlSetTermios, termIOs); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

// readTerminal reads bytes from the terminal and queues them for GetChar until ctx is done. If
// reading fails, cancel is called with the error.
func (c *Console) readTerminal(ctx context.Context, cancel context.CancelCauseFunc) {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			cancel(err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case c.keyCh <- b:
		}
	}
}
