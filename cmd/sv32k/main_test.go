package main_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/sv32k/kernel/internal/kernel"
	"github.com/sv32k/kernel/internal/sbi"
)

func TestShellBootsRunsAndExits(t *testing.T) {
	fw := sbi.NewMemory()
	fw.Feed([]byte("hello")...)
	fw.Feed('\r')
	fw.Feed([]byte("exit")...)
	fw.Feed('\r')

	k := kernel.New(kernel.WithFirmware(fw))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := k.Boot(ctx); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	if !bytes.Contains(fw.Output(), []byte("Hello world from the shell!")) {
		t.Errorf("console output missing shell greeting: %q", fw.Output())
	}
}
