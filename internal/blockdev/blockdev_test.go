package blockdev

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDeviceReportsLegacyVirtioIdentity(t *testing.T) {
	d := NewMemory(nil)

	if got := d.Load(MagicValue); got != MagicValueVirt {
		t.Errorf("MagicValue = %#x, want %#x", got, MagicValueVirt)
	}

	if got := d.Load(DeviceID); got != DeviceIDBlock {
		t.Errorf("DeviceID = %d, want %d", got, DeviceIDBlock)
	}
}

func TestDeviceStoreLoadRoundTrip(t *testing.T) {
	d := NewMemory(nil)

	d.Store(QueueSel, 7)

	if got := d.Load(QueueSel); got != 7 {
		t.Errorf("QueueSel = %d, want 7", got)
	}
}

func TestWriteImageRoundTrip(t *testing.T) {
	d := NewMemory([]byte("initial"))

	if err := d.WriteImage([]byte("updated")); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}

	if string(d.Bytes()) != "updated" {
		t.Errorf("Bytes() = %q, want %q", d.Bytes(), "updated")
	}
}

func TestOpenFilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")

	d, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	if err := d.WriteImage([]byte("hello")); err != nil {
		t.Fatalf("WriteImage: %v", err)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile (reopen): %v", err)
	}
	defer reopened.Close()

	if string(reopened.Bytes()) != "hello" {
		t.Errorf("Bytes() after reopen = %q, want %q", reopened.Bytes(), "hello")
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("backing file missing: %v", err)
	}
}
