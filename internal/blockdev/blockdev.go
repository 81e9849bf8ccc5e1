// Package blockdev simulates a legacy virtio-blk MMIO device: the fixed register set a real
// driver would poll and poke, backing either an in-memory disk image or a file-backed one.
package blockdev

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/sv32k/kernel/internal/log"
)

// Register offsets within the legacy virtio-mmio page, named exactly as a real driver would
// reference them.
const (
	MagicValue  = 0x000
	Version     = 0x004
	DeviceID    = 0x008
	QueueSel    = 0x030
	QueueNotify = 0x050
	Status      = 0x070
)

// MagicValueVirt is the fixed magic value real virtio-mmio devices report ("virt" in ASCII).
const MagicValueVirt = 0x74726976

// legacy virtio-mmio version and the block device's device ID.
const (
	VersionLegacy = 1
	DeviceIDBlock = 2
)

// Device simulates the register set and backing store of a single virtio-blk device.
type Device struct {
	mu sync.Mutex

	regs map[uint32]uint32
	disk []byte

	file *os.File // non-nil when backed by an on-disk image
	log  *log.Logger
}

// NewMemory creates an in-memory-backed block device preloaded with image.
func NewMemory(image []byte) *Device {
	disk := make([]byte, len(image))
	copy(disk, image)

	return &Device{
		regs: defaultRegs(),
		disk: disk,
		log:  log.DefaultLogger(),
	}
}

// OpenFile creates a block device backed by an on-disk file, reading its current contents as
// the initial image. The file is kept open for the device's lifetime so Flush can lock and
// rewrite it.
func OpenFile(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
	}

	disk := make([]byte, info.Size())
	if _, err := f.ReadAt(disk, 0); err != nil && info.Size() > 0 {
		f.Close()
		return nil, fmt.Errorf("blockdev: reading %s: %w", path, err)
	}

	return &Device{
		regs: defaultRegs(),
		disk: disk,
		file: f,
		log:  log.DefaultLogger(),
	}, nil
}

func defaultRegs() map[uint32]uint32 {
	return map[uint32]uint32{
		MagicValue: MagicValueVirt,
		Version:    VersionLegacy,
		DeviceID:   DeviceIDBlock,
	}
}

// Load reads a register at the given MMIO offset.
func (d *Device) Load(offset uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.regs[offset]
}

// Store writes a register at the given MMIO offset.
func (d *Device) Store(offset, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.regs[offset] = value
}

// Bytes returns a copy of the current disk image; later writes to the device do not change it.
func (d *Device) Bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, len(d.disk))
	copy(out, d.disk)

	return out
}

// WriteImage replaces the entire disk image, and, for a file-backed device, flushes it to disk
// under an advisory lock so that a concurrent writer can't interleave with the rewrite.
func (d *Device) WriteImage(image []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disk = append(d.disk[:0], image...)

	if d.file == nil {
		return nil
	}

	fd := int(d.file.Fd())

	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("blockdev: locking backing file: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	if err := d.file.Truncate(0); err != nil {
		return fmt.Errorf("blockdev: truncating backing file: %w", err)
	}

	if _, err := d.file.WriteAt(d.disk, 0); err != nil {
		return fmt.Errorf("blockdev: writing backing file: %w", err)
	}

	return d.file.Sync()
}

// Close releases the backing file, if any.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}

	return d.file.Close()
}
