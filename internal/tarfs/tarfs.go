// Package tarfs loads a ustar archive into a fixed-capacity in-RAM file table and flushes it
// back out on write, standing in for the kernel's tar-backed filesystem over virtio-blk.
package tarfs

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/sv32k/kernel/internal/blockdev"
	"github.com/sv32k/kernel/internal/log"
)

// ErrNotFound names the condition of no file matching the requested name by exact bytewise
// comparison. Lookup itself reports a miss with a false result, not with this error.
var ErrNotFound = errors.New("tarfs: file not found")

// File is one entry in the table: a name and a data buffer sized at load time from the archive
// record's declared size. Write replaces the buffer with a larger one when data does not fit.
type File struct {
	Name string
	data []byte
	size int // number of valid bytes in data; data itself never shrinks.
}

// Read copies up to len(buf) bytes of the file's contents into buf and returns the count
// actually copied. A short read (buf longer than the file) is not zero-padded: it simply
// returns fewer bytes, matching spec's resolved open question on short reads.
func (f *File) Read(buf []byte) int {
	n := copy(buf, f.data[:f.size])
	return n
}

// Write overwrites the file's contents with data. Data that fits the current buffer is copied
// into it in place; longer data replaces the buffer with a new one sized to fit. Either way a
// following read of the same length returns data.
func (f *File) Write(data []byte) {
	if len(data) > cap(f.data) {
		grown := make([]byte, len(data))
		copy(grown, data)
		f.data = grown
	} else {
		f.data = f.data[:cap(f.data)]
		copy(f.data, data)
	}

	f.size = len(data)
}

// Table is the in-RAM file table loaded from one ustar archive.
type Table struct {
	files []*File
	dev   *blockdev.Device
	log   *log.Logger
}

// Load parses a ustar archive from dev's disk image into a fresh Table.
func Load(dev *blockdev.Device) (*Table, error) {
	t := &Table{
		dev: dev,
		log: log.DefaultLogger(),
	}

	r := tar.NewReader(bytes.NewReader(dev.Bytes()))

	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("tarfs: reading archive: %w", err)
		}

		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("tarfs: reading %s: %w", hdr.Name, err)
		}

		t.files = append(t.files, &File{
			Name: hdr.Name,
			data: data,
			size: len(data),
		})
	}

	t.log.Info("loaded tar filesystem", "files", len(t.files))

	return t, nil
}

// Lookup finds a file by exact bytewise name match.
func (t *Table) Lookup(name string) (*File, bool) {
	for _, f := range t.files {
		if f.Name == name {
			return f, true
		}
	}

	return nil, false
}

// Flush re-serializes every file as a ustar archive and writes it back to the block device,
// standing in for fs_flush writing the whole tar image after a WRITEFILE.
func (t *Table) Flush() error {
	var buf bytes.Buffer

	w := tar.NewWriter(&buf)

	for _, f := range t.files {
		hdr := &tar.Header{
			Name:     f.Name,
			Size:     int64(f.size),
			Mode:     0o644,
			Typeflag: tar.TypeReg,
		}

		if err := w.WriteHeader(hdr); err != nil {
			return fmt.Errorf("tarfs: writing header for %s: %w", f.Name, err)
		}

		if _, err := w.Write(f.data[:f.size]); err != nil {
			return fmt.Errorf("tarfs: writing data for %s: %w", f.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("tarfs: closing archive: %w", err)
	}

	t.dev.WriteImage(buf.Bytes())

	return nil
}
