package ufsfs

import (
	"os"

	"golang.org/x/xerrors"
)

// Device is the block-addressed view of the backing disk-image file. It
// keeps a single open *os.File for the lifetime of the mount, in the
// manner of diskfs-go-diskfs's file backend, rather than the original C
// program's open/seek/read-or-write/close-per-call pattern: a Go process
// already owns the file descriptor exclusively for as long as the
// filesystem is mounted, so reopening on every block access would only
// add syscalls without buying any extra safety.
type Device struct {
	f *os.File
}

// OpenDevice opens the disk image at path for reading and writing.
func OpenDevice(path string) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("opening disk image: %w", err)
	}
	return &Device{f: f}, nil
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.f.Close()
}

// ReadBlock reads block number n into a freshly allocated BlockSize buffer.
func (d *Device) ReadBlock(n int64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if _, err := d.f.ReadAt(buf, n*BlockSize); err != nil {
		return nil, &Error{Kind: KindIO, Op: "read_block", Err: xerrors.Errorf("block %d: %w", n, err)}
	}
	return buf, nil
}

// WriteBlock writes buf (which must be exactly BlockSize bytes) to block
// number n.
func (d *Device) WriteBlock(n int64, buf []byte) error {
	if len(buf) != BlockSize {
		return &Error{Kind: KindInvalid, Op: "write_block", Err: xerrors.Errorf("buffer is %d bytes, want %d", len(buf), BlockSize)}
	}
	if _, err := d.f.WriteAt(buf, n*BlockSize); err != nil {
		return &Error{Kind: KindIO, Op: "write_block", Err: xerrors.Errorf("block %d: %w", n, err)}
	}
	return nil
}
