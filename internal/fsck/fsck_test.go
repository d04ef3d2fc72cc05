package fsck

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nimitzc/ufs/internal/ufsfs"
)

func newTestFS(t *testing.T) *ufsfs.FS {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fsck.img")
	const blocks = 2000
	if err := ufsfs.Format(path, blocks*ufsfs.BlockSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	dev, err := ufsfs.OpenDevice(path)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	fs, err := ufsfs.Mount(dev)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestCheckCleanOnFreshImage(t *testing.T) {
	fs := newTestFS(t)
	report, err := Check(context.Background(), fs)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("fresh image reported mismatches: %v", report.MismatchedBlocks)
	}
}

func TestCheckCleanAfterMutations(t *testing.T) {
	fs := newTestFS(t)
	if err := fs.Mkdir("/docs"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := fs.Mknod("/docs/a.txt"); err != nil {
		t.Fatalf("Mknod: %v", err)
	}
	data := make([]byte, ufsfs.MaxBlockPayload*2+10)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := fs.Write("/docs/a.txt", 0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	report, err := Check(context.Background(), fs)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected no mismatches after a normal mutation sequence, got %v", report.MismatchedBlocks)
	}
	if len(report.ShortChains) != 0 {
		t.Fatalf("expected no short chains, got %v", report.ShortChains)
	}

	if err := fs.Unlink("/docs/a.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := fs.Rmdir("/docs"); err != nil {
		t.Fatalf("Rmdir: %v", err)
	}
	report, err = Check(context.Background(), fs)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected no mismatches after removing everything, got %v", report.MismatchedBlocks)
	}
}
