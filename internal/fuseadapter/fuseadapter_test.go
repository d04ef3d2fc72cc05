package fuseadapter

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/sirupsen/logrus"

	"github.com/nimitzc/ufs/internal/ufsfs"
)

func newTestAdapter(t *testing.T) *FileSystem {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapter.img")
	const blocks = 2000
	if err := ufsfs.Format(path, blocks*ufsfs.BlockSize); err != nil {
		t.Fatalf("Format: %v", err)
	}
	dev, err := ufsfs.OpenDevice(path)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	core, err := ufsfs.Mount(dev)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel) // keep test output quiet
	return New(core, log)
}

// This drives the fuseutil.FileSystem methods directly with fuseops.*Op
// values, the way jacobsa/fuse's own dispatcher would, without requiring
// an actual kernel FUSE mount.
func TestMkdirCreateWriteReadCycle(t *testing.T) {
	ctx := context.Background()
	fs := newTestAdapter(t)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "docs"}
	if err := fs.MkDir(ctx, mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	dirInode := mkdirOp.Entry.Child

	createOp := &fuseops.CreateFileOp{Parent: dirInode, Name: "a.txt"}
	if err := fs.CreateFile(ctx, createOp); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	fileInode := createOp.Entry.Child

	writeOp := &fuseops.WriteFileOp{Inode: fileInode, Offset: 0, Data: []byte("hello")}
	if err := fs.WriteFile(ctx, writeOp); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	readOp := &fuseops.ReadFileOp{Inode: fileInode, Offset: 0, Dst: make([]byte, 5)}
	if err := fs.ReadFile(ctx, readOp); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if readOp.BytesRead != 5 || !bytes.Equal(readOp.Dst[:readOp.BytesRead], []byte("hello")) {
		t.Fatalf("ReadFile: got %q (%d bytes), want \"hello\"", readOp.Dst[:readOp.BytesRead], readOp.BytesRead)
	}

	lookupOp := &fuseops.LookUpInodeOp{Parent: dirInode, Name: "a.txt"}
	if err := fs.LookUpInode(ctx, lookupOp); err != nil {
		t.Fatalf("LookUpInode: %v", err)
	}
	if lookupOp.Entry.Child != fileInode {
		t.Fatalf("LookUpInode returned inode %d, want %d", lookupOp.Entry.Child, fileInode)
	}
	if lookupOp.Entry.Attributes.Size != 5 {
		t.Fatalf("LookUpInode size = %d, want 5", lookupOp.Entry.Attributes.Size)
	}
}

func TestReadDirLists(t *testing.T) {
	ctx := context.Background()
	fs := newTestAdapter(t)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "docs"}
	if err := fs.MkDir(ctx, mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}

	readDirOp := &fuseops.ReadDirOp{Inode: fuseops.RootInodeID, Offset: 0, Dst: make([]byte, 4096)}
	if err := fs.ReadDir(ctx, readDirOp); err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if readDirOp.BytesRead == 0 {
		t.Fatalf("ReadDir on root with one subdirectory returned no bytes")
	}
}

func TestUnlinkForgetsInode(t *testing.T) {
	ctx := context.Background()
	fs := newTestAdapter(t)

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "docs"}
	if err := fs.MkDir(ctx, mkdirOp); err != nil {
		t.Fatalf("MkDir: %v", err)
	}
	createOp := &fuseops.CreateFileOp{Parent: mkdirOp.Entry.Child, Name: "a.txt"}
	if err := fs.CreateFile(ctx, createOp); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	unlinkOp := &fuseops.UnlinkOp{Parent: mkdirOp.Entry.Child, Name: "a.txt"}
	if err := fs.Unlink(ctx, unlinkOp); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	lookupOp := &fuseops.LookUpInodeOp{Parent: mkdirOp.Entry.Child, Name: "a.txt"}
	if err := fs.LookUpInode(ctx, lookupOp); err == nil {
		t.Fatalf("LookUpInode after Unlink should fail")
	}
}
