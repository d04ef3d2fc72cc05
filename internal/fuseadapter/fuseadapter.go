// Package fuseadapter binds internal/ufsfs's path-addressed filesystem
// engine to the jacobsa/fuse kernel protocol, translating fuseops.*Op
// values into FS calls and FS error kinds into the syscall.Errno values
// the kernel expects.
//
// The inode bookkeeping here (a path<->inode table guarded by one mutex,
// a fuseAttributes helper, the ENOSYS trick for Open{Dir,File}, the
// WriteDirent loop in ReadDir) follows the shape of distri's
// internal/fuse/fuse.go; everything it does is generalized from a
// read-only union of SquashFS images to a single mutable block device,
// and the write-side operations it never implemented (MkDir, RmDir,
// CreateFile, Unlink, WriteFile, SetInodeAttributes) are new.
package fuseadapter

import (
	"context"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/sirupsen/logrus"

	"github.com/nimitzc/ufs/internal/ufsfs"
)

// attrValidity bounds how long the kernel may cache attributes and
// directory entries without asking again. Unlike a read-only image
// mount (which can tell the kernel to cache forever), this filesystem
// is written through the same mount, so a short validity window is kept
// instead.
const attrValidity = time.Second

// FileSystem implements fuseutil.FileSystem over a *ufsfs.FS.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	fs  *ufsfs.FS
	log *logrus.Logger

	mu        sync.Mutex
	nextInode fuseops.InodeID
	pathOf    map[fuseops.InodeID]string
	inodeOf   map[string]fuseops.InodeID
}

// New returns a FileSystem serving fs, ready to be passed to
// fuseutil.NewFileSystemServer.
func New(fs *ufsfs.FS, log *logrus.Logger) *FileSystem {
	f := &FileSystem{
		fs:        fs,
		log:       log,
		nextInode: fuseops.RootInodeID,
		pathOf:    make(map[fuseops.InodeID]string),
		inodeOf:   make(map[string]fuseops.InodeID),
	}
	f.pathOf[fuseops.RootInodeID] = "/"
	f.inodeOf["/"] = fuseops.RootInodeID
	return f
}

// inodeForPathLocked returns the stable inode number for path, assigning
// a new one if this is the first time path has been seen. fs.mu must be
// held.
func (fs *FileSystem) inodeForPathLocked(p string) fuseops.InodeID {
	if id, ok := fs.inodeOf[p]; ok {
		return id
	}
	fs.nextInode++
	id := fs.nextInode
	fs.inodeOf[p] = id
	fs.pathOf[id] = p
	return id
}

func (fs *FileSystem) pathForInode(id fuseops.InodeID) (string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p, ok := fs.pathOf[id]
	return p, ok
}

func childPath(parent, name string) string {
	return path.Join(parent, name)
}

// errno converts an internal/ufsfs error into the syscall.Errno the
// kernel expects back. Anything that is not an *ufsfs.Error is logged
// and reported as EIO.
func (fs *FileSystem) errno(op string, err error) error {
	if err == nil {
		return nil
	}
	if ufsErr, ok := err.(*ufsfs.Error); ok {
		return ufsErr.Kind.Errno()
	}
	fs.log.WithError(err).WithField("op", op).Error("unexpected error")
	return syscall.EIO
}

func fuseAttributes(attr ufsfs.Attr) fuseops.InodeAttributes {
	mode := os.FileMode(0o644)
	if attr.IsDir {
		mode = os.ModeDir | 0o755
	}
	now := time.Now()
	return fuseops.InodeAttributes{
		Size:  attr.Size,
		Nlink: 1,
		Mode:  mode,
		Atime: now,
		Mtime: now,
		Ctime: now,
	}
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = ufsfs.BlockSize
	op.Blocks = uint64(fs.fs.TotalBlocks())
	op.BlocksFree = uint64(fs.fs.FreeBlocks())
	op.BlocksAvailable = op.BlocksFree
	op.IoSize = ufsfs.BlockSize
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parentPath, ok := fs.pathForInode(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parentPath, op.Name)

	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return fs.errno("lookup", err)
	}

	fs.mu.Lock()
	op.Entry.Child = fs.inodeForPathLocked(p)
	fs.mu.Unlock()

	op.Entry.Attributes = fuseAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrValidity)
	op.Entry.EntryExpiration = time.Now().Add(attrValidity)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p, ok := fs.pathForInode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return fs.errno("getattr", err)
	}
	op.Attributes = fuseAttributes(attr)
	op.AttributesExpiration = time.Now().Add(attrValidity)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	p, ok := fs.pathForInode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	if op.Size != nil {
		if err := fs.fs.Truncate(p, *op.Size); err != nil {
			return fs.errno("setattr", err)
		}
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return fs.errno("setattr", err)
	}
	op.Attributes = fuseAttributes(attr)
	op.AttributesExpiration = time.Now().Add(attrValidity)
	return nil
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parentPath, ok := fs.pathForInode(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parentPath, op.Name)
	if err := fs.fs.Mkdir(p); err != nil {
		return fs.errno("mkdir", err)
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return fs.errno("mkdir", err)
	}
	fs.mu.Lock()
	op.Entry.Child = fs.inodeForPathLocked(p)
	fs.mu.Unlock()
	op.Entry.Attributes = fuseAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrValidity)
	op.Entry.EntryExpiration = time.Now().Add(attrValidity)
	return nil
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parentPath, ok := fs.pathForInode(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parentPath, op.Name)
	if err := fs.fs.Rmdir(p); err != nil {
		return fs.errno("rmdir", err)
	}
	fs.forget(p)
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parentPath, ok := fs.pathForInode(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parentPath, op.Name)
	if err := fs.fs.Mknod(p); err != nil {
		return fs.errno("create", err)
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return fs.errno("create", err)
	}
	fs.mu.Lock()
	op.Entry.Child = fs.inodeForPathLocked(p)
	fs.mu.Unlock()
	op.Entry.Attributes = fuseAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrValidity)
	op.Entry.EntryExpiration = time.Now().Add(attrValidity)
	return nil
}

func (fs *FileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	parentPath, ok := fs.pathForInode(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parentPath, op.Name)
	if err := fs.fs.Mknod(p); err != nil {
		return fs.errno("mknod", err)
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return fs.errno("mknod", err)
	}
	fs.mu.Lock()
	op.Entry.Child = fs.inodeForPathLocked(p)
	fs.mu.Unlock()
	op.Entry.Attributes = fuseAttributes(attr)
	op.Entry.AttributesExpiration = time.Now().Add(attrValidity)
	op.Entry.EntryExpiration = time.Now().Add(attrValidity)
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parentPath, ok := fs.pathForInode(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	p := childPath(parentPath, op.Name)
	if err := fs.fs.Unlink(p); err != nil {
		return fs.errno("unlink", err)
	}
	fs.forget(p)
	return nil
}

func (fs *FileSystem) forget(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.inodeOf[p]; ok {
		delete(fs.inodeOf, p)
		delete(fs.pathOf, id)
	}
}

// OpenDir and OpenFile report ENOSYS to tell the kernel not to bother
// allocating and round-tripping a handle: this filesystem keeps no
// handle-scoped state of its own, every operation is addressed by path
// alone.
func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return syscall.ENOSYS
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	p, ok := fs.pathForInode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	listing, err := fs.fs.ReadDir(p)
	if err != nil {
		return fs.errno("readdir", err)
	}

	entries := make([]fuseutil.Dirent, 0, len(listing))
	fs.mu.Lock()
	for _, e := range listing {
		typ := fuseutil.DT_File
		if e.IsDir {
			typ = fuseutil.DT_Directory
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  fs.inodeForPathLocked(childPath(p, e.Name)),
			Name:   e.Name,
			Type:   typ,
		})
	}
	fs.mu.Unlock()

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return syscall.EIO
	}
	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	p, ok := fs.pathForInode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	n, err := fs.fs.Read(p, op.Offset, op.Dst)
	op.BytesRead = n
	if err != nil {
		return fs.errno("read", err)
	}
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	p, ok := fs.pathForInode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	if _, err := fs.fs.Write(p, op.Offset, op.Data); err != nil {
		return fs.errno("write", err)
	}
	return nil
}

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	p, ok := fs.pathForInode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	if err := fs.fs.Flush(p); err != nil {
		return fs.errno("flush", err)
	}
	return nil
}

func (fs *FileSystem) Destroy() {
	if err := fs.fs.Sync(); err != nil {
		fs.log.WithError(err).Error("sync on unmount")
	}
}
