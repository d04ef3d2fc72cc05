package ufsfs

// FS is the mounted, high-level view of a formatted disk image: path
// resolution plus the file and directory operations a FUSE binding (or
// any other caller) drives. FS takes no locks of its own -- spec.md's
// concurrency model assumes a single, serialized caller, and
// internal/fuseadapter is where that serialization is enforced.
type FS struct {
	dev    *Device
	sb     *superblock
	bitmap *Bitmap

	// dataStart is the first block number eligible for allocation: the
	// superblock, the bitmap region, and the root directory's first
	// block are all pre-reserved.
	dataStart int64
}

// Attr is the subset of file/directory metadata this filesystem tracks.
type Attr struct {
	IsDir bool
	Size  uint64
}

// DirEnt is one entry returned by ReadDir.
type DirEnt struct {
	Name  string // base name, with extension joined by '.' for files
	IsDir bool
	Size  uint64
}

// Mount opens dev, reads its superblock and bitmap, and returns a ready
// FS. dev must already refer to an image written by Format.
func Mount(dev *Device) (*FS, error) {
	sbBuf, err := dev.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	sb, err := superblockFromBytes(sbBuf)
	if err != nil {
		return nil, newErr(KindIO, "mount", "", err)
	}

	bitmapBytes := make([]byte, 0, sb.bitmapLen*BlockSize)
	for i := int64(0); i < sb.bitmapLen; i++ {
		blk, err := dev.ReadBlock(1 + i)
		if err != nil {
			return nil, err
		}
		bitmapBytes = append(bitmapBytes, blk...)
	}

	return &FS{
		dev:       dev,
		sb:        sb,
		bitmap:    NewBitmap(bitmapBytes),
		dataStart: sb.firstBlk + 1,
	}, nil
}

// Sync flushes the in-memory bitmap back to its on-disk blocks. Callers
// are expected to invoke this after any sequence of mutating operations
// whose durability they care about (the FUSE FlushFile path and unmount
// do).
func (fs *FS) Sync() error {
	for i := int64(0); i < fs.sb.bitmapLen; i++ {
		start := i * BlockSize
		end := start + BlockSize
		raw := fs.bitmap.Bytes()
		if int(end) > len(raw) {
			end = int64(len(raw))
		}
		buf := make([]byte, BlockSize)
		copy(buf, raw[start:end])
		if err := fs.dev.WriteBlock(1+i, buf); err != nil {
			return err
		}
	}
	return nil
}

// FreeBlocks returns the number of unallocated blocks in the image.
func (fs *FS) FreeBlocks() int64 {
	var free int64
	for n := fs.dataStart; n < fs.sb.fsSize; n++ {
		if !fs.bitmap.IsSet(n) {
			free++
		}
	}
	return free
}

// TotalBlocks returns the image's total block count.
func (fs *FS) TotalBlocks() int64 { return fs.sb.fsSize }

// DataStart returns the first block number eligible for allocation.
// Blocks below it (the superblock, the bitmap, and the root directory's
// first block) are permanently reserved and never appear in the
// allocator's free/used accounting the way dynamically allocated blocks
// do.
func (fs *FS) DataStart() int64 { return fs.dataStart }

// IsAllocated reports the bitmap's current opinion of block n. It exists
// for internal/fsck, which cross-checks this against the blocks it finds
// by walking the directory tree.
func (fs *FS) IsAllocated(n int64) bool { return fs.bitmap.IsSet(n) }

// ChainOf returns the block numbers making up the chain backing path,
// which may be the root, a directory, or a file.
func (fs *FS) ChainOf(path string) ([]int64, error) {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return nil, err
	}
	head := fs.sb.firstBlk
	if r.kind != pathRoot {
		head = r.entry.startBlock
	}
	return fs.chainBlocks(head)
}

// ChainByteLen sums the valid-byte length recorded in every block of the
// file at path's chain. Comparing this against the file's recorded size
// is how internal/fsck detects a chain that is shorter than its file
// claims to be.
func (fs *FS) ChainByteLen(path string) (uint64, error) {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return 0, err
	}
	if r.entry.isDir() {
		return 0, newErr(KindIsDir, "chain_byte_len", path, nil)
	}
	var total uint64
	curr := r.entry.startBlock
	for curr != noNext {
		buf, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return 0, err
		}
		hdr, err := blockHeaderFromBytes(buf)
		if err != nil {
			return 0, newErr(KindIO, "chain_byte_len", path, err)
		}
		total += uint64(hdr.size)
		curr = hdr.next
	}
	return total, nil
}

// resolveExisting parses and looks up path, returning enough context to
// act on an already-existing entry (or the root directory).
type resolved struct {
	kind       pathKind
	parentHead int64
	name, ext  string
	entry      *dirEntry
	entryBlock int64
	entryIdx   int
}

func (fs *FS) resolveExisting(path string) (*resolved, error) {
	pp, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	switch pp.kind {
	case pathRoot:
		return &resolved{kind: pathRoot, parentHead: fs.sb.firstBlk}, nil
	case pathRootItem:
		e, blk, idx, err := fs.lookupEntry(fs.sb.firstBlk, pp.name, pp.ext)
		if err != nil {
			return nil, err
		}
		return &resolved{kind: pathRootItem, parentHead: fs.sb.firstBlk, name: pp.name, ext: pp.ext, entry: e, entryBlock: blk, entryIdx: idx}, nil
	case pathNested:
		dirE, _, _, err := fs.lookupEntry(fs.sb.firstBlk, pp.dir, "")
		if err != nil {
			return nil, err
		}
		if !dirE.isDir() {
			return nil, newErr(KindNotDir, "resolve", pp.dir, nil)
		}
		e, blk, idx, err := fs.lookupEntry(dirE.startBlock, pp.name, pp.ext)
		if err != nil {
			return nil, err
		}
		return &resolved{kind: pathNested, parentHead: dirE.startBlock, name: pp.name, ext: pp.ext, entry: e, entryBlock: blk, entryIdx: idx}, nil
	}
	return nil, newErr(KindInvalid, "resolve", path, nil)
}

// resolveForCreate parses path and validates that its parent directory
// exists, without requiring the final component to be absent yet --
// callers check that themselves, since Mkdir/Mknod want KindExist and
// others don't need the check at all.
func (fs *FS) resolveForCreate(path string) (parentHead int64, name, ext string, kind pathKind, err error) {
	pp, perr := parsePath(path)
	if perr != nil {
		err = perr
		return
	}
	switch pp.kind {
	case pathRoot:
		err = newErr(KindExist, "create", path, nil)
	case pathRootItem:
		parentHead, name, ext, kind = fs.sb.firstBlk, pp.name, pp.ext, pathRootItem
	case pathNested:
		dirE, _, _, lerr := fs.lookupEntry(fs.sb.firstBlk, pp.dir, "")
		if lerr != nil {
			err = lerr
			return
		}
		if !dirE.isDir() {
			err = newErr(KindNotDir, "create", pp.dir, nil)
			return
		}
		parentHead, name, ext, kind = dirE.startBlock, pp.name, pp.ext, pathNested
	}
	return
}

// GetAttr returns metadata for path, which may be the root, a directory,
// or a file.
func (fs *FS) GetAttr(path string) (Attr, error) {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return Attr{}, err
	}
	if r.kind == pathRoot {
		return Attr{IsDir: true, Size: uint64(fs.sb.fsSize * BlockSize)}, nil
	}
	return Attr{IsDir: r.entry.isDir(), Size: r.entry.size}, nil
}

// ReadDir lists the entries of the directory at path, which must be the
// root or a root-level directory (this filesystem nests at most one
// level deep, so no directory has subdirectories of its own).
func (fs *FS) ReadDir(path string) ([]DirEnt, error) {
	var head int64
	r, err := fs.resolveExisting(path)
	if err != nil {
		return nil, err
	}
	if r.kind == pathRoot {
		head = fs.sb.firstBlk
	} else {
		if !r.entry.isDir() {
			return nil, newErr(KindNotDir, "readdir", path, nil)
		}
		head = r.entry.startBlock
	}

	entries, err := fs.listEntries(head)
	if err != nil {
		return nil, err
	}
	out := make([]DirEnt, 0, len(entries))
	for _, e := range entries {
		name := e.name
		if !e.isDir() && e.ext != "" {
			name = e.name + "." + e.ext
		}
		out = append(out, DirEnt{Name: name, IsDir: e.isDir(), Size: e.size})
	}
	return out, nil
}

// Mkdir creates an empty directory at path, which must name a new
// root-level entry (directories do not nest).
func (fs *FS) Mkdir(path string) error {
	parentHead, name, ext, kind, err := fs.resolveForCreate(path)
	if err != nil {
		return err
	}
	if kind != pathRootItem {
		return newErr(KindNotPermitted, "mkdir", path, nil)
	}
	if ext != "" {
		return newErr(KindInvalid, "mkdir", path, nil)
	}
	if _, _, _, err := fs.lookupEntry(parentHead, name, ext); err == nil {
		return newErr(KindExist, "mkdir", path, nil)
	}

	newBlk, err := fs.allocBlock()
	if err != nil {
		return err
	}
	empty := make([]byte, BlockSize)
	hdr := &blockHeader{size: 0, next: noNext}
	copy(empty, hdr.toBytes())
	if err := fs.dev.WriteBlock(newBlk, empty); err != nil {
		fs.freeBlock(newBlk)
		return err
	}

	e := &dirEntry{name: name, ext: "", size: BlockSize, startBlock: newBlk, flag: flagDir}
	return fs.insertEntry(parentHead, e)
}

// Rmdir removes the empty root-level directory at path.
func (fs *FS) Rmdir(path string) error {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return err
	}
	if r.kind != pathRootItem || !r.entry.isDir() {
		return newErr(KindNotDir, "rmdir", path, nil)
	}

	buf, err := fs.dev.ReadBlock(r.entry.startBlock)
	if err != nil {
		return err
	}
	hdr, err := blockHeaderFromBytes(buf)
	if err != nil {
		return newErr(KindIO, "rmdir", path, err)
	}
	// Only the first block's entry count is checked: removeEntry's
	// swap-and-collapse compaction guarantees a non-head block is never
	// left empty, so an empty first block implies an empty directory.
	if hdr.size != 0 {
		return newErr(KindNotEmpty, "rmdir", path, nil)
	}

	fs.freeBlock(r.entry.startBlock)
	return fs.removeEntry(r.parentHead, r.entryBlock, r.entryIdx)
}

// Mknod creates an empty file at path, which must name a new entry
// inside an existing root-level directory.
func (fs *FS) Mknod(path string) error {
	parentHead, name, ext, kind, err := fs.resolveForCreate(path)
	if err != nil {
		return err
	}
	if kind != pathNested {
		return newErr(KindNotPermitted, "mknod", path, nil)
	}
	if _, _, _, err := fs.lookupEntry(parentHead, name, ext); err == nil {
		return newErr(KindExist, "mknod", path, nil)
	}

	newBlk, err := fs.allocBlock()
	if err != nil {
		return err
	}
	empty := make([]byte, BlockSize)
	hdr := &blockHeader{size: 0, next: noNext}
	copy(empty, hdr.toBytes())
	if err := fs.dev.WriteBlock(newBlk, empty); err != nil {
		fs.freeBlock(newBlk)
		return err
	}

	e := &dirEntry{name: name, ext: ext, size: 0, startBlock: newBlk, flag: flagFile}
	return fs.insertEntry(parentHead, e)
}

// Unlink removes the file at path.
func (fs *FS) Unlink(path string) error {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return err
	}
	if r.entry.isDir() {
		return newErr(KindIsDir, "unlink", path, nil)
	}
	if err := fs.releaseChain(r.entry.startBlock); err != nil {
		return err
	}
	return fs.removeEntry(r.parentHead, r.entryBlock, r.entryIdx)
}

// Open validates that path names an existing file. The filesystem has no
// handle-scoped state, so this exists only to surface a not-found or
// is-a-directory error at open time rather than at the first read/write.
func (fs *FS) Open(path string) error {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return err
	}
	if r.entry.isDir() {
		return newErr(KindIsDir, "open", path, nil)
	}
	return nil
}

// Flush is a no-op beyond syncing the allocator: file data and directory
// entries are written synchronously by every mutating call already.
func (fs *FS) Flush(path string) error {
	return fs.Sync()
}

// Read copies up to len(buf) bytes from path starting at offset into
// buf, returning the number of bytes copied. It never reads past the
// file's actual block chain, even if the recorded size implies more data
// is present (see SPEC_FULL.md's Design Notes).
func (fs *FS) Read(path string, offset int64, buf []byte) (int, error) {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return 0, err
	}
	if r.entry.isDir() {
		return 0, newErr(KindIsDir, "read", path, nil)
	}
	return fs.readData(r.entry.startBlock, r.entry.size, offset, buf)
}

func (fs *FS) readData(head int64, fsize uint64, offset int64, buf []byte) (int, error) {
	if offset < 0 || uint64(offset) >= fsize {
		return 0, nil
	}
	want := int64(len(buf))
	if offset+want > int64(fsize) {
		want = int64(fsize) - offset
	}

	read := 0
	var consumed int64
	curr := head
	for curr != noNext && int64(read) < want {
		blk, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return read, err
		}
		hdr, err := blockHeaderFromBytes(blk)
		if err != nil {
			return read, newErr(KindIO, "read", "", err)
		}
		blockLen := hdr.size
		blockEnd := consumed + blockLen
		if offset < blockEnd && offset+int64(read) < blockEnd {
			start := offset + int64(read) - consumed
			if start < 0 {
				start = 0
			}
			n := blockLen - start
			if remaining := want - int64(read); n > remaining {
				n = remaining
			}
			payload := blk[blockHeaderSize:]
			copy(buf[read:int64(read)+n], payload[start:start+n])
			read += int(n)
		}
		consumed = blockEnd
		curr = hdr.next
	}
	return read, nil
}

// Write copies data into path starting at offset, enlarging the file's
// block chain as needed, and updates the stored file size. It returns
// the number of bytes written.
func (fs *FS) Write(path string, offset int64, data []byte) (int, error) {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return 0, err
	}
	if r.entry.isDir() {
		return 0, newErr(KindIsDir, "write", path, nil)
	}
	if offset < 0 || uint64(offset) > r.entry.size {
		return 0, newErr(KindFileTooBig, "write", path, nil)
	}

	if err := fs.writeData(r.entry.startBlock, offset, data); err != nil {
		return 0, err
	}

	newSize := r.entry.size
	if end := uint64(offset) + uint64(len(data)); end > newSize {
		newSize = end
	}
	r.entry.size = newSize
	if err := fs.updateEntry(r.entryBlock, r.entryIdx, r.entry); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (fs *FS) writeData(head int64, offset int64, data []byte) error {
	var position int64
	curr := head
	remaining := data
	writeOffset := offset

	for {
		blk, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return err
		}
		hdr, err := blockHeaderFromBytes(blk)
		if err != nil {
			return newErr(KindIO, "write", "", err)
		}

		blockStart := position
		blockEnd := blockStart + MaxBlockPayload

		if len(remaining) > 0 && writeOffset < blockEnd {
			inBlockOff := writeOffset - blockStart
			if inBlockOff < 0 {
				inBlockOff = 0
			}
			n := int64(MaxBlockPayload) - inBlockOff
			if n > int64(len(remaining)) {
				n = int64(len(remaining))
			}
			payload := blk[blockHeaderSize:]
			copy(payload[inBlockOff:inBlockOff+n], remaining[:n])
			if validLen := inBlockOff + n; validLen > hdr.size {
				hdr.size = validLen
			}
			copy(blk[:blockHeaderSize], hdr.toBytes())
			if err := fs.dev.WriteBlock(curr, blk); err != nil {
				return err
			}
			remaining = remaining[n:]
			writeOffset += n
		}

		position = blockEnd
		if len(remaining) == 0 {
			return nil
		}

		if hdr.next == noNext {
			// Always advance to, and re-read, the freshly allocated
			// block rather than trusting any header read before the
			// enlarge: a stale next/size here previously caused the
			// tail of a write to be silently dropped.
			newBlk, err := fs.enlargeChain(curr)
			if err != nil {
				return err
			}
			curr = newBlk
		} else {
			curr = hdr.next
		}
	}
}

// Truncate resizes the file at path to size bytes, freeing trailing
// blocks when shrinking and zero-filling newly reachable blocks when
// growing.
func (fs *FS) Truncate(path string, size uint64) error {
	r, err := fs.resolveExisting(path)
	if err != nil {
		return err
	}
	if r.entry.isDir() {
		return newErr(KindIsDir, "truncate", path, nil)
	}

	if size < r.entry.size {
		if err := fs.shrinkChain(r.entry.startBlock, size); err != nil {
			return err
		}
	} else if size > r.entry.size {
		if err := fs.growChain(r.entry.startBlock, size); err != nil {
			return err
		}
	}

	r.entry.size = size
	return fs.updateEntry(r.entryBlock, r.entryIdx, r.entry)
}

// shrinkChain keeps every block whose recorded bytes end at or before
// newSize, trims the first block that extends past newSize to the bytes
// that remain (zeroing the rest of its payload), and frees every block
// after it. The trimmed block stays linked even when no bytes remain in
// it, so shrinking to an exact block boundary leaves one empty tail block.
func (fs *FS) shrinkChain(head int64, newSize uint64) error {
	var consumed int64
	curr := head
	for curr != noNext {
		buf, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return err
		}
		hdr, err := blockHeaderFromBytes(buf)
		if err != nil {
			return newErr(KindIO, "truncate", "", err)
		}
		blockEnd := consumed + hdr.size
		if uint64(blockEnd) <= newSize {
			consumed = blockEnd
			curr = hdr.next
			continue
		}

		keep := int64(newSize) - consumed
		if keep < 0 {
			keep = 0
		}
		hdr.size = keep
		for i := blockHeaderSize + keep; i < BlockSize; i++ {
			buf[i] = 0
		}
		next := hdr.next
		hdr.next = noNext
		copy(buf[:blockHeaderSize], hdr.toBytes())
		if err := fs.dev.WriteBlock(curr, buf); err != nil {
			return err
		}
		if next != noNext {
			if err := fs.releaseChain(next); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// growChain walks (enlarging as needed) to the block that will hold
// byte target-1, marking every full block it passes as entirely valid
// and setting the final block's valid length to reach target exactly.
// Newly allocated blocks start zero-filled, so this implements
// hole-extension the way a growing truncate/ftruncate is expected to.
func (fs *FS) growChain(head int64, target uint64) error {
	var consumed int64
	curr := head
	for {
		buf, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return err
		}
		hdr, err := blockHeaderFromBytes(buf)
		if err != nil {
			return newErr(KindIO, "truncate", "", err)
		}

		blockEnd := consumed + MaxBlockPayload
		if uint64(blockEnd) >= target {
			want := int64(target) - consumed
			if want < 0 {
				want = 0
			}
			if want > hdr.size {
				hdr.size = want
				copy(buf[:blockHeaderSize], hdr.toBytes())
				if err := fs.dev.WriteBlock(curr, buf); err != nil {
					return err
				}
			}
			return nil
		}

		if hdr.size < MaxBlockPayload {
			hdr.size = MaxBlockPayload
			copy(buf[:blockHeaderSize], hdr.toBytes())
			if err := fs.dev.WriteBlock(curr, buf); err != nil {
				return err
			}
		}
		consumed = blockEnd

		if hdr.next == noNext {
			newBlk, err := fs.enlargeChain(curr)
			if err != nil {
				return err
			}
			curr = newBlk
		} else {
			curr = hdr.next
		}
	}
}
