package ufsfs

// allocBlock finds and marks one free data block, returning its number.
func (fs *FS) allocBlock() (int64, error) {
	blk, _ := fs.bitmap.FindRun(fs.dataStart, fs.sb.fsSize)
	if blk == -1 {
		return 0, newErr(KindNoSpace, "alloc_block", "", nil)
	}
	return blk, nil
}

// freeBlock marks a single block as free again.
func (fs *FS) freeBlock(n int64) {
	fs.bitmap.ClearBit(n)
}

// enlargeChain allocates a new empty block, links it as the successor of
// tail, writes both blocks, and returns the new block's number. Callers
// must always re-read the returned block rather than reuse any
// previously cached header for it — see the chain-extension branch of
// fs.go's writeData, which does this because the original write path
// forgot to and could silently drop data past a chain-extension point.
func (fs *FS) enlargeChain(tail int64) (int64, error) {
	newBlk, err := fs.allocBlock()
	if err != nil {
		return 0, err
	}

	empty := make([]byte, BlockSize)
	hdr := &blockHeader{size: 0, next: noNext}
	copy(empty, hdr.toBytes())
	if err := fs.dev.WriteBlock(newBlk, empty); err != nil {
		fs.freeBlock(newBlk)
		return 0, err
	}

	tailBuf, err := fs.dev.ReadBlock(tail)
	if err != nil {
		return 0, err
	}
	tailHdr, err := blockHeaderFromBytes(tailBuf)
	if err != nil {
		return 0, newErr(KindIO, "enlarge_chain", "", err)
	}
	tailHdr.next = newBlk
	copy(tailBuf[:blockHeaderSize], tailHdr.toBytes())
	if err := fs.dev.WriteBlock(tail, tailBuf); err != nil {
		return 0, err
	}

	return newBlk, nil
}

// releaseChain walks the chain starting at head, freeing every block in
// the bitmap. It is used both for whole-file deletion and for the
// tail-freeing half of a shrinking Truncate.
func (fs *FS) releaseChain(head int64) error {
	curr := head
	for curr != noNext {
		buf, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return err
		}
		hdr, err := blockHeaderFromBytes(buf)
		if err != nil {
			return newErr(KindIO, "release_chain", "", err)
		}
		fs.freeBlock(curr)
		curr = hdr.next
	}
	return nil
}

// chainBlocks returns the block numbers of every block in the chain
// starting at head, in order.
func (fs *FS) chainBlocks(head int64) ([]int64, error) {
	var blocks []int64
	curr := head
	for curr != noNext {
		blocks = append(blocks, curr)
		buf, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return nil, err
		}
		hdr, err := blockHeaderFromBytes(buf)
		if err != nil {
			return nil, newErr(KindIO, "chain_blocks", "", err)
		}
		curr = hdr.next
	}
	return blocks, nil
}
