package ufsfs

// Directory blocks keep their occupied entries packed contiguously at the
// front: a block's header.size holds the occupied region's length in
// bytes (a multiple of dirEntrySize), so size/dirEntrySize is
// simultaneously "how many valid entries" and "the index one past the
// last occupied slot". This is what lets removeEntry collapse the
// directory by moving a single displaced entry (the chain's very last
// entry) into a freed slot, instead of re-packing every entry after it.

// dirEntryCount returns the number of occupied entries recorded in a
// directory block header, given its byte-valued size field.
func dirEntryCount(size int64) int {
	return int(size) / dirEntrySize
}

func entryOffset(idx int) int {
	return blockHeaderSize + idx*dirEntrySize
}

func readEntryAt(buf []byte, idx int) (*dirEntry, error) {
	off := entryOffset(idx)
	return dirEntryFromBytes(buf[off : off+dirEntrySize])
}

func writeEntryAt(buf []byte, idx int, e *dirEntry) {
	off := entryOffset(idx)
	copy(buf[off:off+dirEntrySize], e.toBytes())
}

func clearEntryAt(buf []byte, idx int) {
	off := entryOffset(idx)
	for i := off; i < off+dirEntrySize; i++ {
		buf[i] = 0
	}
}

// lookupEntry scans the directory chain starting at dirHead for an entry
// matching name/ext, returning the entry, the block it lives in, and its
// index within that block's entries.
func (fs *FS) lookupEntry(dirHead int64, name, ext string) (e *dirEntry, block int64, idx int, err error) {
	curr := dirHead
	for curr != noNext {
		buf, rerr := fs.dev.ReadBlock(curr)
		if rerr != nil {
			return nil, 0, 0, rerr
		}
		hdr, herr := blockHeaderFromBytes(buf)
		if herr != nil {
			return nil, 0, 0, newErr(KindIO, "lookup_entry", "", herr)
		}
		for i := 0; i < dirEntryCount(hdr.size); i++ {
			ent, eerr := readEntryAt(buf, i)
			if eerr != nil {
				return nil, 0, 0, newErr(KindIO, "lookup_entry", "", eerr)
			}
			if ent.name == name && ent.ext == ext {
				return ent, curr, i, nil
			}
		}
		curr = hdr.next
	}
	return nil, 0, 0, newErr(KindNotExist, "lookup_entry", name, nil)
}

// listEntries returns every occupied entry in the directory chain, in
// on-disk order.
func (fs *FS) listEntries(dirHead int64) ([]*dirEntry, error) {
	var out []*dirEntry
	curr := dirHead
	for curr != noNext {
		buf, err := fs.dev.ReadBlock(curr)
		if err != nil {
			return nil, err
		}
		hdr, err := blockHeaderFromBytes(buf)
		if err != nil {
			return nil, newErr(KindIO, "list_entries", "", err)
		}
		for i := 0; i < dirEntryCount(hdr.size); i++ {
			ent, err := readEntryAt(buf, i)
			if err != nil {
				return nil, newErr(KindIO, "list_entries", "", err)
			}
			out = append(out, ent)
		}
		curr = hdr.next
	}
	return out, nil
}

// insertEntry appends e to the directory chain starting at dirHead,
// enlarging the chain by one block if the current tail block is full.
func (fs *FS) insertEntry(dirHead int64, e *dirEntry) error {
	blocks, err := fs.chainBlocks(dirHead)
	if err != nil {
		return err
	}
	tail := blocks[len(blocks)-1]

	buf, err := fs.dev.ReadBlock(tail)
	if err != nil {
		return err
	}
	hdr, err := blockHeaderFromBytes(buf)
	if err != nil {
		return newErr(KindIO, "insert_entry", "", err)
	}

	if dirEntryCount(hdr.size) >= entriesPerBlock {
		newBlk, err := fs.enlargeChain(tail)
		if err != nil {
			return err
		}
		buf, err = fs.dev.ReadBlock(newBlk)
		if err != nil {
			return err
		}
		hdr, err = blockHeaderFromBytes(buf)
		if err != nil {
			return newErr(KindIO, "insert_entry", "", err)
		}
		tail = newBlk
	}

	writeEntryAt(buf, dirEntryCount(hdr.size), e)
	hdr.size += dirEntrySize
	copy(buf[:blockHeaderSize], hdr.toBytes())
	return fs.dev.WriteBlock(tail, buf)
}

// updateEntry rewrites the entry at (block, idx) in place, e.g. to record
// a new size after a write.
func (fs *FS) updateEntry(block int64, idx int, e *dirEntry) error {
	buf, err := fs.dev.ReadBlock(block)
	if err != nil {
		return err
	}
	writeEntryAt(buf, idx, e)
	return fs.dev.WriteBlock(block, buf)
}

// removeEntry deletes the entry at (block, idx) in the chain starting at
// dirHead. It swap-deletes using the chain's very last entry (which, by
// the packed-entries invariant, always lives at index
// dirEntryCount(tailHeader.size)-1 of the chain's tail block) and frees
// the tail block if doing so leaves it empty, collapsing the chain
// exactly as far as removing one entry can collapse it.
func (fs *FS) removeEntry(dirHead, block int64, idx int) error {
	blocks, err := fs.chainBlocks(dirHead)
	if err != nil {
		return err
	}
	tail := blocks[len(blocks)-1]

	tailBuf, err := fs.dev.ReadBlock(tail)
	if err != nil {
		return err
	}
	tailHdr, err := blockHeaderFromBytes(tailBuf)
	if err != nil {
		return newErr(KindIO, "remove_entry", "", err)
	}
	if tailHdr.size == 0 {
		return newErr(KindIO, "remove_entry", "", nil)
	}
	lastIdx := dirEntryCount(tailHdr.size) - 1

	if tail == block {
		// Removing within the tail block: swap the last entry into the
		// vacated slot (a no-op copy if it already is the last entry).
		if lastIdx != idx {
			last, err := readEntryAt(tailBuf, lastIdx)
			if err != nil {
				return newErr(KindIO, "remove_entry", "", err)
			}
			writeEntryAt(tailBuf, idx, last)
		}
		clearEntryAt(tailBuf, lastIdx)
		tailHdr.size -= dirEntrySize
		copy(tailBuf[:blockHeaderSize], tailHdr.toBytes())
		if err := fs.dev.WriteBlock(tail, tailBuf); err != nil {
			return err
		}
	} else {
		// Removing from an earlier block: pull the chain's very last
		// entry forward into the vacated slot, then shrink the tail.
		last, err := readEntryAt(tailBuf, lastIdx)
		if err != nil {
			return newErr(KindIO, "remove_entry", "", err)
		}
		targetBuf, err := fs.dev.ReadBlock(block)
		if err != nil {
			return err
		}
		writeEntryAt(targetBuf, idx, last)
		if err := fs.dev.WriteBlock(block, targetBuf); err != nil {
			return err
		}

		clearEntryAt(tailBuf, lastIdx)
		tailHdr.size -= dirEntrySize
		copy(tailBuf[:blockHeaderSize], tailHdr.toBytes())
		if err := fs.dev.WriteBlock(tail, tailBuf); err != nil {
			return err
		}
	}

	if tailHdr.size == 0 && tail != dirHead {
		if err := fs.unlinkTailBlock(blocks); err != nil {
			return err
		}
	}
	return nil
}

// unlinkTailBlock frees the last block in blocks and clears its
// predecessor's next pointer.
func (fs *FS) unlinkTailBlock(blocks []int64) error {
	n := len(blocks)
	tail := blocks[n-1]
	pred := blocks[n-2]

	predBuf, err := fs.dev.ReadBlock(pred)
	if err != nil {
		return err
	}
	predHdr, err := blockHeaderFromBytes(predBuf)
	if err != nil {
		return newErr(KindIO, "unlink_tail_block", "", err)
	}
	predHdr.next = noNext
	copy(predBuf[:blockHeaderSize], predHdr.toBytes())
	if err := fs.dev.WriteBlock(pred, predBuf); err != nil {
		return err
	}

	fs.freeBlock(tail)
	return nil
}
