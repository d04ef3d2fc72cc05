// Package ufsfs implements the on-disk layout and operations of a small
// block-based filesystem: a bitmap-allocated region of fixed-size blocks,
// singly-linked block chains for file and directory data, and a flat
// directory-entry format with at most one level of nesting below the root.
package ufsfs

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

const (
	// BlockSize is the size in bytes of every block on disk, including the
	// superblock and bitmap blocks.
	BlockSize = 512

	// BitmapBlocks is the fixed number of blocks reserved for the
	// allocation bitmap, immediately following the superblock at block 0.
	BitmapBlocks = 1280

	// MaxFilename is the maximum length, in bytes, of the name component
	// of a path element (excluding any extension).
	MaxFilename = 8

	// MaxExtension is the maximum length, in bytes, of the extension
	// component of a path element.
	MaxExtension = 3

	// noNext is the sentinel stored in a block header's next field when
	// the block is the last in its chain.
	noNext = -1

	// superblockSize is the on-disk size of the superblock record.
	superblockSize = 24

	// blockHeaderSize is the on-disk size of a block's header (size and
	// next fields), leaving BlockSize-blockHeaderSize bytes of payload.
	blockHeaderSize = 16

	// MaxBlockPayload is the number of usable data bytes per block once
	// the header is accounted for.
	MaxBlockPayload = BlockSize - blockHeaderSize

	// dirEntrySize is the on-disk size of one directory entry record.
	// The layout (name[9] ext[4] pad[3] fsize[8] start_block[8] flag[4]
	// pad[4]) mirrors the padding a 64-bit-aligned C compiler inserts in
	// struct u_fs_file_directory, rather than a packed 33-byte layout.
	dirEntrySize = 40
)

// superblock is the fixed-size record stored at block 0 of a formatted
// image.
type superblock struct {
	fsSize    int64 // total number of blocks in the image
	firstBlk  int64 // block number of the root directory's first block
	bitmapLen int64 // number of blocks occupied by the bitmap (BitmapBlocks)
}

func (s *superblock) toBytes() []byte {
	b := make([]byte, superblockSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(s.fsSize))
	binary.LittleEndian.PutUint64(b[8:16], uint64(s.firstBlk))
	binary.LittleEndian.PutUint64(b[16:24], uint64(s.bitmapLen))
	return b
}

func superblockFromBytes(b []byte) (*superblock, error) {
	if len(b) < superblockSize {
		return nil, xerrors.Errorf("superblock: short read (%d bytes)", len(b))
	}
	return &superblock{
		fsSize:    int64(binary.LittleEndian.Uint64(b[0:8])),
		firstBlk:  int64(binary.LittleEndian.Uint64(b[8:16])),
		bitmapLen: int64(binary.LittleEndian.Uint64(b[16:24])),
	}, nil
}

// blockHeader is the fixed-size prefix of every non-superblock,
// non-bitmap block: a chain link (next) and a usage-dependent size (bytes
// of valid payload for a file block, byte length of the occupied entries
// for a directory block).
type blockHeader struct {
	size int64
	next int64
}

func (h *blockHeader) toBytes() []byte {
	b := make([]byte, blockHeaderSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.size))
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.next))
	return b
}

func blockHeaderFromBytes(b []byte) (*blockHeader, error) {
	if len(b) < blockHeaderSize {
		return nil, xerrors.Errorf("block header: short read (%d bytes)", len(b))
	}
	return &blockHeader{
		size: int64(binary.LittleEndian.Uint64(b[0:8])),
		next: int64(binary.LittleEndian.Uint64(b[8:16])),
	}, nil
}

// dirFlag distinguishes a directory entry's kind. 0 is reserved to mark
// an entry slot as unused, matching the original on-disk convention.
type dirFlag int32

const (
	flagUnused dirFlag = 0
	flagFile   dirFlag = 1
	flagDir    dirFlag = 2
)

// dirEntry is one 40-byte record in a directory block's payload.
type dirEntry struct {
	name       string
	ext        string
	size       uint64
	startBlock int64
	flag       dirFlag
}

func (e *dirEntry) isDir() bool { return e.flag == flagDir }

func (e *dirEntry) toBytes() []byte {
	b := make([]byte, dirEntrySize)
	copy(b[0:9], []byte(e.name))
	copy(b[9:13], []byte(e.ext))
	binary.LittleEndian.PutUint64(b[16:24], e.size)
	binary.LittleEndian.PutUint64(b[24:32], uint64(e.startBlock))
	binary.LittleEndian.PutUint32(b[32:36], uint32(e.flag))
	return b
}

func dirEntryFromBytes(b []byte) (*dirEntry, error) {
	if len(b) < dirEntrySize {
		return nil, xerrors.Errorf("directory entry: short read (%d bytes)", len(b))
	}
	return &dirEntry{
		name:       cstr(b[0:9]),
		ext:        cstr(b[9:13]),
		size:       binary.LittleEndian.Uint64(b[16:24]),
		startBlock: int64(binary.LittleEndian.Uint64(b[24:32])),
		flag:       dirFlag(int32(binary.LittleEndian.Uint32(b[32:36]))),
	}, nil
}

// free reports whether a directory entry slot is unused. An unused
// slot is recognized by an all-zero name, exactly like the original
// implementation's "empty fname" check.
func (e *dirEntry) free() bool { return e.name == "" }

// cstr trims the slice at the first NUL byte and returns the remainder as
// a string, mirroring how the original C code treats fixed-size char
// arrays.
func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// entriesPerBlock is how many directory entries fit in one block's
// payload, after the block header.
const entriesPerBlock = MaxBlockPayload / dirEntrySize
