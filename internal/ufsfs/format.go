package ufsfs

import (
	"os"

	"golang.org/x/xerrors"
)

// Format creates a new disk image at path and writes the superblock, an
// all-reserved-then-free bitmap, and an empty root directory block, the
// one-shot formatting contract described in SPEC_FULL.md section 6 and
// grounded on original_source/src/diskimg_init.c. It fails if path
// already exists.
func Format(path string, totalBytes int64) error {
	if totalBytes <= 0 || totalBytes%BlockSize != 0 {
		return newErr(KindInvalid, "format", path, xerrors.Errorf("size must be a positive multiple of %d bytes", BlockSize))
	}

	fsSize := totalBytes / BlockSize
	bitmapLen := int64(BitmapBlocks)
	firstBlk := 1 + bitmapLen

	if fsSize <= firstBlk+1 {
		return newErr(KindInvalid, "format", path, xerrors.Errorf("image too small to hold the superblock, bitmap, root directory, and at least one data block"))
	}
	if bitmapLen*BlockSize*8 < fsSize {
		return newErr(KindInvalid, "format", path, xerrors.Errorf("bitmap of %d blocks cannot address %d blocks", bitmapLen, fsSize))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return xerrors.Errorf("creating disk image: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(totalBytes); err != nil {
		return xerrors.Errorf("sizing disk image: %w", err)
	}

	dev := &Device{f: f}

	sb := &superblock{fsSize: fsSize, firstBlk: firstBlk, bitmapLen: bitmapLen}
	sbBuf := make([]byte, BlockSize)
	copy(sbBuf, sb.toBytes())
	if err := dev.WriteBlock(0, sbBuf); err != nil {
		return err
	}

	bm := NewBitmap(make([]byte, bitmapLen*BlockSize))
	// Blocks [0, firstBlk] are the superblock, the bitmap region itself,
	// and the root directory's first block: all pre-reserved before any
	// file is created.
	for n := int64(0); n <= firstBlk; n++ {
		bm.SetBit(n)
	}
	raw := bm.Bytes()
	for i := int64(0); i < bitmapLen; i++ {
		buf := make([]byte, BlockSize)
		copy(buf, raw[i*BlockSize:(i+1)*BlockSize])
		if err := dev.WriteBlock(1+i, buf); err != nil {
			return err
		}
	}

	rootBuf := make([]byte, BlockSize)
	hdr := &blockHeader{size: 0, next: noNext}
	copy(rootBuf, hdr.toBytes())
	return dev.WriteBlock(firstBlk, rootBuf)
}
