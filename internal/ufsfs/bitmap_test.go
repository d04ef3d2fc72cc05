package ufsfs

import "testing"

func TestBitmapMSBFirst(t *testing.T) {
	bm := NewBitmap(make([]byte, 2))
	bm.SetBit(0)
	if bm.Bytes()[0] != 0b10000000 {
		t.Fatalf("SetBit(0): got %08b, want 10000000", bm.Bytes()[0])
	}
	bm.SetBit(7)
	if bm.Bytes()[0] != 0b10000001 {
		t.Fatalf("SetBit(7): got %08b, want 10000001", bm.Bytes()[0])
	}
	bm.SetBit(8)
	if bm.Bytes()[1] != 0b10000000 {
		t.Fatalf("SetBit(8): got %08b, want 10000000", bm.Bytes()[1])
	}
	if !bm.IsSet(0) || !bm.IsSet(7) || !bm.IsSet(8) {
		t.Fatalf("expected bits 0, 7, 8 set")
	}
	if bm.IsSet(1) || bm.IsSet(9) {
		t.Fatalf("expected bits 1, 9 clear")
	}
	bm.ClearBit(7)
	if bm.IsSet(7) {
		t.Fatalf("ClearBit(7) did not clear")
	}
}

func TestBitmapFindRunMarksAsItGoes(t *testing.T) {
	bm := NewBitmap(make([]byte, 1))
	bm.SetBit(0)
	bm.SetBit(1)

	blk, _ := bm.FindRun(0, 8)
	if blk != 2 {
		t.Fatalf("FindRun: got block %d, want 2", blk)
	}
	if !bm.IsSet(2) {
		t.Fatalf("FindRun did not mark the returned block allocated")
	}

	blk2, _ := bm.FindRun(0, 8)
	if blk2 != 3 {
		t.Fatalf("FindRun after one allocation: got block %d, want 3", blk2)
	}
}

func TestBitmapFindRunExhausted(t *testing.T) {
	bm := NewBitmap([]byte{0xff})
	blk, free := bm.FindRun(0, 8)
	if blk != -1 {
		t.Fatalf("FindRun on full bitmap: got block %d, want -1", blk)
	}
	if free != 0 {
		t.Fatalf("FindRun on full bitmap: got free %d, want 0", free)
	}
}
