// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package malloc

import (
	"encoding/binary"
)

// Block references are byte offsets into the arena; 0 is the null
// reference (the key word keeps offset 0 permanently occupied).
//
// Every block starts with a 4-byte header word and ends with an identical
// footer word, each packing (size | allocated-bit). Sizes are always
// doubleword multiples, so the low three bits of a size are zero and bit 0
// is free for the allocated flag. A free block additionally carries its
// two free-list link words at the start of the payload.

const (
	wsize     = 4          // header/footer word size
	dsize     = 8          // doubleword, the alignment quantum
	overhead  = 2 * wsize  // header + footer
	minBlock  = 16         // header + two link words + footer
	chunkSize = 1 << 12    // minimum heap growth step
	maxHeap   = 1 << 31    // 32-bit word model ceiling
)

// keyCanary is written at offset 0 on Init and must never change; the
// checker (and Free/Realloc under MChecks) treat any other value as a
// heap underflow write.
const keyCanary uint32 = 0xf0f0f0f0

// pack builds a header/footer word from a block size and allocated flag.
func pack(size uint32, alloc bool) uint32 {
	if alloc {
		return size | 1
	}
	return size
}

// sizeOf reads the block size from a header/footer word, always masking
// the flag bits.
func sizeOf(w uint32) uint32 { return w &^ 0x7 }

// isAlloc reads the allocated bit from a header/footer word.
func isAlloc(w uint32) bool { return w&1 != 0 }

// roundUp rounds a size up to the next doubleword multiple.
func roundUp(s uint32) uint32 { return (s + dsize - 1) &^ (dsize - 1) }

// roundDown rounds a size down to a doubleword multiple.
func roundDown(s uint32) uint32 { return s &^ (dsize - 1) }

// get reads the word at offset off.
func (h *Heap) get(off uint32) uint32 {
	return binary.LittleEndian.Uint32(h.mem.buf[off:])
}

// put writes the word at offset off.
func (h *Heap) put(off, val uint32) {
	binary.LittleEndian.PutUint32(h.mem.buf[off:], val)
}

// hdr returns the header offset for the block with payload bp.
func hdr(bp uint32) uint32 { return bp - wsize }

// sizeAt reads the size stored in the word at off.
func (h *Heap) sizeAt(off uint32) uint32 { return sizeOf(h.get(off)) }

// ftr returns the footer offset for the block with payload bp.
func (h *Heap) ftr(bp uint32) uint32 {
	return bp + h.sizeAt(hdr(bp)) - dsize
}

// nextBlk returns the payload offset of the physically next block.
func (h *Heap) nextBlk(bp uint32) uint32 {
	return bp + h.sizeAt(hdr(bp))
}

// prevBlk returns the payload offset of the physically previous block,
// read through that block's footer.
func (h *Heap) prevBlk(bp uint32) uint32 {
	return bp - h.sizeAt(bp-dsize)
}

// Owns reports whether p looks like a payload offset handed out by this
// heap: doubleword aligned and inside (prologue, break).
func (h *Heap) Owns(p uint32) bool {
	return p%dsize == 0 && p >= h.heapListp+dsize && p < h.mem.Brk()
}

// Payload returns the usable byte range of the block at p. The slice
// aliases the arena; it stays valid until the block is freed.
func (h *Heap) Payload(p uint32) []byte {
	return h.mem.buf[p : p+h.sizeAt(hdr(p))-overhead]
}
