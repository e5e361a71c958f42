// Copyright 2021 Daniel Shchur. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package implicit provides the implicit-list degenerate variants of the
// basic-malloc block manager: header-only blocks, first-fit placement
// over a walk of the whole heap, and optional scan-based coalescing.
// Without footers the previous block cannot be reached in O(1), so the
// coalescing variant pays a heap scan on every Free and the
// non-coalescing variant accepts the fragmentation instead.
//
// Like the root package, it is NOT goroutine safe.
package implicit

import (
	"encoding/binary"

	"github.com/pkg/errors"

	malloc "github.com/docquantum/basic-malloc"
)

const NAME = "implicit"

const (
	wsize     = 4       // header word size
	dsize     = 8       // alignment quantum
	overhead  = wsize   // header only, there are no footers
	minBlock  = dsize   // header + one aligned payload word
	chunkSize = 1 << 12 // minimum heap growth step

	maxRequest = 1<<31 - 2*dsize
)

// keyCanary occupies offset 0 so that 0 can serve as the null reference.
const keyCanary uint32 = 0xc0c0c0c0

// Options encodes configuration flags for an implicit Heap.
type Options uint32

const (
	// Coalesce merges free neighbors on Free: forward in O(1), backward
	// by scanning the block list from the start.
	Coalesce Options = 1 << iota

	DefaultOptions = Coalesce
)

// Heap is the implicit-list block manager. Free blocks are found by
// walking all blocks from the prologue; there is no free list.
type Heap struct {
	options   Options
	mem       *malloc.Mem
	heapListp uint32 // prologue payload, anchor for the block walk
}

func pack(size uint32, alloc bool) uint32 {
	if alloc {
		return size | 1
	}
	return size
}

func sizeOf(w uint32) uint32 { return w &^ 0x7 }
func isAlloc(w uint32) bool  { return w&1 != 0 }

func hdr(bp uint32) uint32 { return bp - wsize }

func (h *Heap) get(off uint32) uint32 {
	return binary.LittleEndian.Uint32(h.mem.Bytes()[off:])
}

func (h *Heap) put(off, val uint32) {
	binary.LittleEndian.PutUint32(h.mem.Bytes()[off:], val)
}

func (h *Heap) sizeAt(off uint32) uint32 { return sizeOf(h.get(off)) }

func (h *Heap) nextBlk(bp uint32) uint32 { return bp + h.sizeAt(hdr(bp)) }

// Owns reports whether p looks like a payload offset handed out by this
// heap.
func (h *Heap) Owns(p uint32) bool {
	return p%dsize == 0 && p >= h.heapListp+dsize && p < h.mem.Brk()
}

// Payload returns the usable byte range of the block at p.
func (h *Heap) Payload(p uint32) []byte {
	return h.mem.Bytes()[p : p+h.sizeAt(hdr(p))-overhead]
}

// Init initialises an implicit heap over the memory area mem: key word,
// 8-byte allocated prologue (header plus a pad word), epilogue, and one
// chunk of free space.
func (h *Heap) Init(mem []byte, options Options) error {
	*h = Heap{} // zero, in case of re-init
	m := malloc.NewMem(mem)
	if m.Size() < 4*wsize+chunkSize {
		return errors.Errorf("%s: arena too small: %d bytes", NAME, len(mem))
	}
	h.mem = m
	h.options = options

	p, err := h.mem.Sbrk(4 * wsize)
	if err != nil {
		return err
	}
	h.put(p, keyCanary)
	h.put(p+wsize, pack(dsize, true)) // prologue header
	h.put(p+2*wsize, 0)               // pad word, no footers here
	h.put(p+3*wsize, pack(0, true))   // epilogue header
	h.heapListp = p + 2*wsize

	if h.extendHeap(chunkSize/wsize) == 0 {
		return errors.Wrap(malloc.ErrOutOfMemory, NAME+": init extend")
	}
	return nil
}

// extendHeap grows the heap by words 4-byte words and returns the new
// free block (merged with a free tail in the coalescing variant), or 0.
func (h *Heap) extendHeap(words uint32) uint32 {
	if words&1 != 0 {
		words++
	}
	size := words * wsize
	bp, err := h.mem.Sbrk(size)
	if err != nil {
		return 0
	}
	h.put(hdr(bp), pack(size, false))
	h.put(hdr(bp+size), pack(0, true)) // new epilogue
	if h.options&Coalesce != 0 {
		bp = h.coalesce(bp)
	}
	return bp
}

// coalesce merges the free block bp with free neighbors and returns the
// surviving block. Forward neighbors are absorbed directly; the backward
// neighbor is found by scanning from the prologue.
func (h *Heap) coalesce(bp uint32) uint32 {
	size := h.sizeAt(hdr(bp))
	for {
		w := h.get(hdr(bp + size))
		if sizeOf(w) == 0 || isAlloc(w) {
			break
		}
		size += sizeOf(w)
	}
	h.put(hdr(bp), pack(size, false))

	for p := h.heapListp; h.sizeAt(hdr(p)) > 0; p = h.nextBlk(p) {
		if h.nextBlk(p) != bp {
			continue
		}
		if w := h.get(hdr(p)); !isAlloc(w) {
			h.put(hdr(p), pack(sizeOf(w)+size, false))
			bp = p
		}
		break
	}
	return bp
}

// findFit walks the block list first-fit and returns the first free
// block of at least asize bytes, or 0.
func (h *Heap) findFit(asize uint32) uint32 {
	for bp := h.heapListp; h.sizeAt(hdr(bp)) > 0; bp = h.nextBlk(bp) {
		w := h.get(hdr(bp))
		if !isAlloc(w) && sizeOf(w) >= asize {
			return bp
		}
	}
	return 0
}

// place allocates asize bytes at the start of the free block bp,
// splitting when the remainder can still hold a minimum block.
func (h *Heap) place(bp, asize uint32) {
	csize := h.sizeAt(hdr(bp))
	if csize-asize >= minBlock {
		h.put(hdr(bp), pack(asize, true))
		h.put(hdr(h.nextBlk(bp)), pack(csize-asize, false))
	} else {
		h.put(hdr(bp), pack(csize, true))
	}
}

// Malloc allocates size bytes and returns the payload offset, or 0 on
// failure.
func (h *Heap) Malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	var asize uint32
	if size <= wsize {
		asize = wsize + overhead
	} else {
		if size > maxRequest {
			WARN("malloc(%d) exceeds the heap model\n", size)
			return 0
		}
		asize = dsize * ((size + overhead + (dsize - 1)) / dsize)
	}
	bp := h.findFit(asize)
	if bp == 0 {
		ext := asize
		if ext < chunkSize {
			ext = chunkSize
		}
		if bp = h.extendHeap(ext / wsize); bp == 0 {
			return 0
		}
	}
	h.place(bp, asize)
	return bp
}

// Free releases the block at payload offset p. Null, foreign and doubly
// freed offsets are reported on the log and ignored.
func (h *Heap) Free(p uint32) {
	if p == 0 {
		WARN("free(0) called\n")
		return
	}
	if !h.Owns(p) {
		BUG("free: pointer %#x outside the heap (payload range %#x-%#x)\n",
			p, h.heapListp+dsize, h.mem.Brk())
		return
	}
	w := h.get(hdr(p))
	if !isAlloc(w) {
		BUG("free: double free of %#x\n", p)
		return
	}
	h.put(hdr(p), pack(sizeOf(w), false))
	if h.options&Coalesce != 0 {
		h.coalesce(p)
	}
}

// Realloc resizes the block at p to at least size payload bytes. Without
// footers there is no cheap in-place growth, so growing always goes
// through allocate-copy-free. On failure it returns 0 and leaves p
// intact.
func (h *Heap) Realloc(p, size uint32) uint32 {
	if p == 0 {
		return h.Malloc(size)
	}
	if !h.Owns(p) {
		BUG("realloc: pointer %#x outside the heap\n", p)
		return 0
	}
	if size == 0 {
		h.Free(p)
		return 0
	}
	w := h.get(hdr(p))
	if !isAlloc(w) {
		BUG("realloc: %#x is not an allocated block\n", p)
		return 0
	}
	if size <= sizeOf(w)-overhead {
		return p
	}
	np := h.Malloc(size)
	if np == 0 {
		return 0
	}
	copy(h.Payload(np), h.Payload(p))
	h.Free(p)
	return np
}

// CheckHeap validates the implicit heap without modifying it: key word,
// prologue, block alignment, epilogue position, and (in the coalescing
// variant) the absence of adjacent free blocks. Violations are logged;
// the returned error summarises the count.
func (h *Heap) CheckHeap(verbose bool) error {
	nerr := 0
	fail := func(f string, a ...interface{}) {
		nerr++
		ERR(f, a...)
	}

	if h.get(0) != keyCanary {
		fail("check: key word overwritten (%#x)\n", h.get(0))
	}
	pw := h.get(hdr(h.heapListp))
	if sizeOf(pw) != dsize || !isAlloc(pw) {
		fail("check: bad prologue header (%#x)\n", pw)
	}

	prevFree := false
	bp := h.heapListp
	for {
		w := h.get(hdr(bp))
		if sizeOf(w) == 0 {
			break
		}
		if bp%dsize != 0 {
			fail("check: block %#x misaligned\n", bp)
			break
		}
		if verbose {
			state := 'a'
			if !isAlloc(w) {
				state = 'f'
			}
			DBG("%#8x: [%d:%c]\n", bp, sizeOf(w), state)
		}
		if !isAlloc(w) {
			if prevFree && h.options&Coalesce != 0 {
				fail("check: adjacent free blocks at %#x\n", bp)
			}
			prevFree = true
		} else {
			prevFree = false
		}
		nxt := h.nextBlk(bp)
		if nxt <= bp || nxt > h.mem.Brk() {
			fail("check: block %#x (size %d) walks out of the heap\n",
				bp, sizeOf(w))
			break
		}
		bp = nxt
	}
	if hdr(bp) != h.mem.Brk()-wsize {
		fail("check: epilogue at %#x, break at %#x\n", hdr(bp), h.mem.Brk())
	}
	if !isAlloc(h.get(hdr(bp))) {
		fail("check: bad epilogue header\n")
	}

	if nerr != 0 {
		return errors.Errorf("%s: heap check: %d violation(s)", NAME, nerr)
	}
	return nil
}
