// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package malloc provides a simple explicit-free-list malloc library
// over a growable byte arena.
//
// The package is NOT goroutine safe. All operations are synchronous and
// single threaded; callers that share a Heap across goroutines must
// provide their own synchronization.
package malloc

import (
	"github.com/pkg/errors"
)

const NAME = "malloc"

// MUsed contains the heap memory usage statistics.
type MUsed struct {
	Used        uint64 // total payload bytes allocated
	RealUsed    uint64 // real size = Used + block and heap overhead
	MaxRealUsed uint64
}

// Options encodes various configuration flags for a Heap.
type Options uint32

const (
	MDebug Options = 1 << iota
	MChecks
	MDumpStatsShort // dump status in log, short version

	MDefaultOptions = MChecks
)

// Heap is the block manager: it tracks which subranges of the arena are
// free, places requests first-fit, and splits/coalesces blocks across
// Malloc/Free/Realloc.
type Heap struct {
	options Options
	mem     *Mem

	heapListp uint32 // prologue payload, anchor for the block walk
	freeListp uint32 // movable free-list head, 0 when the list is empty

	used MUsed // statistics
}

// Debug returns true if malloc debugging is turned on.
func (h *Heap) Debug() bool { return h.options&MDebug != 0 }

// BChecks returns true if malloc boundary checking is turned on.
func (h *Heap) BChecks() bool { return h.options&MChecks != 0 }

// addUsed increases the "used" stats with the given payload size.
func (h *Heap) addUsed(size uint32) {
	h.used.Used += uint64(size)
	h.used.RealUsed += uint64(size)
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// subUsed subtracts size from the "used" stats.
func (h *Heap) subUsed(size uint32) {
	h.used.Used -= uint64(size)
	h.used.RealUsed -= uint64(size)
}

// addOverhead adds block bookkeeping overhead to the internal stats.
func (h *Heap) addOverhead(o uint32) {
	h.used.RealUsed += uint64(o)
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// subOverhead subtracts block bookkeeping overhead from the stats.
func (h *Heap) subOverhead(o uint32) {
	h.used.RealUsed -= uint64(o)
}

// MUsage returns current memory usage values.
func (h *Heap) MUsage() MUsed { return h.used }

// Available returns an upper bound on the bytes still available for
// allocation (it ignores fragmentation).
func (h *Heap) Available() uint64 {
	return uint64(h.mem.Size()) - h.used.RealUsed
}

// Init initialises a heap over the memory area mem.
// It seeds the key word, an 8-byte permanently allocated prologue and a
// zero-size epilogue, then extends the heap by one chunk so the first
// allocations have a free block to land in.
func (h *Heap) Init(mem []byte, options Options) error {
	*h = Heap{} // zero, in case of re-init
	m := NewMem(mem)
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
	h.put(p+wsize, pack(dsize, true))   // prologue header
	h.put(p+2*wsize, pack(dsize, true)) // prologue footer
	h.put(p+3*wsize, pack(0, true))     // epilogue header
	h.heapListp = p + 2*wsize
	h.addOverhead(4 * wsize)

	if h.extendHeap(chunkSize/wsize) == 0 {
		return errors.Wrap(ErrOutOfMemory, NAME+": init extend")
	}
	return nil
}

// extendHeap grows the heap by words 4-byte words (rounded up to keep the
// break doubleword aligned), turns the new region into one free block and
// returns the surviving free block after coalescing, or 0 on failure.
func (h *Heap) extendHeap(words uint32) uint32 {
	if words&1 != 0 {
		words++
	}
	size := words * wsize
	bp, err := h.mem.Sbrk(size)
	if err != nil {
		return 0
	}
	// the old epilogue word becomes the new block's header
	h.put(hdr(bp), pack(size, false))
	h.put(h.ftr(bp), pack(size, false))
	h.put(hdr(h.nextBlk(bp)), pack(0, true)) // new epilogue
	h.insertFree(bp)
	return h.freeListp
}

// adjustSize returns the block size needed to serve a request of size
// payload bytes: overhead added, doubleword aligned, never below the
// minimum block. It returns 0 when the request cannot be represented in
// the 32-bit word model.
func adjustSize(size uint32) uint32 {
	if size <= dsize {
		return minBlock
	}
	if size > maxHeap-(overhead+dsize) {
		return 0
	}
	return dsize * ((size + overhead + (dsize - 1)) / dsize)
}

// findFit walks the free list first-fit from the current head and returns
// the first block of at least asize bytes, or 0 when nothing fits.
func (h *Heap) findFit(asize uint32) uint32 {
	if h.freeListp == 0 {
		return 0
	}
	bp := h.freeListp
	for {
		if h.sizeAt(hdr(bp)) >= asize {
			return bp
		}
		bp = h.flNext(bp)
		if bp == h.freeListp {
			return 0
		}
	}
}

// place allocates asize bytes at the start of the free block bp,
// splitting off the high part as a new free block when the remainder can
// still hold the free-list links.
func (h *Heap) place(bp, asize uint32) {
	csize := h.sizeAt(hdr(bp))
	h.removeFree(bp)
	if csize-asize >= minBlock {
		h.put(hdr(bp), pack(asize, true))
		h.put(h.ftr(bp), pack(asize, true))
		rem := h.nextBlk(bp)
		h.put(hdr(rem), pack(csize-asize, false))
		h.put(h.ftr(rem), pack(csize-asize, false))
		h.insertFree(rem)
	} else {
		h.put(hdr(bp), pack(csize, true))
		h.put(h.ftr(bp), pack(csize, true))
	}
}

// Malloc allocates size bytes and returns the payload offset of the new
// block, or 0 on failure (out of memory or a zero/unrepresentable size).
func (h *Heap) Malloc(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	asize := adjustSize(size)
	if asize == 0 {
		WARN("malloc(%d) exceeds the heap model\n", size)
		return 0
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
	actual := h.sizeAt(hdr(bp))
	h.addUsed(actual - overhead)
	h.addOverhead(overhead)
	if h.Debug() {
		DBG("malloc(%d) -> %#x (block size %d)\n", size, bp, actual)
	}
	return bp
}

// Free releases the block at payload offset p (previously returned by
// Malloc or Realloc). Null, foreign and doubly freed offsets are
// reported on the log and ignored.
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
	if h.BChecks() && h.get(0) != keyCanary {
		BUG("free: heap key word overwritten (%#x)\n", h.get(0))
	}
	size := sizeOf(w)
	h.subUsed(size - overhead)
	h.subOverhead(overhead)
	h.put(hdr(p), pack(size, false))
	h.put(h.ftr(p), pack(size, false))
	h.insertFree(p)
	if h.Debug() {
		DBG("free(%#x) (block size %d)\n", p, size)
	}
}

// Realloc resizes the block at p to at least size payload bytes.
// Realloc(0, size) behaves like Malloc(size) and Realloc(p, 0) like
// Free(p). The result keeps the first min(old payload, size) bytes of
// the old payload; it equals p when the resize happened in place.
// On failure it returns 0 and leaves p intact.
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
	if h.BChecks() && h.get(0) != keyCanary {
		BUG("realloc: heap key word overwritten (%#x)\n", h.get(0))
	}
	asize := adjustSize(size)
	if asize == 0 {
		WARN("realloc(%#x, %d) exceeds the heap model\n", p, size)
		return 0
	}
	old := sizeOf(w)

	switch {
	case asize == old:
		return p
	case asize < old:
		if old-asize < minBlock {
			// the cut-off would be too small to hold a free block
			return p
		}
		h.put(hdr(p), pack(asize, true))
		h.put(h.ftr(p), pack(asize, true))
		rem := h.nextBlk(p)
		h.put(hdr(rem), pack(old-asize, false))
		h.put(h.ftr(rem), pack(old-asize, false))
		h.insertFree(rem)
		h.subUsed(old - asize)
		return p
	}

	// grow: probe the next block for in-place extension
	nb := h.nextBlk(p)
	nw := h.get(hdr(nb))
	if !isAlloc(nw) && old+sizeOf(nw) >= asize {
		h.removeFree(nb)
		combined := old + sizeOf(nw)
		if combined-asize >= minBlock {
			h.put(hdr(p), pack(asize, true))
			h.put(h.ftr(p), pack(asize, true))
			rem := h.nextBlk(p)
			h.put(hdr(rem), pack(combined-asize, false))
			h.put(h.ftr(rem), pack(combined-asize, false))
			h.insertFree(rem)
			h.addUsed(asize - old)
		} else {
			h.put(hdr(p), pack(combined, true))
			h.put(h.ftr(p), pack(combined, true))
			h.addUsed(combined - old)
		}
		return p
	}

	// no room next door: relocate
	np := h.Malloc(size)
	if np == 0 {
		return 0
	}
	copy(h.Payload(np), h.Payload(p))
	h.Free(p)
	return np
}
