// Copyright 2021 Daniel Shchur. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package malloc

// The free list is a circular doubly-linked list threaded through the
// payloads of free blocks: the successor link lives in the first payload
// word, the predecessor link in the second. Links are address ordered,
// so the list is always a rotation of ascending offsets with a single
// wrap. freeListp is a movable cursor, not an anchor: every insert leaves
// it on the inserted (or merge-surviving) node, which keeps first-fit
// close to recently freed memory.

// flNext returns the successor of the free block bp.
func (h *Heap) flNext(bp uint32) uint32 { return h.get(bp) }

// flPrev returns the predecessor of the free block bp.
func (h *Heap) flPrev(bp uint32) uint32 { return h.get(bp + wsize) }

func (h *Heap) setFlNext(bp, to uint32) { h.put(bp, to) }
func (h *Heap) setFlPrev(bp, to uint32) { h.put(bp+wsize, to) }

// inGap reports whether n sorts between c and its successor nc on the
// address-ordered circle. The wrap gap (c >= nc) holds everything above
// the maximum and below the minimum node; it also covers the singleton
// list, where c == nc.
func inGap(c, n, nc uint32) bool {
	if c < nc {
		return c < n && n < nc
	}
	return n > c || n < nc
}

// insertFree links the free block bp into the address-ordered list,
// merging it with physically adjacent free neighbors first. bp's header
// and footer must already be marked free. After return the list head is
// the inserted or merge-surviving node.
func (h *Heap) insertFree(bp uint32) {
	if h.freeListp == 0 {
		h.setFlNext(bp, bp)
		h.setFlPrev(bp, bp)
		h.freeListp = bp
		return
	}
	c := h.freeListp
	for {
		if c == bp {
			BUG("insertFree: block %#x is already on the free list\n", bp)
			return
		}
		nc := h.flNext(c)
		if inGap(c, bp, nc) {
			h.spliceFree(c, bp, nc)
			return
		}
		c = nc
		if c == h.freeListp {
			// every offset falls in exactly one gap of a sane list
			BUG("insertFree: no insertion gap for %#x, list corrupted\n", bp)
			return
		}
	}
}

// spliceFree places bp between the list neighbors c and nc, fusing it
// with whichever of them is also physically adjacent. At most one of
// the four branches runs; each leaves headers, footers, links and the
// list head consistent.
func (h *Heap) spliceFree(c, bp, nc uint32) {
	prevAdj := h.nextBlk(c) == bp
	nextAdj := h.nextBlk(bp) == nc

	switch {
	case prevAdj && nextAdj:
		// three-way merge: bp and nc both fold into c
		size := h.sizeAt(hdr(c)) + h.sizeAt(hdr(bp)) + h.sizeAt(hdr(nc))
		nnc := h.flNext(nc)
		h.setFlNext(c, nnc)
		h.setFlPrev(nnc, c)
		h.put(hdr(c), pack(size, false))
		h.put(h.ftr(c), pack(size, false))
		h.freeListp = c

	case prevAdj:
		size := h.sizeAt(hdr(c)) + h.sizeAt(hdr(bp))
		h.put(hdr(c), pack(size, false))
		h.put(h.ftr(c), pack(size, false))
		h.freeListp = c

	case nextAdj:
		// bp absorbs nc and takes over its list position
		size := h.sizeAt(hdr(bp)) + h.sizeAt(hdr(nc))
		if nc == c {
			h.setFlNext(bp, bp)
			h.setFlPrev(bp, bp)
		} else {
			nnc := h.flNext(nc)
			h.setFlNext(c, bp)
			h.setFlPrev(bp, c)
			h.setFlNext(bp, nnc)
			h.setFlPrev(nnc, bp)
		}
		h.put(hdr(bp), pack(size, false))
		h.put(h.ftr(bp), pack(size, false))
		h.freeListp = bp

	default:
		h.setFlNext(c, bp)
		h.setFlPrev(bp, c)
		h.setFlNext(bp, nc)
		h.setFlPrev(nc, bp)
		h.freeListp = bp
	}
}

// removeFree unlinks bp from the free list. Removing the last node
// leaves the list empty.
func (h *Heap) removeFree(bp uint32) {
	nxt := h.flNext(bp)
	if nxt == bp {
		h.freeListp = 0
		return
	}
	prv := h.flPrev(bp)
	h.setFlNext(prv, nxt)
	h.setFlPrev(nxt, prv)
	if h.freeListp == bp {
		h.freeListp = nxt
	}
}
