// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package malloc

import (
	"github.com/intuitivelabs/slog"
	"github.com/pkg/errors"
)

// CheckHeap validates the heap invariants without modifying any state:
// the key word, the prologue, header/footer agreement on every block, the
// epilogue sitting exactly at the break, no two adjacent free blocks, and
// the bidirectional correspondence between free headers and free-list
// membership, including link integrity and address order.
//
// Every violation is logged; the returned error summarises the count and
// is nil for a clean heap. With verbose set the full heap is dumped
// first. A corrupted size or link stops the affected walk instead of
// following it out of the heap.
func (h *Heap) CheckHeap(verbose bool) error {
	if verbose {
		h.dumpStatus()
	}
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
	if pw != h.get(h.ftr(h.heapListp)) {
		fail("check: prologue header/footer mismatch\n")
	}

	// forward block walk, prologue to epilogue
	nfree := 0
	free := make(map[uint32]bool)
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
		nxt := bp + sizeOf(w)
		if nxt <= bp || nxt > h.mem.Brk() {
			fail("check: block %#x (size %d) walks out of the heap\n",
				bp, sizeOf(w))
			break
		}
		if w != h.get(h.ftr(bp)) {
			fail("check: block %#x header %#x != footer %#x\n",
				bp, w, h.get(h.ftr(bp)))
		}
		if h.prevBlk(nxt) != bp {
			fail("check: block %#x not reachable backward from %#x\n",
				bp, nxt)
		}
		if !isAlloc(w) {
			if prevFree {
				fail("check: adjacent free blocks at %#x\n", bp)
			}
			prevFree = true
			nfree++
			free[bp] = true
		} else {
			prevFree = false
		}
		bp = nxt
	}
	if hdr(bp) != h.mem.Brk()-wsize {
		fail("check: epilogue at %#x, break at %#x\n", hdr(bp), h.mem.Brk())
	}
	if !isAlloc(h.get(hdr(bp))) {
		fail("check: bad epilogue header\n")
	}

	// free list walk, matched against the block walk
	badNode := func(x uint32) bool {
		return x%dsize != 0 || x < h.heapListp+dsize || x+dsize > h.mem.Brk()
	}
	switch {
	case h.freeListp == 0:
		if nfree != 0 {
			fail("check: %d free blocks but the free list is empty\n", nfree)
		}
	case badNode(h.freeListp):
		fail("check: free list head %#x out of the heap\n", h.freeListp)
	default:
		n := 0
		descents := 0
		c := h.freeListp
		for {
			if !free[c] {
				fail("check: list node %#x is not a free heap block\n", c)
			}
			n++
			nxt := h.flNext(c)
			if badNode(nxt) {
				fail("check: free link %#x -> %#x out of the heap\n", c, nxt)
				break
			}
			if h.flPrev(nxt) != c {
				fail("check: broken links between %#x and %#x\n", c, nxt)
				break
			}
			if nxt <= c {
				descents++
			}
			if n > nfree {
				fail("check: free list longer than the %d free blocks\n",
					nfree)
				break
			}
			c = nxt
			if c == h.freeListp {
				break
			}
		}
		if n != nfree {
			fail("check: %d free blocks but %d list nodes\n", nfree, n)
		}
		if n > 1 && descents != 1 {
			fail("check: free list not address ordered (%d descents)\n",
				descents)
		}
	}

	if nerr != 0 {
		return errors.Errorf("%s: heap check: %d violation(s)", NAME, nerr)
	}
	return nil
}

// dumpStatus writes the current heap status to the log.
func (h *Heap) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "heap_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", h)
	if h == nil || h.mem == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "arena size= %d, break= %d\n",
		h.mem.Size(), h.mem.Brk())
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead= %d, free= %d\n",
		h.used.Used, h.used.RealUsed, h.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		h.used.MaxRealUsed)
	if h.options&MDumpStatsShort != 0 {
		return
	}
	i := 0
	for bp := h.heapListp; h.sizeAt(hdr(bp)) > 0; bp = h.nextBlk(bp) {
		w := h.get(hdr(bp))
		state := 'a'
		if !isAlloc(w) {
			state = 'f'
		}
		Log.LLog(lev, 0, prefix, "   %3d. %#8x: [%d:%c]\n",
			i, bp, sizeOf(w), state)
		i++
		if h.nextBlk(bp) <= bp || h.nextBlk(bp) > h.mem.Brk() {
			Log.LLog(lev, 0, prefix, "   walk aborted at %#x\n", bp)
			return
		}
	}
	n := 0
	if h.freeListp != 0 {
		for c := h.freeListp; ; {
			if c%dsize != 0 || c+dsize > h.mem.Brk() {
				break
			}
			n++
			c = h.flNext(c)
			if c == h.freeListp || n > i {
				break
			}
		}
	}
	Log.LLog(lev, 0, prefix, "free list: %d node(s), head %#x\n",
		n, h.freeListp)
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}
