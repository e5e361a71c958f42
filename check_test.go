// Copyright 2021 Daniel Shchur. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package malloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// Random alloc/free/realloc traffic must keep every invariant and every
// live payload intact.
func TestRandomOpsKeepInvariants(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	rng := rand.New(rand.NewSource(42)) // fixed seed for reproducibility

	type blk struct {
		p    uint32
		size uint32
		pat  byte
	}
	var live []blk

	for i := 0; i < 600; i++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(live) == 0: // alloc
			size := uint32(rng.Intn(2000) + 1)
			p := h.Malloc(size)
			if p == 0 {
				break // arena exhausted, fine
			}
			pat := byte(rng.Intn(256))
			fill(h.Payload(p)[:size], pat)
			live = append(live, blk{p, size, pat})

		case op == 1: // free
			k := rng.Intn(len(live))
			b := live[k]
			requireFilled(t, h.Payload(b.p)[:b.size], b.pat)
			h.Free(b.p)
			live = append(live[:k], live[k+1:]...)

		default: // realloc
			k := rng.Intn(len(live))
			b := live[k]
			size := uint32(rng.Intn(3000) + 1)
			np := h.Realloc(b.p, size)
			if np == 0 {
				requireFilled(t, h.Payload(b.p)[:b.size], b.pat)
				break
			}
			keep := b.size
			if size < keep {
				keep = size
			}
			requireFilled(t, h.Payload(np)[:keep], b.pat)
			pat := byte(rng.Intn(256))
			fill(h.Payload(np)[:size], pat)
			live[k] = blk{np, size, pat}
		}
		if i%20 == 0 {
			require.NoError(t, h.CheckHeap(false))
		}
	}
	require.NoError(t, h.CheckHeap(false))

	for _, b := range live {
		requireFilled(t, h.Payload(b.p)[:b.size], b.pat)
		h.Free(b.p)
	}
	require.NoError(t, h.CheckHeap(false))
}

func TestCheckDetectsCanaryOverwrite(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	require.NoError(t, h.CheckHeap(false))
	h.put(0, 0xdeadbeef)
	require.Error(t, h.CheckHeap(false))
}

func TestCheckDetectsHeaderFooterMismatch(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	a := h.Malloc(32) // block size 40
	h.Malloc(32)
	h.put(hdr(a), pack(56, true)) // size no longer matches the footer
	require.Error(t, h.CheckHeap(false))
}

func TestCheckDetectsRunawaySize(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	a := h.Malloc(32)
	h.put(hdr(a), pack(1<<24, true)) // walks past the break
	require.Error(t, h.CheckHeap(false))
}

func TestCheckDetectsStrayFreeBlock(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	a := h.Malloc(32)
	b := h.Malloc(32)
	h.Free(a)
	// clear b's allocated bit behind the allocator's back: b is now free
	// in the headers, absent from the list, and adjacent to free a
	sz := h.sizeAt(hdr(b))
	h.put(hdr(b), pack(sz, false))
	h.put(h.ftr(b), pack(sz, false))
	require.Error(t, h.CheckHeap(false))
}

func TestCheckDetectsBrokenLinks(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	a := h.Malloc(32)
	h.Malloc(32) // guard, keeps a away from the tail
	h.Free(a)
	h.setFlNext(a, a+dsize) // aligned, in range, but no block starts there
	require.Error(t, h.CheckHeap(false))
}

func TestCheckDetectsListOrderViolation(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	var ps []uint32
	for i := 0; i < 3; i++ {
		ps = append(ps, h.Malloc(32))
		h.Malloc(32) // guards
	}
	h.Free(ps[0])
	h.Free(ps[1])
	h.Free(ps[2])

	// relink as n0 -> n2 -> n1 -> tail: every link stays consistent in
	// both directions, but addresses no longer ascend
	n0, n1, n2 := ps[0], ps[1], ps[2]
	tail := h.flNext(n2)
	h.setFlNext(n0, n2)
	h.setFlPrev(n2, n0)
	h.setFlNext(n2, n1)
	h.setFlPrev(n1, n2)
	h.setFlNext(n1, tail)
	h.setFlPrev(tail, n1)
	require.Error(t, h.CheckHeap(false))
}
