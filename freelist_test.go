// Copyright 2021 Daniel Shchur. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package malloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// descents counts positions where the successor address drops; a rotated
// sorted circle has exactly one.
func descents(nodes []uint32) int {
	d := 0
	for i, n := range nodes {
		nxt := nodes[(i+1)%len(nodes)]
		if nxt <= n {
			d++
		}
	}
	return d
}

func TestInsertKeepsAddressOrder(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	// six blocks plus the tail; free a scattered subset with guards in
	// between so nothing coalesces
	var ps []uint32
	for i := 0; i < 6; i++ {
		ps = append(ps, h.Malloc(24))
	}
	for _, i := range []int{4, 0, 2} {
		h.Free(ps[i])
		nodes := listNodes(h)
		require.Equal(t, ps[i], nodes[0], "head must follow the insert")
		if len(nodes) > 1 {
			require.Equal(t, 1, descents(nodes))
		}
		require.NoError(t, h.CheckHeap(false))
	}
	require.Len(t, listNodes(h), 4) // three frees plus the tail
}

func TestCoalesceForwardOnly(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	p1 := h.Malloc(16)
	p2 := h.Malloc(16)
	p3 := h.Malloc(16)
	require.Equal(t, []uint32{p1 + 24, p2 + 24}, []uint32{p2, p3})

	// p3 is adjacent to the free tail: absorbing it forward leaves a
	// single node rooted at p3
	h.Free(p3)
	nodes := listNodes(h)
	require.Equal(t, []uint32{p3}, nodes)
	require.Equal(t, uint32(chunkSize-2*24), h.sizeAt(hdr(p3)))
	require.NoError(t, h.CheckHeap(false))
}

func TestCoalesceBackwardOnly(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	p1 := h.Malloc(16)
	p2 := h.Malloc(16)
	h.Malloc(16) // guard before the tail
	h.Free(p1)
	require.Len(t, listNodes(h), 2) // p1 and the tail, not adjacent

	// p2's predecessor is free, its successor allocated
	h.Free(p2)
	nodes := listNodes(h)
	require.Len(t, nodes, 2)
	require.Equal(t, p1, nodes[0], "survivor becomes the head")
	require.Equal(t, uint32(48), h.sizeAt(hdr(p1)))
	require.NoError(t, h.CheckHeap(false))
}

func TestCoalesceThreeWay(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	p1 := h.Malloc(16)
	p2 := h.Malloc(16)
	h.Free(p1)
	h.Free(p2) // merges p1, p2 and the tail in one step
	require.Equal(t, []uint32{p1}, listNodes(h))
	require.Equal(t, uint32(chunkSize), h.sizeAt(hdr(p1)))
	require.NoError(t, h.CheckHeap(false))
}

func TestExactFitEmptiesList(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	a := h.Malloc(chunkSize - overhead)
	require.NotZero(t, a)
	require.Zero(t, h.freeListp)
	require.Zero(t, h.findFit(minBlock))

	h.Free(a)
	require.Equal(t, []uint32{a}, listNodes(h))
	require.NoError(t, h.CheckHeap(false))
}

func TestSplitRemainderJoinsList(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	a := h.Malloc(16)
	nodes := listNodes(h)
	require.Len(t, nodes, 1)
	require.Equal(t, h.nextBlk(a), nodes[0])
	require.Equal(t, uint32(chunkSize-24), h.sizeAt(hdr(nodes[0])))
}

func TestDuplicateInsertReported(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	a := h.Malloc(16)
	h.Malloc(16) // guard
	h.Free(a)

	// a second insert of the same block is a caller bug: it must be
	// reported and leave the list untouched
	nodes := listNodes(h)
	h.insertFree(a)
	require.Equal(t, nodes, listNodes(h))
	require.NoError(t, h.CheckHeap(false))

	// same with a head that is not the duplicate
	h.freeListp = nodes[1]
	h.insertFree(a)
	require.ElementsMatch(t, nodes, listNodes(h))
	require.NoError(t, h.CheckHeap(false))
}

func TestFindFitFirstFit(t *testing.T) {
	h := newTestHeap(t, 1<<20)

	var ps []uint32
	for i := 0; i < 4; i++ {
		ps = append(ps, h.Malloc(100))
		h.Malloc(16) // guards
	}
	h.Free(ps[1])
	h.Free(ps[3])

	// both holes fit; the head sits on ps[3] (last insert), so first-fit
	// lands there even though ps[1] is lower
	require.Equal(t, ps[3], h.Malloc(100))
	// taking ps[3] moved the head to the tail, so a request too big for
	// the ps[1] hole is served from the tail
	p := h.Malloc(3000)
	require.NotZero(t, p)
	require.NotEqual(t, ps[1], p)
	require.Contains(t, listNodes(h), ps[1])
	require.NoError(t, h.CheckHeap(false))
}
