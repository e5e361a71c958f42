// Copyright 2021 Daniel Shchur. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package malloc

import (
	"github.com/pkg/errors"
)

// ErrOutOfMemory is returned when the heap provider cannot grow the heap
// any further.
var ErrOutOfMemory = errors.New("out of memory")

// Mem is the sbrk-style heap provider: a fixed-capacity byte arena with a
// monotonically growing break. The allocators draw heap memory from it in
// append-only steps and never give any back.
type Mem struct {
	buf []byte
	brk uint32
}

// NewMem wraps buf as a heap arena. The usable capacity is len(buf) rounded
// down to the alignment quantum and capped at the 32-bit model limit.
func NewMem(buf []byte) *Mem {
	if uint64(len(buf)) > maxHeap {
		buf = buf[:maxHeap]
	}
	return &Mem{buf: buf[:roundDown(uint32(len(buf)))]}
}

// Sbrk extends the break by n bytes and returns the offset of the first
// newly added byte. On failure it returns ErrOutOfMemory and leaves the
// break untouched.
func (m *Mem) Sbrk(n uint32) (uint32, error) {
	if n > m.Size()-m.brk {
		return 0, errors.Wrapf(ErrOutOfMemory,
			"sbrk(%d) with %d bytes left", n, m.Size()-m.brk)
	}
	old := m.brk
	m.brk += n
	return old, nil
}

// Brk returns the current break offset.
func (m *Mem) Brk() uint32 { return m.brk }

// Size returns the arena capacity (the break can never move past it).
func (m *Mem) Size() uint32 { return uint32(len(m.buf)) }

// Bytes returns the in-use heap region [0, brk).
func (m *Mem) Bytes() []byte { return m.buf[:m.brk] }
