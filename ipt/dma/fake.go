/*
Copyright (c) 2024, Richard Cornwell

Permission is hereby granted, free of charge, to any person obtaining a
copy of this software and associated documentation files (the "Software"),
to deal in the Software without restriction, including without limitation
the rights to use, copy, modify, merge, publish, distribute, sublicense,
and/or sell copies of the Software, and to permit persons to whom the
Software is furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.  IN NO EVENT SHALL
RICHARD CORNWELL BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
*/

package dma

import (
	"fmt"
	"sync"
)

// FakeAllocator is a pure-Go Allocator for tests and non-Linux hosts. It
// never touches mmap; PA is a synthetic counter pre-aligned to the
// requested alignment, which is all the ToPA builder's alignment checks
// require.
type FakeAllocator struct {
	mu       sync.Mutex
	ht       handleTable
	next     uint64
	live     map[uint64][]byte
	failNext error
}

// NewFakeAllocator returns a ready-to-use FakeAllocator.
func NewFakeAllocator() *FakeAllocator {
	return &FakeAllocator{live: map[uint64][]byte{}}
}

// FailNextAllocate makes the next call to Allocate return err instead of
// allocating, then clears itself, for tests that exercise a failed
// allocation.
func (a *FakeAllocator) FailNextAllocate(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext = err
}

func (a *FakeAllocator) Allocate(pages, alignPages int) (Buffer, error) {
	a.mu.Lock()
	if a.failNext != nil {
		err := a.failNext
		a.failNext = nil
		a.mu.Unlock()
		return Buffer{}, err
	}

	if pages <= 0 || alignPages <= 0 {
		a.mu.Unlock()
		return Buffer{}, fmt.Errorf("dma: pages and alignPages must be positive")
	}

	alignBytes := uint64(alignPages * PageSize)
	a.next = (a.next + alignBytes - 1) &^ (alignBytes - 1)
	pa := a.next
	a.next += uint64(pages * PageSize)

	h := a.ht.new(RightTransfer | RightWait | RightInspect | RightGetProperty | RightRead | RightWrite | RightMap | RightDuplicate)
	buf := make([]byte, pages*PageSize)
	a.live[h.id] = buf
	a.mu.Unlock()

	return Buffer{VA: buf, PA: pa, Handle: h}, nil
}

func (a *FakeAllocator) Free(b Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[b.Handle.id]; !ok {
		return fmt.Errorf("dma: free of unknown or already-freed handle")
	}
	delete(a.live, b.Handle.id)
	return nil
}

// Live reports the number of outstanding (un-freed) buffers, for tests
// asserting that lifecycle cleanup releases everything it allocated.
func (a *FakeAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}
