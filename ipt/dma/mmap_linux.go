//go:build linux

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
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator is the real Allocator, backed by anonymous MAP_PRIVATE
// mappings. User-space code has no way to ask the kernel for a true
// physical address, so PA is a surrogate: the virtual address of the
// aligned region itself, which satisfies exactly the same alignment
// contract a real physical address would (the ToPA builder only ever
// inspects PA's low bits). This mirrors the memory.go convention of
// treating a single flat address space as if it were physical memory.
type MmapAllocator struct {
	mu      sync.Mutex
	ht      handleTable
	regions map[uint64]mmapRegion
}

type mmapRegion struct {
	full []byte // the full over-sized mapping handed to Munmap
}

// NewMmapAllocator returns a ready-to-use MmapAllocator.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{regions: map[uint64]mmapRegion{}}
}

func (a *MmapAllocator) Allocate(pages, alignPages int) (Buffer, error) {
	if pages <= 0 || alignPages <= 0 {
		return Buffer{}, fmt.Errorf("dma: pages and alignPages must be positive")
	}
	size := pages * PageSize
	alignBytes := alignPages * PageSize

	full, err := unix.Mmap(-1, 0, size+alignBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Buffer{}, fmt.Errorf("dma: mmap: %w", err)
	}

	base := uintptr(unsafe.Pointer(&full[0]))
	aligned := (base + uintptr(alignBytes-1)) &^ uintptr(alignBytes-1)
	offset := aligned - base
	va := full[offset : offset+uintptr(size) : offset+uintptr(size)]

	if uintptr(unsafe.Pointer(&va[0]))%uintptr(alignBytes) != 0 {
		_ = unix.Munmap(full)
		return Buffer{}, ErrMisaligned
	}

	a.mu.Lock()
	h := a.ht.new(RightTransfer | RightWait | RightInspect | RightGetProperty | RightRead | RightWrite | RightMap | RightDuplicate)
	a.regions[h.id] = mmapRegion{full: full}
	a.mu.Unlock()

	return Buffer{
		VA:     va,
		PA:     uint64(uintptr(unsafe.Pointer(&va[0]))),
		Handle: h,
	}, nil
}

func (a *MmapAllocator) Free(b Buffer) error {
	a.mu.Lock()
	region, ok := a.regions[b.Handle.id]
	if ok {
		delete(a.regions, b.Handle.id)
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("dma: free of unknown or already-freed handle")
	}
	return unix.Munmap(region.full)
}
