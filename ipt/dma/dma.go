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

// Package dma models the contiguous, physically-aligned memory allocator
// that the ToPA builder depends on as an external collaborator (spec.md
// section 1: "a contiguous/aligned DMA-memory allocator yielding objects
// carrying both a virtual pointer and a physical address plus a reference
// handle"), plus the handle-duplication-with-rights-masking primitive used
// by get_chunk_handle (spec.md section 4.8).
package dma

import (
	"errors"
	"sync"
)

// PageSize is the host page size this allocator works in units of. Real
// IPT hardware is tied to the platform's native page size; spec.md fixes
// it at 4096 (section 6).
const PageSize = 4096

// ErrMisaligned is returned by MmapAllocator.Allocate if the region it
// aligned fails its own alignment re-check, and is exposed so callers
// mirroring spec.md section 4.3 step 1's "Internal" failure can construct
// the same error.
var ErrMisaligned = errors.New("dma: chunk physical address is not aligned to its size")

// Rights is a bitmask narrowing what a duplicated Handle may be used for,
// modeled after Zircon's handle rights (the system this spec's driver was
// originally written against) since get_chunk_handle's narrowed set
// {TRANSFER, WAIT, INSPECT, GET_PROPERTY, READ, MAP} is phrased in exactly
// those terms in spec.md section 4.8.
type Rights uint32

const (
	RightTransfer Rights = 1 << iota
	RightWait
	RightInspect
	RightGetProperty
	RightRead
	RightWrite
	RightMap
	RightDuplicate

	// RightsChunkHandle is the rights mask get_chunk_handle narrows to.
	RightsChunkHandle = RightTransfer | RightWait | RightInspect | RightGetProperty | RightRead | RightMap
)

// Handle is a reference to a DMA buffer's underlying memory object. It
// carries no memory itself; Duplicate produces an independent Handle value
// with rights intersected against mask, exactly mirroring spec.md section
// 4.8's "narrowed to rights ... intersected with the handle's existing
// rights".
type Handle struct {
	id     uint64
	rights Rights
}

// Duplicate returns a new handle referring to the same underlying object,
// with rights equal to h's rights intersected with mask.
func (h Handle) Duplicate(mask Rights) Handle {
	return Handle{id: h.id, rights: h.rights & mask}
}

// Rights reports the rights carried by h.
func (h Handle) Rights() Rights {
	return h.rights
}

// Buffer is a single allocated, aligned chunk of DMA-suitable memory.
type Buffer struct {
	VA     []byte // virtual mapping, len == pages*PageSize
	PA     uint64 // physical-address surrogate (see Allocator doc)
	Handle Handle
}

// Allocator yields contiguous, naturally-aligned DMA buffers. Real kernel
// drivers get actual physical addresses from their BTI; a user-space
// simulation has no such thing available, so implementations are expected
// to arrange for PA to be a stand-in value that nonetheless satisfies the
// same alignment contract real hardware would require (spec.md section
// 4.3 step 1), so the ToPA builder's alignment checks exercise the same
// logic they would against real hardware.
type Allocator interface {
	// Allocate returns a Buffer of pages*PageSize bytes whose PA is aligned
	// to alignPages*PageSize.
	Allocate(pages, alignPages int) (Buffer, error)
	// Free releases a Buffer previously returned by Allocate.
	Free(Buffer) error
}

// handleTable assigns monotonically increasing handle ids. It does not
// track rights: those travel in the Handle value itself, so Duplicate is a
// pure function of the handle value.
type handleTable struct {
	mu   sync.Mutex
	next uint64
}

func (t *handleTable) new(rights Rights) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return Handle{id: t.next, rights: rights}
}
