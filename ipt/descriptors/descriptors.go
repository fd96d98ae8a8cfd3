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

// Package descriptors owns the fixed-length vector of trace slots a device
// allocates at alloc_trace time, the per-slot state invariants, and the
// free-slot search used by alloc_buffer. It is grounded in the same
// slice-of-struct-indexed-by-descriptor shape sys_channel uses for its
// sub-channel table: a flat slice addressed by small integer index, with a
// linear scan for the first usable entry.
package descriptors

import (
	"errors"

	"github.com/rcornwell/ipt/ipt/dma"
)

// ErrOutOfRange is returned by SlotAt when the index is not less than the
// vector's length.
var ErrOutOfRange = errors.New("descriptors: index out of range")

// ErrNoResources is returned by FindFree when every slot is allocated.
var ErrNoResources = errors.New("descriptors: no free slot")

// ErrAssigned is returned by Clear when a slot is still assigned.
var ErrAssigned = errors.New("descriptors: slot still assigned")

// MaxAddrRanges bounds the number of IP filtering address ranges a slot's
// saved registers carry.
const MaxAddrRanges = 4

// Owner identifies which CPU or thread a slot's staged registers are bound
// to. Exactly one field is meaningful, selected by the owning device's
// mode; callers must never read Thread in CpusMode or CPU in ThreadsMode.
type Owner struct {
	IsThread bool
	CPU      uint32
	Thread   uintptr // opaque thread handle surrogate
}

// AddrRange is one IP-filtering range, a (base, mask) pair.
type AddrRange struct {
	Base uint64
	Mask uint64
}

// Registers is the fixed-layout hardware register block saved into a slot
// across start/stop and staged/retrieved through the privileged channel.
type Registers struct {
	Ctl            uint64
	Status         uint64
	OutputBase     uint64
	OutputMaskPtrs uint64
	CR3Match       uint64
	AddrRanges     [MaxAddrRanges]AddrRange
}

// TraceSlot is one trace descriptor: a chunk+ToPA set plus its saved
// hardware register state.
type TraceSlot struct {
	Owner Owner

	Allocated bool
	Assigned  bool

	NumChunks  uint32
	ChunkOrder uint32
	IsCircular bool
	NumTables  uint32

	Chunks []dma.Buffer
	Topas  []dma.Buffer

	Regs Registers
}

// Reset zeroes s back to its unallocated state (invariant I1). Callers must
// have already released any DMA resources s held.
func (s *TraceSlot) Reset() {
	*s = TraceSlot{}
}

// Vector is the fixed-length slot array created by alloc_trace and
// destroyed by free_trace.
type Vector struct {
	slots []TraceSlot
}

// AllocateVector creates a Vector of n zeroed slots.
func AllocateVector(n int) *Vector {
	return &Vector{slots: make([]TraceSlot, n)}
}

// Len returns the number of slots in the vector.
func (v *Vector) Len() int {
	return len(v.slots)
}

// FindFree returns the index of the first slot with Allocated == false, or
// ErrNoResources if none remain. The scan is linear and deterministic
// (lowest index first), which keeps descriptor assignment predictable for
// debugging at the cost of no better than O(n) — acceptable given the
// vector is bounded by the CPU or thread count.
func (v *Vector) FindFree() (int, error) {
	for i := range v.slots {
		if !v.slots[i].Allocated {
			return i, nil
		}
	}
	return 0, ErrNoResources
}

// SlotAt returns a mutable pointer to slot i, or ErrOutOfRange.
func (v *Vector) SlotAt(i int) (*TraceSlot, error) {
	if i < 0 || i >= len(v.slots) {
		return nil, ErrOutOfRange
	}
	return &v.slots[i], nil
}

// Clear destroys the vector's contents, provided no slot is still
// assigned. It does not itself release DMA resources; callers must free
// every allocated slot's chunks/tables before calling Clear.
func (v *Vector) Clear() error {
	for i := range v.slots {
		if v.slots[i].Assigned {
			return ErrAssigned
		}
	}
	v.slots = nil
	return nil
}

// AnyAssigned reports whether any slot in the vector is currently
// assigned, used by callers enforcing free_trace's precondition.
func (v *Vector) AnyAssigned() bool {
	for i := range v.slots {
		if v.slots[i].Assigned {
			return true
		}
	}
	return false
}
