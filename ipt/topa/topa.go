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

// Package topa builds and walks ToPA (Table of Physical Addresses)
// descriptor tables: the hardware-consumable linked structure that tells
// Intel Processor Trace which physical chunks to write into and when to
// wrap or stop. It is grounded on sys_channel's loadCCW chain-traversal
// logic (chained records linked by a next-pointer, wraparound via modulo,
// flag bits OR'd into a control word) generalized from CCWs to ToPA
// entries.
package topa

import (
	"encoding/binary"
	"errors"

	"github.com/rcornwell/ipt/ipt/descriptors"
	"github.com/rcornwell/ipt/ipt/dma"
)

// Platform constants (mirrors the layout real Intel PT hardware defines
// for a ToPA table).
const (
	MaxNumChunks     = 4096
	MaxChunkOrder    = 8
	PageShift        = 12
	MaxPerTraceSpace = 256 * 1024 * 1024

	// TableEntries is the number of 8-byte entries in one ToPA table page
	// (4096 / 8).
	TableEntries = dma.PageSize / 8

	entrySizeShift  = 6
	entrySizeMask   = 0x3f
	entryLowBitsLen = 12
	entryLowMask    = (uint64(1) << entryLowBitsLen) - 1

	entryEndBit  = uint64(1) << 1
	entryStopBit = uint64(1) << 4
)

// ErrInvalidArgs covers out-of-range chunk counts/orders, over-budget
// total size, and the I7 single-table-only restriction.
var ErrInvalidArgs = errors.New("topa: invalid build arguments")

// ErrInternal signals a DMA buffer whose physical address failed its
// required alignment check — a defect in the allocator, not caller error.
var ErrInternal = errors.New("topa: allocator returned a misaligned chunk")

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// perTableData is the number of data entries a table can hold once its
// last slot is reserved for the END link (I8).
const perTableData = TableEntries - 1

// entryCount returns the total number of entries (data + END) this many
// chunks occupy once spread across tables at perTableData each.
func entryCount(numChunks, numTables int) int {
	return numChunks + numTables
}

// numTablesFor computes I6's num_tables: the number of tables needed to
// hold numChunks data entries when every table reserves exactly one slot
// for its END link.
func numTablesFor(numChunks int) int {
	return ceilDiv(numChunks, perTableData)
}

// Build constructs a slot's chunk set and ToPA tables in place.
// outputTopaMulti determines whether multi-table output is permitted (I7); when it is
// not, only a single chunk (one table, one data entry plus its END) is
// legal.
func Build(slot *descriptors.TraceSlot, alloc dma.Allocator, numChunks, chunkOrder int, isCircular, outputTopaMulti bool) error {
	if numChunks < 1 || numChunks > MaxNumChunks {
		return ErrInvalidArgs
	}
	if chunkOrder < 0 || chunkOrder > MaxChunkOrder {
		return ErrInvalidArgs
	}
	chunkPages := 1 << uint(chunkOrder)
	totalBytes := int64(numChunks) * int64(chunkPages) * dma.PageSize
	if totalBytes > MaxPerTraceSpace {
		return ErrInvalidArgs
	}

	numTables := numTablesFor(numChunks)
	if !outputTopaMulti && entryCount(numChunks, numTables) > 2 {
		return ErrInvalidArgs
	}

	var chunks []dma.Buffer
	var tables []dma.Buffer

	rollback := func() {
		for i := len(tables) - 1; i >= 0; i-- {
			_ = alloc.Free(tables[i])
		}
		for i := len(chunks) - 1; i >= 0; i-- {
			_ = alloc.Free(chunks[i])
		}
	}

	for i := 0; i < numChunks; i++ {
		buf, err := alloc.Allocate(chunkPages, chunkPages)
		if err != nil {
			rollback()
			return err
		}
		alignMask := uint64(chunkPages*dma.PageSize - 1)
		if buf.PA&alignMask != 0 {
			chunks = append(chunks, buf)
			rollback()
			return ErrInternal
		}
		chunks = append(chunks, buf)
	}

	for i := 0; i < numTables; i++ {
		buf, err := alloc.Allocate(1, 1)
		if err != nil {
			rollback()
			return err
		}
		tables = append(tables, buf)
	}

	sizeLog2 := uint64(chunkOrder + PageShift)
	lastTable, lastSlot := 0, 0

	for c := 0; c < numChunks; c++ {
		t := c / perTableData
		s := c % perTableData
		entry := chunks[c].PA | (sizeLog2&entrySizeMask)<<entrySizeShift
		binary.LittleEndian.PutUint64(tables[t].VA[s*8:], entry)
		lastTable, lastSlot = t, s
	}

	for i := 0; i < numTables; i++ {
		// Every table but the last holds exactly perTableData data entries,
		// so its END goes in the reserved final slot. The last table may be
		// only partially filled; its END goes at the first empty slot,
		// which coincides with the final slot only when that table is
		// exactly full too.
		endSlot := perTableData
		if i == lastTable {
			endSlot = lastSlot + 1
		}
		next := tables[(i+1)%numTables].PA
		entry := next | entryEndBit
		binary.LittleEndian.PutUint64(tables[i].VA[endSlot*8:], entry)
	}

	if !isCircular {
		off := lastSlot * 8
		word := binary.LittleEndian.Uint64(tables[lastTable].VA[off:])
		word |= entryStopBit
		binary.LittleEndian.PutUint64(tables[lastTable].VA[off:], word)
	}

	slot.NumChunks = uint32(numChunks)
	slot.ChunkOrder = uint32(chunkOrder)
	slot.IsCircular = isCircular
	slot.NumTables = uint32(numTables)
	slot.Chunks = chunks
	slot.Topas = tables
	return nil
}

// Free releases a slot's chunks and then its tables (the reverse of
// Build's rollback order, which frees tables first) and zeroes it back to
// its unallocated state.
func Free(slot *descriptors.TraceSlot, alloc dma.Allocator) error {
	var firstErr error
	for _, c := range slot.Chunks {
		if err := alloc.Free(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range slot.Topas {
		if err := alloc.Free(t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	slot.Reset()
	return firstErr
}

// entryPhys and entrySizeLog2 decode entries Build wrote; the capture
// walker uses entrySizeLog2.
func entryPhys(entry uint64) uint64 {
	return entry &^ entryLowMask
}

func entrySizeLog2(entry uint64) uint64 {
	return (entry >> entrySizeShift) & entrySizeMask
}
