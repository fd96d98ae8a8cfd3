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

package topa

import (
	"encoding/binary"

	"github.com/rcornwell/ipt/ipt/descriptors"
)

// maskEntryShift/maskEntryMask and maskByteShift decode output_mask_ptrs: bits 7..31
// are the current entry index within the current table, bits 32..63 are
// the byte offset already written into that entry.
const (
	maskEntryShift = 7
	maskEntryMask  = (uint64(1) << 25) - 1
	maskByteShift  = 32
)

// ComputeCapture walks slot's ToPA tables to determine how many bytes of
// trace data hardware has written, using the saved output_base/
// output_mask_ptrs registers. The second return value is true when the
// walk could not locate the saved position (a corrupt or stale snapshot);
// callers should treat that as a non-fatal data-quality event and bump a
// diagnostic counter rather than propagate an error.
func ComputeCapture(slot *descriptors.TraceSlot) (uint64, bool) {
	currentEntry := int((slot.Regs.OutputMaskPtrs >> maskEntryShift) & maskEntryMask)
	byteOffset := slot.Regs.OutputMaskPtrs >> maskByteShift

	tableIdx := -1
	for i, t := range slot.Topas {
		if t.PA == slot.Regs.OutputBase {
			tableIdx = i
			break
		}
	}
	if tableIdx < 0 || currentEntry < 0 || currentEntry >= perTableData {
		return 0, true
	}

	target := tableIdx*perTableData + currentEntry
	if target < 0 || target >= int(slot.NumChunks) {
		return 0, true
	}

	var total uint64
	for t := 0; t <= tableIdx; t++ {
		limit := perTableData
		if t == tableIdx {
			limit = currentEntry
		}
		for s := 0; s < limit; s++ {
			c := t*perTableData + s
			if c >= int(slot.NumChunks) {
				break
			}
			entry := binary.LittleEndian.Uint64(slot.Topas[t].VA[s*8:])
			total += uint64(1) << entrySizeLog2(entry)
		}
	}
	total += byteOffset
	return total, false
}
