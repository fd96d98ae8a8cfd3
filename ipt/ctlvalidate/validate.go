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

// Package ctlvalidate checks a user-requested control-register value and
// its associated sub-fields against a capability record before the
// lifecycle state machine lets it anywhere near hardware. It is grounded
// on sys_channel's cmdMask/keyMask/flagMask style: named bitmask
// constants combined with plain `word&mask != 0` tests, gated here by
// capability booleans instead of fixed hardware wiring.
package ctlvalidate

import (
	"errors"

	"github.com/rcornwell/ipt/ipt/capabilities"
	"github.com/rcornwell/ipt/ipt/descriptors"
)

// ErrInvalidArgs is returned for any ctl bit outside the settable mask or
// any sub-field value not present in its corresponding hardware mask.
var ErrInvalidArgs = errors.New("ctlvalidate: control value rejected")

// Control-register bits. Values are illustrative of an Intel PT-shaped
// control word; what matters for validation is which bits depend on which
// capability, not their exact hardware positions.
const (
	CtlOSAllowed   uint64 = 1 << 0
	CtlUserAllowed uint64 = 1 << 1
	CtlTSCEn       uint64 = 1 << 2
	CtlDisRETC     uint64 = 1 << 3
	CtlBranchEn    uint64 = 1 << 4

	CtlPTWEn    uint64 = 1 << 5
	CtlFUPOnPTW uint64 = 1 << 6

	CtlCR3Filter uint64 = 1 << 7

	CtlMTCEn uint64 = 1 << 8
	// CtlMTCFreqShift/Mask locate the mtc_freq sub-field within ctl.
	CtlMTCFreqShift = 14
	CtlMTCFreqMask  = 0xf

	CtlPowerEventEn uint64 = 1 << 9

	// addrRangeBit(k) gives the bit for ADDRk_MASK.
	addrRangeBase = 10

	CtlCycEn uint64 = 1 << 18
	// CtlPSBFreqShift/Mask and CtlCycThreshShift/Mask locate their
	// sub-fields within ctl.
	CtlPSBFreqShift   = 24
	CtlPSBFreqMask    = 0xf
	CtlCycThreshShift = 19
	CtlCycThreshMask  = 0xf
)

func addrRangeBit(k int) uint64 {
	return 1 << uint(addrRangeBase+k)
}

// settableMask builds the set of ctl bits legal to request given caps.
func settableMask(caps capabilities.Capabilities) uint64 {
	mask := CtlOSAllowed | CtlUserAllowed | CtlTSCEn | CtlDisRETC | CtlBranchEn

	if caps.PTWrite {
		mask |= CtlPTWEn | CtlFUPOnPTW
	}
	if caps.CR3Filtering {
		mask |= CtlCR3Filter
	}
	if caps.MTC {
		mask |= CtlMTCEn | (uint64(CtlMTCFreqMask) << CtlMTCFreqShift)
	}
	if caps.PowerEvents {
		mask |= CtlPowerEventEn
	}
	if caps.IPFiltering {
		for k := 0; k < int(caps.NumAddrRanges); k++ {
			mask |= addrRangeBit(k)
		}
	}
	if caps.PSB {
		mask |= CtlCycEn | (uint64(CtlPSBFreqMask) << CtlPSBFreqShift) | (uint64(CtlCycThreshMask) << CtlCycThreshShift)
	}

	return mask
}

// Validate checks requestedCtl, requestedCR3 and requestedAddrRanges
// against caps, returning ErrInvalidArgs on the first violation.
// ctl's sub-fields (mtc_freq, cyc_thresh, psb_freq) are checked against
// their hardware masks, and every entry of requestedAddrRanges at index
// caps.NumAddrRanges or beyond must be zero. requestedCR3 is accepted for
// symmetry with the external ALLOC_BUFFER request shape and not checked.
func Validate(caps capabilities.Capabilities, requestedCtl uint64, requestedCR3 uint64, requestedAddrRanges []descriptors.AddrRange) error {
	mask := settableMask(caps)
	if requestedCtl&^mask != 0 {
		return ErrInvalidArgs
	}

	mtcFreq := (requestedCtl >> CtlMTCFreqShift) & CtlMTCFreqMask
	if mtcFreq != 0 && (uint64(1)<<mtcFreq)&uint64(caps.MTCFreqMask) == 0 {
		return ErrInvalidArgs
	}

	cycThresh := (requestedCtl >> CtlCycThreshShift) & CtlCycThreshMask
	if cycThresh != 0 && (uint64(1)<<cycThresh)&uint64(caps.CycThreshMask) == 0 {
		return ErrInvalidArgs
	}

	psbFreq := (requestedCtl >> CtlPSBFreqShift) & CtlPSBFreqMask
	if psbFreq != 0 && (uint64(1)<<psbFreq)&uint64(caps.PSBFreqMask) == 0 {
		return ErrInvalidArgs
	}

	if len(requestedAddrRanges) > int(caps.NumAddrRanges) {
		for _, r := range requestedAddrRanges[caps.NumAddrRanges:] {
			if r.Base != 0 || r.Mask != 0 {
				return ErrInvalidArgs
			}
		}
	}

	_ = requestedCR3 // no capability gates CR3 value itself, only whether CR3_FILTER may be set
	return nil
}
