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

package ctlvalidate_test

import (
	"testing"

	"github.com/rcornwell/ipt/ipt/capabilities"
	"github.com/rcornwell/ipt/ipt/ctlvalidate"
	"github.com/rcornwell/ipt/ipt/descriptors"
)

func TestValidateAcceptsBaseBitsAlways(t *testing.T) {
	caps := capabilities.Capabilities{Supported: true}
	ctl := ctlvalidate.CtlOSAllowed | ctlvalidate.CtlUserAllowed | ctlvalidate.CtlTSCEn | ctlvalidate.CtlBranchEn
	if err := ctlvalidate.Validate(caps, ctl, 0, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsCapabilityGatedBitWhenAbsent(t *testing.T) {
	caps := capabilities.Capabilities{Supported: true, CR3Filtering: false}
	err := ctlvalidate.Validate(caps, ctlvalidate.CtlCR3Filter, 0, nil)
	if err == nil {
		t.Fatal("expected rejection of CR3_FILTER when caps.CR3Filtering is false")
	}
}

func TestValidateAcceptsCapabilityGatedBitWhenPresent(t *testing.T) {
	caps := capabilities.Capabilities{Supported: true, CR3Filtering: true}
	if err := ctlvalidate.Validate(caps, ctlvalidate.CtlCR3Filter, 0, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsSubFieldNotInHardwareMask(t *testing.T) {
	caps := capabilities.Capabilities{
		Supported:   true,
		MTC:         true,
		MTCFreqMask: 0x1, // only log2 value 0 is legal
	}
	ctl := ctlvalidate.CtlMTCEn | (uint64(2) << ctlvalidate.CtlMTCFreqShift) // requests log2 value 2
	if err := ctlvalidate.Validate(caps, ctl, 0, nil); err == nil {
		t.Fatal("expected rejection of mtc_freq value absent from MTCFreqMask")
	}
}

func TestValidateAcceptsSubFieldInHardwareMask(t *testing.T) {
	caps := capabilities.Capabilities{
		Supported:   true,
		MTC:         true,
		MTCFreqMask: 0x4, // log2 value 2 legal
	}
	ctl := ctlvalidate.CtlMTCEn | (uint64(2) << ctlvalidate.CtlMTCFreqShift)
	if err := ctlvalidate.Validate(caps, ctl, 0, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsAddrRangeBeyondCapability(t *testing.T) {
	caps := capabilities.Capabilities{Supported: true, IPFiltering: true, NumAddrRanges: 1}
	ranges := []descriptors.AddrRange{
		{Base: 0x1000, Mask: 0xfff},
		{Base: 0x2000, Mask: 0xfff}, // beyond NumAddrRanges
	}
	if err := ctlvalidate.Validate(caps, 0, 0, ranges); err == nil {
		t.Fatal("expected rejection of an address range beyond NumAddrRanges")
	}
}
