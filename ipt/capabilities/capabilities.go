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

// Package capabilities probes CPU identification leaves once per process
// and exposes the resulting Intel Processor Trace capability record.
package capabilities

import (
	"errors"
	"sync"
)

// ErrUnsupported is returned by Probe when the host CPU does not implement
// Intel Processor Trace at all (max CPUID leaf too low, or the feature bit
// in leaf 7 is clear).
var ErrUnsupported = errors.New("capabilities: CPU does not support Intel PT")

// Capabilities is the immutable, process-wide Intel Processor Trace
// capability record. Once probed it is never mutated.
type Capabilities struct {
	Supported bool

	Family   uint32
	Model    uint32
	Stepping uint32

	AddrCfgMax uint32

	MTCFreqMask   uint32 // bitmask of legal log2 MTC period values
	CycThreshMask uint32 // bitmask of legal log2 cycle threshold values
	PSBFreqMask   uint32 // bitmask of legal log2 PSB frequency values

	NumAddrRanges uint32 // 0..=4
	BusFreq       float64

	CR3Filtering   bool
	PSB            bool
	IPFiltering    bool
	MTC            bool
	PTWrite        bool
	PowerEvents    bool
	OutputTopa     bool
	OutputTopaMux  bool // output_topa_multi
	OutputSingle   bool
	OutputTransport bool
	LIP            bool
}

// CPUIDSource reads a single CPUID leaf/sub-leaf, returning the four result
// registers exactly as the CPUID instruction would. Modeled as a narrow,
// single-method collaborator so tests can supply a deterministic table
// instead of touching real hardware state.
type CPUIDSource interface {
	CPUID(eax, ecx uint32) (a, b, c, d uint32)
}

const (
	leafMax          uint32 = 0x00
	leafFeatures     uint32 = 0x01
	leafExtFeatures  uint32 = 0x07
	leafIntelPT      uint32 = 0x14
	leafTSCFrequency uint32 = 0x15

	// Leaf 7, sub-leaf 0, EBX.
	ebxIntelPT uint32 = 1 << 25

	// Leaf 0x14, sub-leaf 0, EBX.
	ebxCR3Filtering uint32 = 1 << 0
	ebxPSB          uint32 = 1 << 1
	ebxIPFiltering  uint32 = 1 << 2
	ebxMTC          uint32 = 1 << 3
	ebxPTWrite      uint32 = 1 << 4
	ebxPowerEvents  uint32 = 1 << 5

	// Leaf 0x14, sub-leaf 0, ECX.
	ecxOutputTopa      uint32 = 1 << 0
	ecxOutputTopaMulti uint32 = 1 << 1
	ecxOutputSingle    uint32 = 1 << 2
	ecxOutputTransport uint32 = 1 << 3
	ecxLIP             uint32 = 1 << 31

	// Leaf 0x14, sub-leaf 1, EAX.
	eaxNumAddrRangesMask uint32 = 0x7
	eaxMTCFreqShift      uint32 = 16

	// Leaf 0x14, sub-leaf 1, EBX.
	ebxCycThreshMask uint32 = 0xffff
	ebxPSBFreqShift  uint32 = 16
)

var (
	once   sync.Once
	cached Capabilities
	probed bool
	perr   error
)

// Probe reads CPU identification leaves 0x01, 0x07/0, 0x14/0, 0x14/1 and
// 0x15 exactly once per process. The result is cached and returned on every
// subsequent call regardless of which source is passed in; callers that
// need a fresh probe (tests) should use ProbeFresh.
func Probe(src CPUIDSource) (Capabilities, error) {
	once.Do(func() {
		cached, perr = ProbeFresh(src)
		probed = true
	})
	return cached, perr
}

// ProbeFresh performs an uncached probe. Production code should call Probe;
// ProbeFresh exists for tests that need to exercise several distinct
// capability sets in one process.
func ProbeFresh(src CPUIDSource) (Capabilities, error) {
	maxLeaf, _, _, _ := src.CPUID(leafMax, 0)
	if maxLeaf < leafIntelPT {
		return Capabilities{}, ErrUnsupported
	}

	_, ebx7, _, _ := src.CPUID(leafExtFeatures, 0)
	if ebx7&ebxIntelPT == 0 {
		return Capabilities{}, ErrUnsupported
	}

	eax1, _, _, _ := src.CPUID(leafFeatures, 0)
	family, model, stepping := decodeFamilyModelStepping(eax1)

	eax14_0, ebx14_0, ecx14_0, _ := src.CPUID(leafIntelPT, 0)

	caps := Capabilities{
		Supported:       true,
		Family:          family,
		Model:           model,
		Stepping:        stepping,
		AddrCfgMax:      eax14_0,
		CR3Filtering:    ebx14_0&ebxCR3Filtering != 0,
		PSB:             ebx14_0&ebxPSB != 0,
		IPFiltering:     ebx14_0&ebxIPFiltering != 0,
		MTC:             ebx14_0&ebxMTC != 0,
		PTWrite:         ebx14_0&ebxPTWrite != 0,
		PowerEvents:     ebx14_0&ebxPowerEvents != 0,
		OutputTopa:      ecx14_0&ecxOutputTopa != 0,
		OutputTopaMux:   ecx14_0&ecxOutputTopaMulti != 0,
		OutputSingle:    ecx14_0&ecxOutputSingle != 0,
		OutputTransport: ecx14_0&ecxOutputTransport != 0,
		LIP:             ecx14_0&ecxLIP != 0,
	}

	if eax14_0 >= 1 {
		eax14_1, ebx14_1, _, _ := src.CPUID(leafIntelPT, 1)
		caps.NumAddrRanges = eax14_1 & eaxNumAddrRangesMask
		caps.MTCFreqMask = (eax14_1 >> eaxMTCFreqShift) & 0xffff
		caps.CycThreshMask = ebx14_1 & ebxCycThreshMask
		caps.PSBFreqMask = (ebx14_1 >> ebxPSBFreqShift) & 0xffff
	}

	// Leaf 0x15 reports eax=denominator, ebx=numerator of the TSC/core
	// crystal clock ratio; bus frequency is the reciprocal of eax/ebx, that
	// is ebx/eax.
	eax15, ebx15, _, _ := src.CPUID(leafTSCFrequency, 0)
	if eax15 != 0 && ebx15 != 0 {
		caps.BusFreq = float64(ebx15) / float64(eax15)
	}

	return caps, nil
}

// decodeFamilyModelStepping applies the standard x86 extended family/model
// decode rules to CPUID leaf 1 EAX.
func decodeFamilyModelStepping(eax1 uint32) (family, model, stepping uint32) {
	stepping = eax1 & 0xf
	baseModel := (eax1 >> 4) & 0xf
	baseFamily := (eax1 >> 8) & 0xf
	extModel := (eax1 >> 16) & 0xf
	extFamily := (eax1 >> 20) & 0xff

	family = baseFamily
	if baseFamily == 0xf {
		family += extFamily
	}

	model = baseModel
	if baseFamily == 0x6 || baseFamily == 0xf {
		model |= extModel << 4
	}
	return family, model, stepping
}
