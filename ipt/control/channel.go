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

// Package control models the privileged syscall boundary the Lifecycle
// State Machine calls through to reach actual hardware: a narrow
// (kind, action, descriptor, payload) verb dispatched synchronously, with
// no meaning attached to the payload bytes beyond a fixed register-block
// layout. It is grounded on device.Device's small dispatched-verb surface
// (StartIO/StartCmd/HaltIO) and core.go's processPacket switch-dispatch
// shape, adapted from channel/packet kind dispatch to kind/action dispatch.
package control

import (
	"encoding/binary"
	"errors"

	"github.com/rcornwell/ipt/ipt/descriptors"
)

// Kind identifies which privileged subsystem a call targets. IPT only
// ever uses one.
type Kind uint32

const KindInsnTrace Kind = 1

// Action identifies the specific privileged operation within Kind.
type Action uint32

const (
	ActionAllocTrace Action = iota + 1
	ActionFreeTrace
	ActionStageTraceData
	ActionGetTraceData
	ActionStart
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionAllocTrace:
		return "ALLOC_TRACE"
	case ActionFreeTrace:
		return "FREE_TRACE"
	case ActionStageTraceData:
		return "STAGE_TRACE_DATA"
	case ActionGetTraceData:
		return "GET_TRACE_DATA"
	case ActionStart:
		return "START"
	case ActionStop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// ErrChannelFailure is the generic error a ControlChannel implementation
// returns for any privileged-side rejection; callers treat it as opaque.
var ErrChannelFailure = errors.New("control: privileged call failed")

// ControlChannel is the external collaborator the Privileged Bridge
// forwards every hardware-facing action through.
type ControlChannel interface {
	Execute(kind Kind, action Action, descriptor uint32, payload []byte) ([]byte, error)
}

// registerPayloadLen is the wire size of the fixed register block: five
// uint64 fields plus MaxAddrRanges (base,mask) pairs.
const registerPayloadLen = 8*5 + descriptors.MaxAddrRanges*16

// EncodeRegisters serializes a Registers value into the fixed-layout
// payload STAGE_TRACE_DATA and GET_TRACE_DATA exchange.
func EncodeRegisters(r descriptors.Registers) []byte {
	buf := make([]byte, registerPayloadLen)
	binary.LittleEndian.PutUint64(buf[0:], r.Ctl)
	binary.LittleEndian.PutUint64(buf[8:], r.Status)
	binary.LittleEndian.PutUint64(buf[16:], r.OutputBase)
	binary.LittleEndian.PutUint64(buf[24:], r.OutputMaskPtrs)
	binary.LittleEndian.PutUint64(buf[32:], r.CR3Match)
	off := 40
	for _, ar := range r.AddrRanges {
		binary.LittleEndian.PutUint64(buf[off:], ar.Base)
		binary.LittleEndian.PutUint64(buf[off+8:], ar.Mask)
		off += 16
	}
	return buf
}

// DecodeRegisters parses a register-block payload previously produced by
// EncodeRegisters (or the real privileged side using the same layout).
func DecodeRegisters(buf []byte) (descriptors.Registers, error) {
	var r descriptors.Registers
	if len(buf) < registerPayloadLen {
		return r, errors.New("control: register payload too short")
	}
	r.Ctl = binary.LittleEndian.Uint64(buf[0:])
	r.Status = binary.LittleEndian.Uint64(buf[8:])
	r.OutputBase = binary.LittleEndian.Uint64(buf[16:])
	r.OutputMaskPtrs = binary.LittleEndian.Uint64(buf[24:])
	r.CR3Match = binary.LittleEndian.Uint64(buf[32:])
	off := 40
	for i := range r.AddrRanges {
		r.AddrRanges[i].Base = binary.LittleEndian.Uint64(buf[off:])
		r.AddrRanges[i].Mask = binary.LittleEndian.Uint64(buf[off+8:])
		off += 16
	}
	return r, nil
}
