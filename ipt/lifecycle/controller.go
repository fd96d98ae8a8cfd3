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

// Package lifecycle implements the device-wide state machine governing
// when tracing may be configured and started: the single entry point
// every external operation goes through, each one taking a single mutex
// for its whole duration including the synchronous privileged-channel
// call it may need to make. It is grounded on core.Core's shape (one
// struct owning all mutable state, one method per external verb,
// structured logging at every transition); the concurrency primitive is
// adapted from core's channel-actor dispatch to a plain sync.Mutex
// because every operation here must observe a consistent precondition
// across its whole body, including a blocking call, which an actor loop
// cannot do without re-deriving the same serialization through another
// mechanism.
package lifecycle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rcornwell/ipt/ipt/capabilities"
	"github.com/rcornwell/ipt/ipt/control"
	"github.com/rcornwell/ipt/ipt/ctlvalidate"
	"github.com/rcornwell/ipt/ipt/descriptors"
	"github.com/rcornwell/ipt/ipt/dma"
	"github.com/rcornwell/ipt/ipt/status"
	"github.com/rcornwell/ipt/ipt/topa"
)

// Mode selects whether a device's trace slots are owned per-CPU or
// per-thread. Only CpusMode is implemented; ThreadsMode is accepted by
// AllocTrace's signature but every operation gated on it returns
// NotSupported, per the open question in the design notes.
type Mode int

const (
	CpusMode Mode = iota
	ThreadsMode
)

func (m Mode) String() string {
	if m == ThreadsMode {
		return "threads"
	}
	return "cpus"
}

// errorStatusMask is the bit in a retrieved status register hardware sets
// to report a capture-side error; its exact hardware position is a
// platform detail, fixed here for internal consistency.
const errorStatusMask = uint64(1) << 63

// BufferConfig is the caller-supplied shape of a trace buffer, matching
// the external ALLOC_BUFFER / GET_BUFFER_CONFIG record.
type BufferConfig struct {
	NumChunks  int
	ChunkOrder int
	IsCircular bool
	Ctl        uint64
	CR3Match   uint64
	AddrRanges [descriptors.MaxAddrRanges]descriptors.AddrRange
}

// Counters are diagnostic, read-only event counts with no effect on
// behavior; they exist purely to surface data-quality events that the
// state machine otherwise swallows (a corrupt capture snapshot, for
// instance) rather than failing an operation over them.
type Counters struct {
	CaptureWalkMiss uint64
}

// ControllerSnapshot is a read-only, point-in-time view of a Controller,
// useful for logging and for tests asserting state did not change across
// a rejected operation (property P6).
type ControllerSnapshot struct {
	Opened    bool
	Usable    bool
	Mode      Mode
	HasTraces bool
	NumTraces int
	Active    bool
}

// Controller is one device instance: the mutex-guarded owner of every
// piece of mutable trace state from bind to release.
type Controller struct {
	mu sync.Mutex

	caps     capabilities.Capabilities
	alloc    dma.Allocator
	ch       control.ControlChannel
	cpuCount func() int
	log      *slog.Logger

	opened bool
	usable bool
	bti    dma.Buffer

	mode   Mode
	traces *descriptors.Vector
	active bool

	counters Counters
}

// New returns a Controller ready to Bind. cpuCount reports the host's CPU
// count, the external collaborator alloc_trace's CpusMode path validates
// num_traces against.
func New(caps capabilities.Capabilities, alloc dma.Allocator, ch control.ControlChannel, cpuCount func() int, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{caps: caps, alloc: alloc, ch: ch, cpuCount: cpuCount, log: log}
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range []error{status.ErrInvalidArgs, status.ErrBadState, status.ErrNoResources, status.ErrNoMemory, status.ErrNotSupported, status.ErrBufferTooSmall, status.ErrAlreadyBound, status.ErrInternal} {
		if errors.Is(err, s) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", status.ErrInternal, err)
}

func mapTopaErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, topa.ErrInvalidArgs):
		return status.ErrInvalidArgs
	case errors.Is(err, topa.ErrInternal):
		return status.ErrInternal
	default:
		return status.ErrNoMemory
	}
}

// Bind marks the device open, acquiring its DMA allocator handle. It must
// be called once before any other operation; a second call returns
// AlreadyBound.
func (c *Controller) Bind() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return status.ErrAlreadyBound
	}
	buf, err := c.alloc.Allocate(1, 1)
	if err != nil {
		return status.ErrNoMemory
	}
	c.bti = buf
	c.opened = true
	c.usable = true
	return nil
}

// Snapshot returns a copy of the controller's externally visible state.
func (c *Controller) Snapshot() ControllerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ControllerSnapshot{Opened: c.opened, Usable: c.usable, Mode: c.mode, Active: c.active}
	if c.traces != nil {
		s.HasTraces = true
		s.NumTraces = c.traces.Len()
	}
	return s
}

// DiagnosticCounters returns a copy of the controller's diagnostic event
// counters.
func (c *Controller) DiagnosticCounters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

func encodeAllocTrace(mode Mode, numTraces int) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(mode))
	binary.LittleEndian.PutUint32(buf[4:], uint32(numTraces))
	return buf
}

// AllocTrace creates the trace-slot vector. ThreadsMode is always
// rejected as NotSupported; in CpusMode numTraces must equal the host's
// CPU count.
func (c *Controller) AllocTrace(mode Mode, numTraces int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.usable {
		return status.ErrBadState
	}
	if !c.caps.Supported || !c.caps.OutputTopa || c.traces != nil {
		return status.ErrBadState
	}
	if mode == ThreadsMode {
		return status.ErrNotSupported
	}
	if numTraces != c.cpuCount() {
		return status.ErrInvalidArgs
	}

	vec := descriptors.AllocateVector(numTraces)
	if _, err := c.ch.Execute(control.KindInsnTrace, control.ActionAllocTrace, 0, encodeAllocTrace(mode, numTraces)); err != nil {
		return mapErr(err)
	}

	c.mode = mode
	c.traces = vec
	c.log.Info("alloc_trace", "mode", mode, "num_traces", numTraces)
	return nil
}

// FreeTrace destroys the trace-slot vector. It requires the device be
// inactive with no slot assigned; calling it again once traces is already
// absent returns BadState (property P8).
func (c *Controller) FreeTrace() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.usable || c.traces == nil || c.active || c.traces.AnyAssigned() {
		return status.ErrBadState
	}

	if _, err := c.ch.Execute(control.KindInsnTrace, control.ActionFreeTrace, 0, nil); err != nil {
		c.usable = false
		c.log.Error("free_trace: privileged call failed, device now unusable", "error", err)
		return mapErr(err)
	}

	c.traces = nil
	c.log.Info("free_trace")
	return nil
}

// GetTraceConfig reports the mode and slot count chosen at AllocTrace.
func (c *Controller) GetTraceConfig() (Mode, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.traces == nil {
		return 0, 0, status.ErrBadState
	}
	return c.mode, c.traces.Len(), nil
}

// AllocBuffer validates cfg, builds ToPA tables for a free slot, and
// returns the slot's descriptor index.
func (c *Controller) AllocBuffer(cfg BufferConfig) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.traces == nil {
		return 0, status.ErrBadState
	}

	if err := ctlvalidate.Validate(c.caps, cfg.Ctl, cfg.CR3Match, cfg.AddrRanges[:]); err != nil {
		return 0, status.ErrInvalidArgs
	}

	idx, err := c.traces.FindFree()
	if err != nil {
		return 0, status.ErrNoResources
	}
	slot, _ := c.traces.SlotAt(idx)

	if err := topa.Build(slot, c.alloc, cfg.NumChunks, cfg.ChunkOrder, cfg.IsCircular, c.caps.OutputTopaMux); err != nil {
		return 0, mapTopaErr(err)
	}

	slot.Regs = descriptors.Registers{
		Ctl:        cfg.Ctl,
		OutputBase: slot.Topas[0].PA,
		CR3Match:   cfg.CR3Match,
		AddrRanges: cfg.AddrRanges,
	}
	slot.Allocated = true

	c.log.Info("alloc_buffer", "descriptor", idx, "num_chunks", cfg.NumChunks, "chunk_order", cfg.ChunkOrder)
	return idx, nil
}

// FreeBuffer releases a previously allocated slot's DMA resources.
func (c *Controller) FreeBuffer(descriptor int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.traces == nil {
		return status.ErrBadState
	}
	slot, err := c.traces.SlotAt(descriptor)
	if err != nil {
		return status.ErrInvalidArgs
	}
	if c.active || !slot.Allocated || slot.Assigned {
		return status.ErrBadState
	}

	if err := topa.Free(slot, c.alloc); err != nil {
		return mapErr(err)
	}
	c.log.Info("free_buffer", "descriptor", descriptor)
	return nil
}

// AssignThreadBuffer is unimplemented; thread-mode semantics are an open
// question the design notes leave unguessed.
func (c *Controller) AssignThreadBuffer(descriptor int, thread uintptr) error {
	return status.ErrNotSupported
}

// ReleaseThreadBuffer is unimplemented for the same reason as
// AssignThreadBuffer.
func (c *Controller) ReleaseThreadBuffer(descriptor int) error {
	return status.ErrNotSupported
}

// GetBufferConfig reports the shape a slot was allocated with.
func (c *Controller) GetBufferConfig(descriptor int) (BufferConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.traces == nil {
		return BufferConfig{}, status.ErrBadState
	}
	slot, err := c.traces.SlotAt(descriptor)
	if err != nil || !slot.Allocated {
		return BufferConfig{}, status.ErrBadState
	}
	return BufferConfig{
		NumChunks:  int(slot.NumChunks),
		ChunkOrder: int(slot.ChunkOrder),
		IsCircular: slot.IsCircular,
		Ctl:        slot.Regs.Ctl,
		CR3Match:   slot.Regs.CR3Match,
		AddrRanges: slot.Regs.AddrRanges,
	}, nil
}

// GetBufferInfo reports how many bytes of trace data hardware has
// written into a slot's chunks.
func (c *Controller) GetBufferInfo(descriptor int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.traces == nil {
		return 0, status.ErrBadState
	}
	slot, err := c.traces.SlotAt(descriptor)
	if err != nil || !slot.Allocated {
		return 0, status.ErrBadState
	}
	if c.mode != ThreadsMode && c.active {
		return 0, status.ErrBadState
	}

	captured, miss := topa.ComputeCapture(slot)
	if miss {
		c.counters.CaptureWalkMiss++
		c.log.Warn("get_buffer_info: capture walk did not find saved position", "descriptor", descriptor)
	}
	return captured, nil
}

// GetChunkHandle returns a read-only, rights-narrowed duplicate of a
// chunk's underlying memory handle.
func (c *Controller) GetChunkHandle(descriptor, chunkNum int) (dma.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.traces == nil {
		return dma.Handle{}, status.ErrInvalidArgs
	}
	slot, err := c.traces.SlotAt(descriptor)
	if err != nil || !slot.Allocated || chunkNum < 0 || chunkNum >= int(slot.NumChunks) {
		return dma.Handle{}, status.ErrInvalidArgs
	}
	return slot.Chunks[chunkNum].Handle.Duplicate(dma.RightsChunkHandle), nil
}

// Start stages every slot's registers and begins tracing. If staging any
// slot fails partway through, or if the subsequent START call itself
// fails, every slot staged so far is unstaged (by re-issuing
// STAGE_TRACE_DATA with a zeroed control word) and its Assigned flag
// cleared before the error is returned, so a failed Start never leaves
// stale state staged in hardware or slots wedged in the assigned state —
// chosen deliberately over leaving partial state staged, see the design
// notes' resolution of the multi-step start rollback question.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active || c.mode != CpusMode || c.traces == nil {
		return status.ErrBadState
	}
	for i := 0; i < c.traces.Len(); i++ {
		slot, _ := c.traces.SlotAt(i)
		if !slot.Allocated || slot.Assigned {
			return status.ErrBadState
		}
	}

	const ctlTraceEn = uint64(1) << 55
	const ctlTopaEn = uint64(1) << 56

	unstage := func(indices []int) {
		for _, j := range indices {
			s, _ := c.traces.SlotAt(j)
			zero := control.EncodeRegisters(descriptors.Registers{})
			c.ch.Execute(control.KindInsnTrace, control.ActionStageTraceData, uint32(j), zero)
			s.Assigned = false
		}
	}

	staged := make([]int, 0, c.traces.Len())
	for i := 0; i < c.traces.Len(); i++ {
		slot, _ := c.traces.SlotAt(i)
		slot.Owner = descriptors.Owner{CPU: uint32(i)}
		slot.Assigned = true

		regs := slot.Regs
		regs.Ctl |= ctlTraceEn | ctlTopaEn
		payload := control.EncodeRegisters(regs)
		if _, err := c.ch.Execute(control.KindInsnTrace, control.ActionStageTraceData, uint32(i), payload); err != nil {
			unstage(staged)
			slot.Assigned = false
			return mapErr(err)
		}
		slot.Regs = regs
		staged = append(staged, i)
	}

	if _, err := c.ch.Execute(control.KindInsnTrace, control.ActionStart, 0, nil); err != nil {
		unstage(staged)
		return mapErr(err)
	}

	c.active = true
	c.log.Info("start", "num_traces", c.traces.Len())
	return nil
}

// Stop ends tracing, retrieves each slot's register snapshot in CpusMode,
// and clears every slot's assigned flag.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return status.ErrBadState
	}

	if _, err := c.ch.Execute(control.KindInsnTrace, control.ActionStop, 0, nil); err != nil {
		return mapErr(err)
	}
	c.active = false

	if c.mode == CpusMode {
		for i := 0; i < c.traces.Len(); i++ {
			slot, _ := c.traces.SlotAt(i)
			reply, err := c.ch.Execute(control.KindInsnTrace, control.ActionGetTraceData, uint32(i), nil)
			if err == nil {
				if regs, derr := control.DecodeRegisters(reply); derr == nil {
					slot.Regs = regs
				}
			}
			slot.Assigned = false
			if slot.Regs.Status&errorStatusMask != 0 {
				c.log.Error("stop: hardware reported capture error", "descriptor", i, "status", slot.Regs.Status)
			}
		}
	}

	c.log.Info("stop")
	return nil
}

// Release forces a stop and a free_trace regardless of their own
// success, then releases the device's own allocator handle. Any
// subordinate failure marks the device permanently unusable; it always
// releases whatever memory it still owns.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.active {
		if _, err := c.ch.Execute(control.KindInsnTrace, control.ActionStop, 0, nil); err != nil {
			firstErr = err
		}
		c.active = false
	}

	if c.traces != nil {
		for i := 0; i < c.traces.Len(); i++ {
			slot, _ := c.traces.SlotAt(i)
			slot.Assigned = false
			if slot.Allocated {
				if err := topa.Free(slot, c.alloc); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
		if _, err := c.ch.Execute(control.KindInsnTrace, control.ActionFreeTrace, 0, nil); err != nil && firstErr == nil {
			firstErr = err
		}
		c.traces = nil
	}

	if c.opened {
		if err := c.alloc.Free(c.bti); err != nil && firstErr == nil {
			firstErr = err
		}
		c.opened = false
	}

	if firstErr != nil {
		c.usable = false
		c.log.Error("release: teardown incomplete, device marked unusable", "error", firstErr)
		return status.ErrInternal
	}
	return nil
}
