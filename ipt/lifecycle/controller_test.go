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

package lifecycle_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/rcornwell/ipt/ipt/capabilities"
	"github.com/rcornwell/ipt/ipt/control"
	"github.com/rcornwell/ipt/ipt/dma"
	"github.com/rcornwell/ipt/ipt/lifecycle"
	"github.com/rcornwell/ipt/ipt/status"
)

func fullCaps() capabilities.Capabilities {
	return capabilities.Capabilities{
		Supported:     true,
		OutputTopa:    true,
		OutputTopaMux: true,
		NumAddrRanges: 4,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, caps capabilities.Capabilities, cpus int) (*lifecycle.Controller, *control.Fake, *dma.FakeAllocator) {
	t.Helper()
	alloc := dma.NewFakeAllocator()
	ch := control.NewFake()
	ctl := lifecycle.New(caps, alloc, ch, func() int { return cpus }, discardLogger())
	if err := ctl.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return ctl, ch, alloc
}

// Base ctl bits that need no capability gate: TSC_EN | BRANCH_EN.
const ctlTSCBranch = uint64(1<<2 | 1<<4)

// Scenario 1: basic cycle.
func TestBasicCycle(t *testing.T) {
	ctl, _, _ := newController(t, fullCaps(), 2)

	if err := ctl.AllocTrace(lifecycle.CpusMode, 2); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}

	cfg := lifecycle.BufferConfig{NumChunks: 4, ChunkOrder: 0, IsCircular: true, Ctl: ctlTSCBranch}
	d0, err := ctl.AllocBuffer(cfg)
	if err != nil {
		t.Fatalf("AllocBuffer(0): %v", err)
	}
	d1, err := ctl.AllocBuffer(cfg)
	if err != nil {
		t.Fatalf("AllocBuffer(1): %v", err)
	}
	if d0 != 0 || d1 != 1 {
		t.Fatalf("descriptors = %d,%d want 0,1", d0, d1)
	}

	if err := ctl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	capt, err := ctl.GetBufferInfo(0)
	if err != nil {
		t.Fatalf("GetBufferInfo: %v", err)
	}
	if capt > 16384 {
		t.Errorf("capture_end = %d, want <= 16384", capt)
	}

	if err := ctl.FreeBuffer(0); err != nil {
		t.Fatalf("FreeBuffer(0): %v", err)
	}
	if err := ctl.FreeBuffer(1); err != nil {
		t.Fatalf("FreeBuffer(1): %v", err)
	}
	if err := ctl.FreeTrace(); err != nil {
		t.Fatalf("FreeTrace: %v", err)
	}
}

// Scenario 4: capability rejection.
func TestAllocBufferRejectsUngatedCR3Filter(t *testing.T) {
	caps := fullCaps()
	caps.CR3Filtering = false
	ctl, _, _ := newController(t, caps, 1)
	if err := ctl.AllocTrace(lifecycle.CpusMode, 1); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}

	_, err := ctl.AllocBuffer(lifecycle.BufferConfig{NumChunks: 1, Ctl: uint64(1) << 7})
	if !errors.Is(err, status.ErrInvalidArgs) {
		t.Fatalf("AllocBuffer error = %v, want ErrInvalidArgs", err)
	}
}

// Scenario 5: lifecycle rejection.
func TestFreeBufferRejectedWhileActiveThenAllowedAfterStop(t *testing.T) {
	ctl, _, _ := newController(t, fullCaps(), 1)
	if err := ctl.AllocTrace(lifecycle.CpusMode, 1); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	if _, err := ctl.AllocBuffer(lifecycle.BufferConfig{NumChunks: 1, IsCircular: true}); err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	if err := ctl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := ctl.FreeBuffer(0); !errors.Is(err, status.ErrBadState) {
		t.Fatalf("FreeBuffer while active: got %v, want ErrBadState", err)
	}

	if err := ctl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := ctl.FreeBuffer(0); err != nil {
		t.Fatalf("FreeBuffer after stop: %v", err)
	}
}

// Scenario 6: unsupported mode.
func TestAllocTraceRejectsThreadsMode(t *testing.T) {
	ctl, _, _ := newController(t, fullCaps(), 1)
	err := ctl.AllocTrace(lifecycle.ThreadsMode, 1)
	if !errors.Is(err, status.ErrNotSupported) {
		t.Fatalf("AllocTrace(ThreadsMode) error = %v, want ErrNotSupported", err)
	}

	if _, _, err := ctl.GetTraceConfig(); !errors.Is(err, status.ErrBadState) {
		t.Fatalf("GetTraceConfig error = %v, want ErrBadState", err)
	}
}

// P8: idempotent teardown.
func TestFreeTraceIdempotent(t *testing.T) {
	ctl, _, _ := newController(t, fullCaps(), 1)
	if err := ctl.AllocTrace(lifecycle.CpusMode, 1); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	if err := ctl.FreeTrace(); err != nil {
		t.Fatalf("first FreeTrace: %v", err)
	}
	if err := ctl.FreeTrace(); !errors.Is(err, status.ErrBadState) {
		t.Fatalf("second FreeTrace error = %v, want ErrBadState", err)
	}
}

// P6: a rejected operation leaves the snapshot unchanged.
func TestRejectedOperationLeavesStateUnchanged(t *testing.T) {
	ctl, _, _ := newController(t, fullCaps(), 1)
	before := ctl.Snapshot()

	if err := ctl.AllocTrace(lifecycle.ThreadsMode, 1); err == nil {
		t.Fatal("expected rejection")
	}

	after := ctl.Snapshot()
	if before != after {
		t.Fatalf("state changed across rejected operation: before=%+v after=%+v", before, after)
	}
}

// countingFailChannel wraps control.Fake and fails the Nth
// STAGE_TRACE_DATA call (1-indexed), counting only that action.
type countingFailChannel struct {
	*control.Fake
	failAt int
	calls  int
	err    error
}

func (c *countingFailChannel) Execute(kind control.Kind, action control.Action, descriptor uint32, payload []byte) ([]byte, error) {
	if action == control.ActionStageTraceData {
		c.calls++
		if c.calls == c.failAt {
			return nil, c.err
		}
	}
	return c.Fake.Execute(kind, action, descriptor, payload)
}

// Multi-step start rollback: a staging failure partway through unstages
// every slot staged before it and leaves nothing assigned or active.
func TestStartRollsBackOnPartialStagingFailure(t *testing.T) {
	wantErr := errors.New("injected stage failure")
	ch := &countingFailChannel{Fake: control.NewFake(), failAt: 3, err: wantErr}
	alloc := dma.NewFakeAllocator()
	ctl := lifecycle.New(fullCaps(), alloc, ch, func() int { return 3 }, discardLogger())
	if err := ctl.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := ctl.AllocTrace(lifecycle.CpusMode, 3); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := ctl.AllocBuffer(lifecycle.BufferConfig{NumChunks: 1, IsCircular: true}); err != nil {
			t.Fatalf("AllocBuffer(%d): %v", i, err)
		}
	}

	if err := ctl.Start(); !errors.Is(err, wantErr) {
		t.Fatalf("Start() error = %v, want %v", err, wantErr)
	}

	snap := ctl.Snapshot()
	if snap.Active {
		t.Fatal("Active = true after failed Start")
	}

	// The two slots staged before the failing third call must each have
	// been unstaged. The injected failure on the third call never reaches
	// the underlying Fake, so its recorded STAGE_TRACE_DATA calls are:
	// stage(0), stage(1), unstage(0), unstage(1) — 4 total.
	stageCalls := 0
	for _, c := range ch.Fake.Calls() {
		if c.Action == control.ActionStageTraceData {
			stageCalls++
		}
	}
	if stageCalls != 4 {
		t.Errorf("STAGE_TRACE_DATA calls = %d, want 4 (2 staged + 2 unstaged)", stageCalls)
	}

	for i := 0; i < 3; i++ {
		cfg, err := ctl.GetBufferConfig(i)
		if err != nil {
			t.Fatalf("GetBufferConfig(%d): %v", i, err)
		}
		if cfg.NumChunks != 1 {
			t.Errorf("slot %d NumChunks = %d, want 1 (buffer still allocated)", i, cfg.NumChunks)
		}
	}
}

// A failure of the START call itself, after every slot staged
// successfully, must unwind exactly like a partial staging failure: every
// staged slot is unstaged and none is left Assigned, so the device is not
// wedged until Release.
func TestStartRollsBackOnStartCallFailure(t *testing.T) {
	wantErr := errors.New("injected start failure")
	fake := control.NewFake()
	fake.FailAlways(control.ActionStart, wantErr)
	alloc := dma.NewFakeAllocator()
	ctl := lifecycle.New(fullCaps(), alloc, fake, func() int { return 2 }, discardLogger())
	if err := ctl.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := ctl.AllocTrace(lifecycle.CpusMode, 2); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := ctl.AllocBuffer(lifecycle.BufferConfig{NumChunks: 1, IsCircular: true}); err != nil {
			t.Fatalf("AllocBuffer(%d): %v", i, err)
		}
	}

	if err := ctl.Start(); !errors.Is(err, wantErr) {
		t.Fatalf("Start() error = %v, want %v", err, wantErr)
	}

	snap := ctl.Snapshot()
	if snap.Active {
		t.Fatal("Active = true after failed Start")
	}

	// Both slots staged before the rejected START must have been unstaged:
	// stage(0), stage(1), unstage(0), unstage(1) — 4 total.
	stageCalls := 0
	for _, c := range fake.Calls() {
		if c.Action == control.ActionStageTraceData {
			stageCalls++
		}
	}
	if stageCalls != 4 {
		t.Errorf("STAGE_TRACE_DATA calls = %d, want 4 (2 staged + 2 unstaged)", stageCalls)
	}

	// With no slot left Assigned, FreeBuffer must succeed instead of
	// rejecting with BadState — the device is not wedged by a failed Start.
	if err := ctl.FreeBuffer(0); err != nil {
		t.Fatalf("FreeBuffer(0) after failed Start = %v, want nil", err)
	}
}

func TestGetChunkHandleNarrowsRights(t *testing.T) {
	ctl, _, _ := newController(t, fullCaps(), 1)
	if err := ctl.AllocTrace(lifecycle.CpusMode, 1); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	if _, err := ctl.AllocBuffer(lifecycle.BufferConfig{NumChunks: 2, IsCircular: true}); err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}

	h, err := ctl.GetChunkHandle(0, 1)
	if err != nil {
		t.Fatalf("GetChunkHandle: %v", err)
	}
	if h.Rights()&dma.RightWrite != 0 {
		t.Errorf("chunk handle retained RightWrite: %#x", h.Rights())
	}
	if h.Rights()&dma.RightRead == 0 {
		t.Errorf("chunk handle lost RightRead: %#x", h.Rights())
	}

	if _, err := ctl.GetChunkHandle(0, 99); !errors.Is(err, status.ErrInvalidArgs) {
		t.Fatalf("GetChunkHandle(99) error = %v, want ErrInvalidArgs", err)
	}
}

func TestReleaseForceStopsAndFreesEverything(t *testing.T) {
	ctl, _, alloc := newController(t, fullCaps(), 1)
	if err := ctl.AllocTrace(lifecycle.CpusMode, 1); err != nil {
		t.Fatalf("AllocTrace: %v", err)
	}
	if _, err := ctl.AllocBuffer(lifecycle.BufferConfig{NumChunks: 2, IsCircular: true}); err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	if err := ctl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := ctl.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if alloc.Live() != 0 {
		t.Errorf("Live() = %d after Release, want 0", alloc.Live())
	}
	snap := ctl.Snapshot()
	if snap.Active || snap.HasTraces || snap.Opened {
		t.Errorf("Release left state behind: %+v", snap)
	}
}

func TestThreadBufferOperationsAlwaysUnsupported(t *testing.T) {
	ctl, _, _ := newController(t, fullCaps(), 1)
	if err := ctl.AssignThreadBuffer(0, 0); !errors.Is(err, status.ErrNotSupported) {
		t.Fatalf("AssignThreadBuffer error = %v, want ErrNotSupported", err)
	}
	if err := ctl.ReleaseThreadBuffer(0); !errors.Is(err, status.ErrNotSupported) {
		t.Fatalf("ReleaseThreadBuffer error = %v, want ErrNotSupported", err)
	}
}
