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

package session_test

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/rcornwell/ipt/ipt/capabilities"
	"github.com/rcornwell/ipt/ipt/control"
	"github.com/rcornwell/ipt/ipt/dma"
	"github.com/rcornwell/ipt/ipt/lifecycle"
	"github.com/rcornwell/ipt/ipt/session"
)

func newBoundController(t *testing.T, cpus int) *lifecycle.Controller {
	t.Helper()
	caps := capabilities.Capabilities{
		Supported:     true,
		OutputTopa:    true,
		OutputTopaMux: true,
		NumAddrRanges: 4,
	}
	ctl := lifecycle.New(caps, dma.NewFakeAllocator(), control.NewFake(), func() int { return cpus },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := ctl.Bind(); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return ctl
}

func TestRunFullScript(t *testing.T) {
	ctl := newBoundController(t, 1)
	script := `# set up one trace per cpu
alloc_trace mode=cpus num=1
alloc_buffer chunks=4 order=0 circular ctl=tsc_en,branch_en
start
stop
get_buffer_info 0
free_buffer 0
free_trace
`
	results, err := session.Run(strings.NewReader(script), ctl)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var gotDescriptor, gotInfo bool
	for _, r := range results {
		if r.Directive == "alloc_buffer" {
			gotDescriptor = true
			if r.Descriptor != 0 {
				t.Errorf("alloc_buffer descriptor = %d, want 0", r.Descriptor)
			}
		}
		if r.Directive == "get_buffer_info" {
			gotInfo = true
			if r.Captured > 16384 {
				t.Errorf("captured = %d, want <= 16384", r.Captured)
			}
		}
	}
	if !gotDescriptor || !gotInfo {
		t.Fatalf("missing expected results: %+v", results)
	}
}

func TestRunReportsLineNumberOnError(t *testing.T) {
	ctl := newBoundController(t, 1)
	script := "alloc_trace mode=cpus num=1\nfree_buffer 99\n"

	_, err := session.Run(strings.NewReader(script), ctl)
	if err == nil {
		t.Fatal("expected error")
	}
	var lineErr *session.LineError
	if !errors.As(err, &lineErr) {
		t.Fatalf("error = %v, want *session.LineError", err)
	}
	if lineErr.Line != 2 {
		t.Errorf("Line = %d, want 2", lineErr.Line)
	}
}

func TestRunRejectsUnknownDirective(t *testing.T) {
	ctl := newBoundController(t, 1)
	_, err := session.Run(strings.NewReader("frobnicate\n"), ctl)
	if !errors.Is(unwrapLine(err), session.ErrUnknownDirective) {
		t.Fatalf("error = %v, want ErrUnknownDirective", err)
	}
}

func TestRunRejectsMissingRequiredOption(t *testing.T) {
	ctl := newBoundController(t, 1)
	_, err := session.Run(strings.NewReader("alloc_trace mode=cpus\n"), ctl)
	if !errors.Is(unwrapLine(err), session.ErrMalformedOptions) {
		t.Fatalf("error = %v, want ErrMalformedOptions", err)
	}
}

func TestRunSkipsCommentsAndBlankLines(t *testing.T) {
	ctl := newBoundController(t, 1)
	script := "\n# just a comment\n   \nalloc_trace mode=cpus num=1 # trailing comment\nfree_trace\n"
	results, err := session.Run(strings.NewReader(script), ctl)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
}

func unwrapLine(err error) error {
	var lineErr *session.LineError
	if errors.As(err, &lineErr) {
		return lineErr.Err
	}
	return err
}
