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

package control

import "sync"

// Fake is an in-memory ControlChannel for tests: it accepts every call
// that isn't explicitly set to fail and echoes back whatever register
// payload was last staged for a descriptor when asked for it, so tests can
// exercise start/stage/stop/get-capture round trips without a real
// privileged side.
type Fake struct {
	mu       sync.Mutex
	fail     map[Action]error
	failOnce map[Action]error
	staged   map[uint32][]byte
	calls    []Call
}

// Call records one Execute invocation, for assertions on call order and
// rollback behavior in tests.
type Call struct {
	Action     Action
	Descriptor uint32
}

// NewFake returns a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{
		fail:     map[Action]error{},
		failOnce: map[Action]error{},
		staged:   map[uint32][]byte{},
	}
}

// FailAlways makes every future Execute with this action return err.
func (f *Fake) FailAlways(action Action, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[action] = err
}

// FailNext makes the next Execute with this action return err, then
// clears itself, letting tests exercise a single failed staging step
// partway through a multi-descriptor start.
func (f *Fake) FailNext(action Action, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOnce[action] = err
}

// Calls returns the calls observed so far, in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Execute(kind Kind, action Action, descriptor uint32, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Action: action, Descriptor: descriptor})

	if err, ok := f.failOnce[action]; ok {
		delete(f.failOnce, action)
		f.mu.Unlock()
		return nil, err
	}
	if err, ok := f.fail[action]; ok {
		f.mu.Unlock()
		return nil, err
	}

	switch action {
	case ActionStageTraceData:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		f.staged[descriptor] = cp
		f.mu.Unlock()
		return nil, nil
	case ActionGetTraceData:
		reply := f.staged[descriptor]
		f.mu.Unlock()
		return reply, nil
	default:
		f.mu.Unlock()
		return nil, nil
	}
}
