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

// Package status defines the error taxonomy every lifecycle operation
// surfaces to its caller, matching the external status-code space the
// privileged control channel and its reply ABI are defined against.
package status

import "errors"

var (
	ErrInvalidArgs    = errors.New("ipt: invalid arguments")
	ErrBadState       = errors.New("ipt: operation precondition not met")
	ErrNoResources    = errors.New("ipt: no free descriptor slot")
	ErrNoMemory       = errors.New("ipt: allocator refused")
	ErrNotSupported   = errors.New("ipt: not supported")
	ErrBufferTooSmall = errors.New("ipt: reply buffer too small")
	ErrAlreadyBound   = errors.New("ipt: device already bound")
	ErrInternal       = errors.New("ipt: internal error")
)
