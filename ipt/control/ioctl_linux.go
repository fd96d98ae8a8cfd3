//go:build linux

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

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctlExecute is the device-specific ioctl request number the real
// privileged side expects for the single (kind, action, descriptor,
// payload) verb this package forwards. A real deployment would pull this
// from the driver's public header; here it is a fixed, documented
// constant standing in for that header.
const ioctlExecute = 0x40205049

// request is the fixed layout passed to ioctl(2): the call's addressing
// fields plus pointers to the caller's payload and reply buffers.
type request struct {
	Kind       uint32
	Action     uint32
	Descriptor uint32
	_          uint32
	PayloadPtr uint64
	PayloadLen uint64
	ReplyPtr   uint64
	ReplyLen   uint64
}

// RealChannel is the Linux ioctl-backed ControlChannel, talking to a
// device node exposing the IPT control plane's privileged ioctl.
type RealChannel struct {
	f *os.File
}

// OpenRealChannel opens path (typically something like /dev/iptctl) and
// returns a ControlChannel backed by it.
func OpenRealChannel(path string) (*RealChannel, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("control: open %s: %w", path, err)
	}
	return &RealChannel{f: f}, nil
}

// Close releases the underlying device node.
func (c *RealChannel) Close() error {
	return c.f.Close()
}

func (c *RealChannel) Execute(kind Kind, action Action, descriptor uint32, payload []byte) ([]byte, error) {
	reply := make([]byte, registerPayloadLen)

	req := request{
		Kind:       uint32(kind),
		Action:     uint32(action),
		Descriptor: descriptor,
		ReplyLen:   uint64(len(reply)),
	}
	if len(payload) > 0 {
		req.PayloadPtr = uint64(uintptr(unsafe.Pointer(&payload[0])))
		req.PayloadLen = uint64(len(payload))
	}
	if len(reply) > 0 {
		req.ReplyPtr = uint64(uintptr(unsafe.Pointer(&reply[0])))
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.f.Fd(), uintptr(ioctlExecute), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelFailure, action, errno)
	}
	return reply, nil
}
