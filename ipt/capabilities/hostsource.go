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

package capabilities

import "github.com/klauspost/cpuid/v2"

// HostCPUID is the real CPUIDSource, backed by klauspost/cpuid's raw leaf
// query. It carries no state; the probe result is what gets cached, not the
// source.
type HostCPUID struct{}

// CPUID issues the CPUID instruction for (eax, ecx) and returns the four
// result registers. cpuid.CPUIDex takes the leaf and sub-leaf as separate
// arguments (cpuid.CPUID only takes a leaf, with ecx implicitly 0), which
// is exactly the (op, op2) shape every leaf 0x14 sub-leaf query here
// needs.
func (HostCPUID) CPUID(eax, ecx uint32) (a, b, c, d uint32) {
	return cpuid.CPUIDex(eax, ecx)
}
