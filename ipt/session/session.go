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

// Package session parses and runs line-oriented trace session scripts
// against a lifecycle.Controller. Its option-line grammar (bare words,
// key=value pairs, comma-separated value lists) and scanner shape are
// grounded on config/configparser's optionLine tokenizer and
// command/parser's cmdLine, generalized from device-attach options to the
// trace operation surface.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rcornwell/ipt/ipt/ctlvalidate"
	"github.com/rcornwell/ipt/ipt/lifecycle"
)

// ErrUnknownDirective is returned for a directive name not in the table.
var ErrUnknownDirective = errors.New("session: unknown directive")

// ErrMalformedOptions is returned when a directive's arguments don't match
// its required shape.
var ErrMalformedOptions = errors.New("session: malformed options")

// LineError wraps an error with the 1-based source line it occurred on.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Result is the outcome of one executed directive line.
type Result struct {
	Line          int
	Directive     string
	HasDescriptor bool
	Descriptor    int
	HasCaptured   bool
	Captured      uint64
}

var ctlFlags = map[string]uint64{
	"os_allowed":      ctlvalidate.CtlOSAllowed,
	"user_allowed":    ctlvalidate.CtlUserAllowed,
	"tsc_en":          ctlvalidate.CtlTSCEn,
	"dis_retc":        ctlvalidate.CtlDisRETC,
	"branch_en":       ctlvalidate.CtlBranchEn,
	"ptw_en":          ctlvalidate.CtlPTWEn,
	"fup_on_ptw":      ctlvalidate.CtlFUPOnPTW,
	"cr3_filter":      ctlvalidate.CtlCR3Filter,
	"mtc_en":          ctlvalidate.CtlMTCEn,
	"power_event_en":  ctlvalidate.CtlPowerEventEn,
	"cyc_en":          ctlvalidate.CtlCycEn,
}

// optLine is a position-scanning reader over one directive's argument text,
// the same shape as configparser's optionLine: a string plus a cursor.
type optLine struct {
	line string
	pos  int
}

func (o *optLine) skipSpace() {
	for o.pos < len(o.line) && o.line[o.pos] == ' ' {
		o.pos++
	}
}

func (o *optLine) eol() bool {
	return o.pos >= len(o.line)
}

// word reads a run of characters up to the next space or '='.
func (o *optLine) word() string {
	o.skipSpace()
	start := o.pos
	for o.pos < len(o.line) {
		c := o.line[o.pos]
		if c == ' ' || c == '=' {
			break
		}
		o.pos++
	}
	return o.line[start:o.pos]
}

// kv splits "name" or "name=value" out of the next token.
func (o *optLine) kv() (name, value string, hasValue bool) {
	name = o.word()
	if !o.eol() && o.line[o.pos] == '=' {
		o.pos++
		start := o.pos
		for o.pos < len(o.line) && o.line[o.pos] != ' ' {
			o.pos++
		}
		return name, o.line[start:o.pos], true
	}
	return name, "", false
}

// tokens splits the remaining line into bare words and key=value pairs.
func (o *optLine) tokens() map[string]string {
	out := map[string]string{}
	for {
		o.skipSpace()
		if o.eol() {
			return out
		}
		name, value, hasValue := o.kv()
		if name == "" {
			return out
		}
		if !hasValue {
			out[name] = ""
		} else {
			out[name] = value
		}
	}
}

func parseUint(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseCtl(s string) (uint64, error) {
	var ctl uint64
	if s == "" {
		return 0, nil
	}
	for _, name := range strings.Split(s, ",") {
		bit, ok := ctlFlags[name]
		if !ok {
			return 0, fmt.Errorf("%w: unknown ctl flag %q", ErrMalformedOptions, name)
		}
		ctl |= bit
	}
	return ctl, nil
}

// Run reads script line by line, executing each non-comment, non-blank
// directive against ctl, stopping at the first error and reporting it with
// its 1-based line number, matching every error being surfaced to the
// caller unchanged.
func Run(r io.Reader, ctl *lifecycle.Controller) ([]Result, error) {
	var results []Result
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Text()
		if idx := strings.IndexByte(raw, '#'); idx >= 0 {
			raw = raw[:idx]
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		sp := strings.IndexByte(raw, ' ')
		name := raw
		rest := ""
		if sp >= 0 {
			name = raw[:sp]
			rest = raw[sp+1:]
		}

		res, err := execute(ctl, name, rest)
		if err != nil {
			return results, &LineError{Line: lineNum, Err: err}
		}
		res.Line = lineNum
		res.Directive = name
		results = append(results, res)
	}
	if err := scanner.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func execute(ctl *lifecycle.Controller, name, rest string) (Result, error) {
	opt := &optLine{line: rest}
	switch name {
	case "alloc_trace":
		toks := opt.tokens()
		mode := lifecycle.CpusMode
		if toks["mode"] == "threads" {
			mode = lifecycle.ThreadsMode
		}
		numStr, ok := toks["num"]
		if !ok {
			return Result{}, fmt.Errorf("%w: alloc_trace requires num=", ErrMalformedOptions)
		}
		num, err := parseUint(numStr)
		if err != nil {
			return Result{}, fmt.Errorf("%w: num: %v", ErrMalformedOptions, err)
		}
		return Result{}, ctl.AllocTrace(mode, int(num))

	case "free_trace":
		return Result{}, ctl.FreeTrace()

	case "alloc_buffer":
		toks := opt.tokens()
		chunks, err := parseUint(toks["chunks"])
		if err != nil {
			return Result{}, fmt.Errorf("%w: chunks: %v", ErrMalformedOptions, err)
		}
		order, err := parseUint(toks["order"])
		if err != nil && toks["order"] != "" {
			return Result{}, fmt.Errorf("%w: order: %v", ErrMalformedOptions, err)
		}
		ctlVal, err := parseCtl(toks["ctl"])
		if err != nil {
			return Result{}, err
		}
		var cr3 uint64
		if v, ok := toks["cr3"]; ok {
			cr3, err = parseUint(v)
			if err != nil {
				return Result{}, fmt.Errorf("%w: cr3: %v", ErrMalformedOptions, err)
			}
		}
		_, circular := toks["circular"]

		cfg := lifecycle.BufferConfig{
			NumChunks:  int(chunks),
			ChunkOrder: int(order),
			IsCircular: circular,
			Ctl:        ctlVal,
			CR3Match:   cr3,
		}
		desc, err := ctl.AllocBuffer(cfg)
		if err != nil {
			return Result{}, err
		}
		return Result{HasDescriptor: true, Descriptor: desc}, nil

	case "free_buffer":
		desc, err := parseUint(strings.TrimSpace(rest))
		if err != nil {
			return Result{}, fmt.Errorf("%w: free_buffer requires a descriptor", ErrMalformedOptions)
		}
		return Result{}, ctl.FreeBuffer(int(desc))

	case "start":
		return Result{}, ctl.Start()

	case "stop":
		return Result{}, ctl.Stop()

	case "get_buffer_info":
		desc, err := parseUint(strings.TrimSpace(rest))
		if err != nil {
			return Result{}, fmt.Errorf("%w: get_buffer_info requires a descriptor", ErrMalformedOptions)
		}
		captured, err := ctl.GetBufferInfo(int(desc))
		if err != nil {
			return Result{}, err
		}
		return Result{HasCaptured: true, Captured: captured}, nil

	case "get_chunk_handle":
		sp := strings.IndexByte(rest, ' ')
		descStr, optRest := rest, ""
		if sp >= 0 {
			descStr, optRest = rest[:sp], rest[sp+1:]
		}
		if descStr == "" {
			return Result{}, fmt.Errorf("%w: get_chunk_handle requires a descriptor", ErrMalformedOptions)
		}
		desc, err := parseUint(descStr)
		if err != nil {
			return Result{}, fmt.Errorf("%w: descriptor: %v", ErrMalformedOptions, err)
		}
		toks := (&optLine{line: optRest}).tokens()
		chunkStr, ok := toks["chunk"]
		if !ok {
			return Result{}, fmt.Errorf("%w: get_chunk_handle requires chunk=", ErrMalformedOptions)
		}
		chunk, err := parseUint(chunkStr)
		if err != nil {
			return Result{}, fmt.Errorf("%w: chunk: %v", ErrMalformedOptions, err)
		}
		if _, err := ctl.GetChunkHandle(int(desc), int(chunk)); err != nil {
			return Result{}, err
		}
		return Result{}, nil

	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownDirective, name)
	}
}
