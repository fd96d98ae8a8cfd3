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

// iptctl drives an Intel Processor Trace control-plane Controller from the
// command line: either a one-shot session script or an interactive
// console, grounded on the root main.go's flag/logger setup and
// command/reader's liner-backed console loop.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	getopt "github.com/pborman/getopt/v2"
	"github.com/peterh/liner"

	"github.com/rcornwell/ipt/ipt/capabilities"
	"github.com/rcornwell/ipt/ipt/control"
	"github.com/rcornwell/ipt/ipt/dma"
	"github.com/rcornwell/ipt/ipt/lifecycle"
	"github.com/rcornwell/ipt/ipt/session"
	logger "github.com/rcornwell/ipt/util/logger"
)

var log *slog.Logger

func main() {
	optShowCaps := getopt.BoolLong("caps", 0, "Probe and print capabilities, then exit")
	optScript := getopt.StringLong("script", 0, "", "Run a session script and exit")
	optDryRun := getopt.BoolLong("dry-run", 0, "Use an in-memory fake control channel instead of the real device")
	optDevice := getopt.StringLong("device", 0, "/dev/iptctl", "Control device node (ignored with -dry-run)")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	debug := false
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelInfo)
	log = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, &debug))
	slog.SetDefault(log)

	caps, err := capabilities.Probe(capabilities.HostCPUID{})
	if err != nil {
		if *optDryRun {
			// A dry run may target a host with no real Intel PT hardware;
			// synthesize a fully-capable record so scripts still exercise
			// the lifecycle state machine end to end.
			caps = capabilities.Capabilities{
				Supported:     true,
				OutputTopa:    true,
				OutputTopaMux: true,
				CR3Filtering:  true,
				PSB:           true,
				IPFiltering:   true,
				MTC:           true,
				PTWrite:       true,
				PowerEvents:   true,
				NumAddrRanges: 4,
				MTCFreqMask:   0xffff,
				CycThreshMask: 0xffff,
				PSBFreqMask:   0xffff,
			}
		} else {
			log.Error("capability probe failed", "error", err)
			os.Exit(1)
		}
	}

	if *optShowCaps {
		fmt.Printf("%+v\n", caps)
		os.Exit(0)
	}

	var channel control.ControlChannel
	if *optDryRun {
		channel = control.NewFake()
	} else {
		real, err := control.OpenRealChannel(*optDevice)
		if err != nil {
			log.Error("opening control device", "device", *optDevice, "error", err)
			os.Exit(1)
		}
		defer real.Close()
		channel = real
	}

	alloc := dmaAllocator(*optDryRun)
	ctl := lifecycle.New(caps, alloc, channel, runtime.NumCPU, log)
	if err := ctl.Bind(); err != nil {
		log.Error("bind failed", "error", err)
		os.Exit(1)
	}

	if *optScript != "" {
		runScript(ctl, *optScript)
		return
	}

	console(ctl)
}

func dmaAllocator(dryRun bool) dma.Allocator {
	if dryRun {
		return dma.NewFakeAllocator()
	}
	return dma.NewMmapAllocator()
}

func runScript(ctl *lifecycle.Controller, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Error("opening script", "path", path, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	results, err := session.Run(f, ctl)
	for _, r := range results {
		printResult(r)
	}
	if err != nil {
		var lineErr *session.LineError
		if errors.As(err, &lineErr) {
			fmt.Fprintf(os.Stderr, "script error at line %d: %v\n", lineErr.Line, lineErr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "script error: %v\n", err)
		}
		os.Exit(1)
	}
}

func printResult(r session.Result) {
	switch {
	case r.HasDescriptor:
		fmt.Printf("%d: %s -> descriptor %d\n", r.Line, r.Directive, r.Descriptor)
	case r.HasCaptured:
		fmt.Printf("%d: %s -> captured %d bytes\n", r.Line, r.Directive, r.Captured)
	default:
		fmt.Printf("%d: %s -> ok\n", r.Line, r.Directive)
	}
}

// console runs an interactive line-editing loop over the same directive
// grammar session.Run accepts, one line at a time.
func console(ctl *lifecycle.Controller) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for {
		input, err := line.Prompt("iptctl> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				return
			}
			log.Error("reading line", "error", err)
			return
		}
		line.AppendHistory(input)

		if input == "quit" || input == "exit" {
			return
		}

		results, err := session.Run(strings.NewReader(input), ctl)
		for _, r := range results {
			printResult(r)
		}
		if err != nil {
			fmt.Println("Error: " + err.Error())
		}
	}
}
