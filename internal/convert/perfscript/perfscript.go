// Package perfscript parses the textual output of `perf script` into the
// canonical profile schema.
package perfscript

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/uniprof/uniprof/internal/convert/common"
	"github.com/uniprof/uniprof/internal/schema"
)

// PerfFrame is one parsed stack line.
type PerfFrame struct {
	Address    string
	SymbolName string
	File       string
}

// PerfEvent is one parsed header-plus-stack block.
type PerfEvent struct {
	Command   string
	ProcessID int
	HasPID    bool
	ThreadID  int
	Time      float64
	EventType string
	Stack     []PerfFrame // outermost caller first
}

// header matches "<command>  <pid>[/<tid>]  <time>:  <count> <event>:"
var headerRe = regexp.MustCompile(`^(\S.*?)\s+(\d+)(?:/(\d+))?\s+([0-9]+(?:\.[0-9]+)?):\s+(\d+)\s+(\S+):\s*$`)

// frameLine matches "<hex-addr> <symbol+offset> (<file>)" with an
// optional "(<file>)" segment.
var frameLineRe = regexp.MustCompile(`^\s*([0-9a-fA-F]+)\s+(\S+)(?:\s+\(([^)]*)\))?\s*$`)

// ParseEvents reads a perf-script textual stream and returns every
// parsed event, in file order.
func ParseEvents(r io.Reader) ([]PerfEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var events []PerfEvent
	var current *PerfEvent

	flush := func() {
		if current != nil {
			events = append(events, *current)
			current = nil
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		if m := headerRe.FindStringSubmatch(line); m != nil {
			flush()
			ev := PerfEvent{Command: strings.TrimSpace(m[1]), EventType: m[6]}
			pid, _ := strconv.Atoi(m[2])
			if m[3] != "" {
				ev.HasPID = true
				ev.ProcessID = pid
				tid, _ := strconv.Atoi(m[3])
				ev.ThreadID = tid
			} else {
				ev.ThreadID = pid
			}
			t, _ := strconv.ParseFloat(m[4], 64)
			ev.Time = t
			current = &ev
			continue
		}
		if current == nil {
			continue // stray line outside any event block
		}
		if m := frameLineRe.FindStringSubmatch(line); m != nil {
			symbol := stripOffset(m[2])
			file := m[3]
			if file == "" {
				file = "[unknown]"
			}
			frame := PerfFrame{Address: "0x" + strings.ToLower(m[1]), SymbolName: symbol, File: file}
			// Frames arrive innermost-first in perf script output; push
			// to front so Stack ends up outermost-caller-first.
			current.Stack = append([]PerfFrame{frame}, current.Stack...)
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning perf script stream: %w", err)
	}
	return events, nil
}

func stripOffset(symbolPlusOffset string) string {
	if idx := strings.Index(symbolPlusOffset, "+0x"); idx >= 0 {
		return symbolPlusOffset[:idx]
	}
	if idx := strings.LastIndex(symbolPlusOffset, "+"); idx >= 0 {
		return symbolPlusOffset[:idx]
	}
	return symbolPlusOffset
}

// Convert parses a perf-script stream and emits a canonical document.
// samplingHz comes from ctx.SamplingHz; the
// weight of every sample is 1/samplingHz seconds.
func Convert(r io.Reader, samplingHz float64, exporter, name string) (*schema.Document, error) {
	events, err := ParseEvents(r)
	if err != nil {
		return nil, err
	}
	if samplingHz <= 0 {
		samplingHz = 999
	}
	weight := 1.0 / samplingHz

	frames := schema.NewFrameTable()
	builders := make(map[string]*common.SampledBuilder)
	var order []string

	for _, ev := range events {
		key := threadKey(ev)
		b, ok := builders[key]
		if !ok {
			b = &common.SampledBuilder{Name: key, Unit: "seconds"}
			builders[key] = b
			order = append(order, key)
		}
		stack := make([]int, 0, len(ev.Stack))
		for _, f := range ev.Stack {
			idx := frames.Intern(schema.Frame{Name: f.SymbolName, File: f.File})
			stack = append(stack, idx)
		}
		b.AddSample(stack, weight)
	}

	doc := schema.NewDocument(name, exporter)
	doc.Shared.Frames = frames.Frames()
	for _, key := range order {
		doc.Profiles = append(doc.Profiles, builders[key].Build())
	}
	return doc, nil
}

func threadKey(ev PerfEvent) string {
	if ev.HasPID {
		return fmt.Sprintf("%s (pid: %d, tid: %d)", ev.Command, ev.ProcessID, ev.ThreadID)
	}
	return fmt.Sprintf("%s (tid: %d)", ev.Command, ev.ThreadID)
}
