// Package v8ticks converts the `0x` Node.js profiler's ticks.json into
// the canonical profile schema.
package v8ticks

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/uniprof/uniprof/internal/convert/common"
	"github.com/uniprof/uniprof/internal/schema"
)

type rawFrame struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	Name string `json:"name"`
}

type rawTick struct {
	Stack []rawFrame `json:"stack"`
}

type rawDocEnvelope struct {
	Ticks []rawTick `json:"ticks"`
}

// parseInput accepts either a bare array of stack arrays or
// {"ticks": [{"stack": [...]}]}.
func parseInput(data []byte) ([]rawTick, error) {
	var envelope rawDocEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Ticks != nil {
		return envelope.Ticks, nil
	}
	var bare [][]rawFrame
	if err := json.Unmarshal(data, &bare); err == nil {
		ticks := make([]rawTick, len(bare))
		for i, stack := range bare {
			ticks[i] = rawTick{Stack: stack}
		}
		return ticks, nil
	}
	return nil, fmt.Errorf("ticks.json matches neither array-of-stacks nor {ticks:[...]} shape")
}

// nameWithFileLineCol matches "name file://…:L:C" and "name path:L:C".
var nameWithFileLineCol = regexp.MustCompile(`^(.*)\s+(\S+):(\d+):(\d+)$`)

// pathOnlyLineCol matches a bare "path:L:C" with no leading function name.
var pathOnlyLineCol = regexp.MustCompile(`^(\S+):(\d+):(\d+)$`)

func formatFrameName(f rawFrame) (name, file string, line int) {
	switch f.Type {
	case "CPP":
		return "(c++) " + cleanJSName(f.Name), "", 0
	case "SHARED_LIB":
		return "(LIB) " + f.Name, "", 0
	case "CODE":
		return codeFrameName(f), "", 0
	case "JS":
		return jsFrameName(f.Name)
	default:
		return jsFrameName(f.Name)
	}
}

func cleanJSName(name string) string {
	if name == "" {
		return "(anonymous)"
	}
	return name
}

func codeFrameName(f rawFrame) string {
	switch f.Kind {
	case "IC":
		return "(IC) " + f.Name
	case "Bytecode", "bytecode":
		return "(bytecode) " + f.Name
	case "Stub", "stub":
		return "(stub) " + f.Name
	case "Builtin", "builtin":
		return "(builtin) " + f.Name
	case "RegExp", "regexp":
		return "(regexp) " + f.Name
	default:
		return "(code) " + f.Name
	}
}

// jsFrameName parses the three documented JS name shapes and returns a
// (name, file, line) triple, falling back to "(anonymous)" forms.
func jsFrameName(raw string) (name, file string, line int) {
	if raw == "" {
		return "(anonymous)", "", 0
	}
	if m := nameWithFileLineCol.FindStringSubmatch(raw); m != nil {
		fnName, f, l := m[1], m[2], m[3]
		ln, _ := strconv.Atoi(l)
		if fnName == "" {
			return fmt.Sprintf("(anonymous %s:%d)", f, ln), f, ln
		}
		return fnName, f, ln
	}
	if m := pathOnlyLineCol.FindStringSubmatch(raw); m != nil {
		f, l := m[1], m[2]
		ln, _ := strconv.Atoi(l)
		return fmt.Sprintf("(anonymous %s:%d)", f, ln), f, ln
	}
	return raw, "", 0
}

// Convert parses ticks.json bytes and emits a canonical document. Each
// tick becomes one sample with a 1ms weight.
func Convert(data []byte, exporter, name string) (*schema.Document, error) {
	ticks, err := parseInput(data)
	if err != nil {
		return nil, err
	}

	frames := schema.NewFrameTable()
	builder := &common.SampledBuilder{Name: name, Unit: "milliseconds"}

	for _, tick := range ticks {
		stack := make([]int, 0, len(tick.Stack))
		// ticks.json stacks arrive innermost-first; reverse to bottom-first.
		for i := len(tick.Stack) - 1; i >= 0; i-- {
			fname, file, line := formatFrameName(tick.Stack[i])
			idx := frames.Intern(schema.Frame{Name: fname, File: file, Line: line})
			stack = append(stack, idx)
		}
		builder.AddSample(stack, 1.0)
	}

	doc := schema.NewDocument(name, exporter)
	doc.Shared.Frames = frames.Frames()
	doc.Profiles = append(doc.Profiles, builder.Build())
	return doc, nil
}
