// Package folded parses the collapsed "folded stack" text format
// (frame1;frame2;...;frameN count) into the canonical profile schema
//, and cleans up JVM-style method signatures produced
// by async-profiler's folded output.
package folded

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/uniprof/uniprof/internal/convert/common"
	"github.com/uniprof/uniprof/internal/schema"
)

// Line is one parsed folded-stack line: a bottom-first frame list plus
// its sample count.
type Line struct {
	Frames []string // outermost caller first
	Count  int
}

// ParseLines reads a folded-stack stream, one "a;b;c N" entry per line.
// Blank lines and lines without a trailing count are skipped.
func ParseLines(r io.Reader) ([]Line, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []Line
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		sep := strings.LastIndexByte(raw, ' ')
		if sep < 0 {
			continue
		}
		count, err := strconv.Atoi(raw[sep+1:])
		if err != nil {
			continue
		}
		stackPart := raw[:sep]
		frames := strings.Split(stackPart, ";")
		lines = append(lines, Line{Frames: frames, Count: count})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning folded stack stream: %w", err)
	}
	return lines, nil
}

// CleanJavaMethodName converts any embedded binary class-name slashes in
// an async-profiler-style "pkg.Class.method" folded frame to dots and
// rewrites the entries of a trailing "(...)" parameter list into
// readable type names, rendering array types as "T[]" rather than the
// JVM's "[L..;" descriptor form. The parameter list itself is kept, not
// removed, and it is split on commas only, so a packed descriptor such
// as "(Ljava/lang/String;I)" keeps its descriptor text.
//
// async-profiler's folded output already renders names as source-like
// dotted identifiers; the descriptor cleanup here only fires when a
// frame carries a trailing "(...)" parameter-type suffix, which shows
// up in stacks captured with signature info enabled.
func CleanJavaMethodName(name string) string {
	name = strings.ReplaceAll(name, "/", ".")
	open := strings.IndexByte(name, '(')
	if open < 0 {
		return name
	}
	close := strings.LastIndexByte(name, ')')
	if close < open {
		return name
	}
	prefix := name[:open]
	params := name[open+1 : close]
	suffix := name[close+1:]
	if params == "" {
		return prefix + "()" + suffix
	}
	parts := strings.Split(params, ",")
	for i, p := range parts {
		parts[i] = cleanParamType(strings.TrimSpace(p))
	}
	return prefix + "(" + strings.Join(parts, ", ") + ")" + suffix
}

func cleanParamType(t string) string {
	depth := 0
	for strings.HasPrefix(t, "[") {
		depth++
		t = t[1:]
	}
	var base string
	switch {
	case strings.HasPrefix(t, "L") && strings.HasSuffix(t, ";"):
		base = strings.ReplaceAll(t[1:len(t)-1], "/", ".")
	case t == "I":
		base = "int"
	case t == "J":
		base = "long"
	case t == "Z":
		base = "boolean"
	case t == "B":
		base = "byte"
	case t == "C":
		base = "char"
	case t == "S":
		base = "short"
	case t == "F":
		base = "float"
	case t == "D":
		base = "double"
	default:
		base = t
	}
	return base + strings.Repeat("[]", depth)
}

// Convert parses a folded-stack stream and emits a single canonical
// profile. The unit is "none": folded counts carry no inherent time
// dimension.
func Convert(r io.Reader, exporter, name string, cleanJava bool) (*schema.Document, error) {
	lines, err := ParseLines(r)
	if err != nil {
		return nil, err
	}

	frames := schema.NewFrameTable()
	builder := &common.SampledBuilder{Name: name, Unit: "none"}

	for _, line := range lines {
		stack := make([]int, 0, len(line.Frames))
		for _, f := range line.Frames {
			fname := f
			if cleanJava {
				fname = CleanJavaMethodName(fname)
			}
			idx := frames.Intern(schema.Frame{Name: fname})
			stack = append(stack, idx)
		}
		builder.AddSample(stack, float64(line.Count))
	}

	doc := schema.NewDocument(name, exporter)
	doc.Shared.Frames = frames.Frames()
	doc.Profiles = append(doc.Profiles, builder.Build())
	return doc, nil
}
