// Package instruments parses the XML produced by `xctrace export` for a
// time-profile table into the canonical profile schema, resolving the
// format's id/ref interning scheme.
package instruments

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/uniprof/uniprof/internal/schema"
)

// node is a generic XML element: just enough structure to walk the
// id/ref scheme without a fixed schema for every row shape xctrace can
// emit across Xcode versions.
type node struct {
	XMLName xml.Name
	Id      string  `xml:"id,attr"`
	Ref     string  `xml:"ref,attr"`
	Chardata string `xml:",chardata"`
	Nodes   []node  `xml:",any"`
}

// Parse decodes an xctrace time-profile export into a flat list of
// resolved rows. The XML allows any element to define "@id" once and
// reference it later via "@ref"; the parser walks the whole tree
// collecting every id-bearing element first, then resolves refs lazily
// while extracting rows.
func Parse(r io.Reader) ([]Row, error) {
	var root node
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding instruments export: %w", err)
	}

	defs := make(map[string]*node)
	collectDefs(&root, defs)

	var rows []Row
	findRows(&root, defs, &rows)
	return rows, nil
}

func collectDefs(n *node, defs map[string]*node) {
	if n.Id != "" {
		defs[n.Id] = n
	}
	for i := range n.Nodes {
		collectDefs(&n.Nodes[i], defs)
	}
}

func findRows(n *node, defs map[string]*node, rows *[]Row) {
	if n.XMLName.Local == "row" {
		if row, ok := parseRow(n, defs); ok {
			*rows = append(*rows, row)
		}
		return
	}
	for i := range n.Nodes {
		findRows(&n.Nodes[i], defs, rows)
	}
}

// resolve follows a @ref to its defining element, or returns n as-is
// when it carries its own content.
func resolve(n *node, defs map[string]*node) *node {
	if n.Ref != "" {
		if def, ok := defs[n.Ref]; ok {
			return def
		}
	}
	return n
}

// Row is one parsed sample: a point in time on one thread/process with
// a weight and a backtrace ordered innermost-to-outermost, as xctrace
// emits it.
type Row struct {
	SampleTimeNs float64
	Thread       string
	Process      string
	WeightNs     float64
	Frames       []string // innermost first, stored as-is
}

func parseRow(row *node, defs map[string]*node) (Row, bool) {
	var r Row
	for i := range row.Nodes {
		child := &row.Nodes[i]
		resolved := resolve(child, defs)
		switch child.XMLName.Local {
		case "sample-time":
			r.SampleTimeNs = parseDuration(strings.TrimSpace(resolved.Chardata))
		case "thread":
			r.Thread = threadOrProcessName(resolved)
		case "process":
			r.Process = threadOrProcessName(resolved)
		case "weight":
			r.WeightNs = parseWeight(resolved, defs)
		case "backtrace":
			r.Frames = parseBacktrace(resolved, defs)
		}
	}
	if len(r.Frames) == 0 {
		return Row{}, false
	}
	return r, true
}

func threadOrProcessName(n *node) string {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == "name" {
			return strings.TrimSpace(n.Nodes[i].Chardata)
		}
	}
	return strings.TrimSpace(n.Chardata)
}

// parseWeight reads a "<number> <unit>" pair and converts it to
// nanoseconds.
func parseWeight(n *node, defs map[string]*node) float64 {
	var number float64
	var unit string
	for i := range n.Nodes {
		child := resolve(&n.Nodes[i], defs)
		switch n.Nodes[i].XMLName.Local {
		case "number":
			number, _ = strconv.ParseFloat(strings.TrimSpace(child.Chardata), 64)
		case "unit":
			unit = strings.TrimSpace(child.Chardata)
		}
	}
	return number * unitToNanoseconds(unit)
}

func parseDuration(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func unitToNanoseconds(unit string) float64 {
	switch strings.ToLower(unit) {
	case "ns", "nanoseconds", "nanosecond":
		return 1
	case "us", "µs", "microseconds", "microsecond":
		return 1e3
	case "ms", "milliseconds", "millisecond":
		return 1e6
	case "s", "sec", "seconds", "second":
		return 1e9
	default:
		return 1
	}
}

// parseBacktrace resolves every "frame" child (each possibly a @ref to
// an earlier definition) in document order, which is innermost-first
// as xctrace emits it; stored as-is rather than reversed.
func parseBacktrace(n *node, defs map[string]*node) []string {
	var frames []string
	for i := range n.Nodes {
		child := &n.Nodes[i]
		if child.XMLName.Local != "frame" {
			continue
		}
		resolved := resolve(child, defs)
		frames = append(frames, frameName(resolved))
	}
	return frames
}

func frameName(n *node) string {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == "name" {
			return strings.TrimSpace(n.Nodes[i].Chardata)
		}
	}
	return strings.TrimSpace(n.Chardata)
}

// Convert parses an xctrace time-profile export and groups samples
// into one evented profile per thread, in nanoseconds.
func Convert(r io.Reader, exporter, name string) (*schema.Document, error) {
	rows, err := Parse(r)
	if err != nil {
		return nil, err
	}

	frames := schema.NewFrameTable()
	type threadProfile struct {
		key    string
		events []schema.Event
		max    float64
	}
	byThread := make(map[string]*threadProfile)
	var order []string

	for _, row := range rows {
		key := row.Process + " / " + row.Thread
		tp, ok := byThread[key]
		if !ok {
			tp = &threadProfile{key: key}
			byThread[key] = tp
			order = append(order, key)
		}
		// Frames arrive innermost-first; open outermost-to-innermost so
		// the event stream nests correctly, then close in reverse.
		idxs := make([]int, len(row.Frames))
		for i, f := range row.Frames {
			idxs[i] = frames.Intern(schema.Frame{Name: f})
		}
		for i := len(idxs) - 1; i >= 0; i-- {
			tp.events = append(tp.events, schema.Event{Type: schema.EventOpen, Frame: idxs[i], At: row.SampleTimeNs})
		}
		closeAt := row.SampleTimeNs + row.WeightNs
		for i := 0; i < len(idxs); i++ {
			tp.events = append(tp.events, schema.Event{Type: schema.EventClose, Frame: idxs[i], At: closeAt})
		}
		if closeAt > tp.max {
			tp.max = closeAt
		}
	}

	doc := schema.NewDocument(name, exporter)
	doc.Shared.Frames = frames.Frames()
	for _, key := range order {
		tp := byThread[key]
		sort.SliceStable(tp.events, func(i, j int) bool { return tp.events[i].At < tp.events[j].At })
		doc.Profiles = append(doc.Profiles, schema.Profile{
			Type:     schema.TypeEvented,
			Name:     tp.key,
			Unit:     "nanoseconds",
			EndValue: tp.max,
			Events:   tp.events,
		})
	}
	return doc, nil
}
