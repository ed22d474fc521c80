// Package analyze implements unified hotspot extraction over canonical
// profiles: evented→sampled synthesis, frame aggregation, filtering,
// percentile computation, and pretty/JSON rendering.
package analyze

import (
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/uniprof/uniprof/internal/schema"
)

// Options mirrors AnalyzeOptions.
type Options struct {
	Threshold   float64 // percent, default 0.1
	FilterRegex string
	FilterExpr  string // supplements FilterRegex with a small boolean grammar
	MinSamples  int
	MaxDepth    int
	Format      string // "pretty" | "json"
}

// DefaultThreshold is applied when Options.Threshold is zero-valued and
// the caller did not explicitly request "no threshold" via a negative
// value.
const DefaultThreshold = 0.1

// Hotspot is one aggregated frame.
type Hotspot struct {
	Name           string  `json:"name"`
	File           string  `json:"file,omitempty"`
	Line           int     `json:"line,omitempty"`
	Percentage     float64 `json:"percentage"`
	SelfPercentage float64 `json:"selfPercentage"`
	Self           float64 `json:"self"`
	Total          float64 `json:"total"`
	Samples        int     `json:"samples"`

	P50 *float64 `json:"p50,omitempty"`
	P90 *float64 `json:"p90,omitempty"`
	P99 *float64 `json:"p99,omitempty"`
}

// Summary is the json-mode output envelope's "summary" object.
type Summary struct {
	TotalSamples int     `json:"totalSamples"`
	TotalTime    float64 `json:"totalTime"`
	Unit         string  `json:"unit"`
	ProfileName  string  `json:"profileName"`
	Profiler     string  `json:"profiler"`
	ThreadCount  int     `json:"threadCount"`
	ProfileType  string  `json:"profileType"`
	TotalEvents  int     `json:"totalEvents,omitempty"`
}

// Result is the full analysis output.
type Result struct {
	Summary  Summary   `json:"summary"`
	Hotspots []Hotspot `json:"hotspots"`
}

type sampleSet struct {
	stacks  [][]int
	weights []float64
}

// Analyze loads doc and produces a filtered, sorted hotspot list.
// Warnings encountered during evented synthesis are logged rather than
// raised: analysis-time warnings never abort analysis.
func Analyze(doc *schema.Document, opts Options) (*Result, error) {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}

	var filterRe *regexp.Regexp
	if opts.FilterRegex != "" {
		re, err := regexp.Compile(opts.FilterRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid filter regex %q: %w", opts.FilterRegex, err)
		}
		filterRe = re
	}

	var filterExpr *FilterExpr
	if opts.FilterExpr != "" {
		fe, err := ParseFilterExpr(opts.FilterExpr)
		if err != nil {
			return nil, err
		}
		filterExpr = fe
	}

	if len(doc.Profiles) == 0 {
		return &Result{Summary: Summary{Unit: "none", ProfileName: doc.Name, Profiler: doc.Exporter}}, nil
	}

	profileType := doc.Profiles[0].Type
	samples := sampleSet{}
	totalEvents := 0
	for _, p := range doc.Profiles {
		if p.Type == schema.TypeEvented {
			totalEvents += len(p.Events)
			stacks, weights := synthesizeSamples(p)
			samples.stacks = append(samples.stacks, stacks...)
			samples.weights = append(samples.weights, weights...)
		} else {
			samples.stacks = append(samples.stacks, p.Samples...)
			samples.weights = append(samples.weights, p.Weights...)
		}
	}

	if opts.MaxDepth > 0 {
		for i, s := range samples.stacks {
			if len(s) > opts.MaxDepth {
				samples.stacks[i] = s[len(s)-opts.MaxDepth:]
			}
		}
	}

	var total float64
	for _, w := range samples.weights {
		total += w
	}
	unit := doc.Profiles[0].Unit

	result := &Result{Summary: Summary{
		TotalSamples: len(samples.stacks),
		TotalTime:    total,
		Unit:         unit,
		ProfileName:  doc.Name,
		Profiler:     doc.Exporter,
		ThreadCount:  len(doc.Profiles),
		ProfileType:  string(profileType),
	}}
	if profileType == schema.TypeEvented {
		result.Summary.TotalEvents = totalEvents
	}
	if total == 0 {
		return result, nil
	}

	type accum struct {
		frame   schema.Frame
		total   float64
		self    float64
		samples int
		weights []float64
	}
	byFrame := make(map[int]*accum)

	for i, stack := range samples.stacks {
		w := samples.weights[i]
		seen := make(map[int]bool, len(stack))
		for _, idx := range stack {
			if seen[idx] {
				continue
			}
			seen[idx] = true
			a, ok := byFrame[idx]
			if !ok {
				a = &accum{frame: frameAt(doc, idx)}
				byFrame[idx] = a
			}
			a.total += w
			a.samples++
			a.weights = append(a.weights, w)
		}
		if len(stack) > 0 {
			leaf := stack[len(stack)-1]
			a, ok := byFrame[leaf]
			if !ok {
				a = &accum{frame: frameAt(doc, leaf)}
				byFrame[leaf] = a
			}
			a.self += w
		}
	}

	hotspots := make([]Hotspot, 0, len(byFrame))
	for _, a := range byFrame {
		pct := a.total / total * 100
		if pct < opts.Threshold {
			continue
		}
		if a.samples < opts.MinSamples {
			continue
		}
		if filterRe != nil && !matchesFilter(filterRe, a.frame) {
			continue
		}
		h := Hotspot{
			Name:           a.frame.Name,
			File:           a.frame.File,
			Line:           a.frame.Line,
			Percentage:     pct,
			SelfPercentage: a.self / total * 100,
			Self:           a.self,
			Total:          a.total,
			Samples:        a.samples,
		}
		if varies(a.weights) {
			p50, p90, p99 := percentiles(a.weights)
			h.P50, h.P90, h.P99 = &p50, &p90, &p99
		}
		if filterExpr != nil {
			ok, err := filterExpr.Matches(h)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		hotspots = append(hotspots, h)
	}

	sort.Slice(hotspots, func(i, j int) bool { return hotspots[i].Total > hotspots[j].Total })
	if len(hotspots) > 50 {
		hotspots = hotspots[:50]
	}
	result.Hotspots = hotspots
	return result, nil
}

func frameAt(doc *schema.Document, idx int) schema.Frame {
	if idx < 0 || idx >= len(doc.Shared.Frames) {
		log.Warn().Int("frame", idx).Msg("analyze: sample references out-of-range frame index")
		return schema.Frame{Name: "(invalid frame)"}
	}
	return doc.Shared.Frames[idx]
}

func matchesFilter(re *regexp.Regexp, f schema.Frame) bool {
	if re.MatchString(f.Name) {
		return true
	}
	if f.File != "" {
		return re.MatchString(fmt.Sprintf("%s:%d", f.File, f.Line))
	}
	return false
}

func varies(weights []float64) bool {
	if len(weights) < 2 {
		return false
	}
	first := weights[0]
	for _, w := range weights[1:] {
		if w != first {
			return true
		}
	}
	return false
}

func percentiles(weights []float64) (p50, p90, p99 float64) {
	sorted := append([]float64(nil), weights...)
	sort.Float64s(sorted)
	return percentileAt(sorted, 0.50), percentileAt(sorted, 0.90), percentileAt(sorted, 0.99)
}

func percentileAt(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// synthesizeSamples turns an evented profile into sampled stacks: walk
// events in ascending timestamp order maintaining a stack, emitting a
// synthetic sample for every positive time delta while the stack is
// non-empty.
func synthesizeSamples(p schema.Profile) ([][]int, []float64) {
	events := append([]schema.Event(nil), p.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].At < events[j].At })

	var stacks [][]int
	var weights []float64
	var stack []int
	lastAt := 0.0
	if len(events) > 0 {
		lastAt = events[0].At
	}

	emit := func(at float64) {
		delta := at - lastAt
		if delta > 0 && len(stack) > 0 {
			stacks = append(stacks, append([]int(nil), stack...))
			weights = append(weights, delta)
		}
		lastAt = at
	}

	for _, ev := range events {
		emit(ev.At)
		switch ev.Type {
		case schema.EventOpen:
			stack = append(stack, ev.Frame)
		case schema.EventClose:
			popMatchingFrame(&stack, ev.Frame)
		}
	}

	if p.EndValue > lastAt && len(stack) > 0 {
		stacks = append(stacks, append([]int(nil), stack...))
		weights = append(weights, p.EndValue-lastAt)
	}

	return stacks, weights
}

// popMatchingFrame pops stack down to and including frame's last
// occurrence. If the top already matches, this is a plain pop. If
// frame is absent, it warns and leaves the stack untouched.
func popMatchingFrame(stack *[]int, frame int) {
	s := *stack
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == frame {
			if i != len(s)-1 {
				log.Warn().Int("frame", frame).Msg("analyze: close event did not match top of stack, popping down to last occurrence")
			}
			*stack = s[:i]
			return
		}
	}
	log.Warn().Int("frame", frame).Msg("analyze: close event for frame not present on stack, skipping")
}
