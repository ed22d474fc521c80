// Package schema defines the canonical profile document all converters
// produce and the analyzer consumes: a Speedscope-derived JSON file with
// a shared frame table and one or more per-thread profiles, each either
// "sampled" (stacks + weights) or "evented" (open/close events).
package schema

import (
	"encoding/json"
	"io"
)

const FileSchemaURL = "https://www.speedscope.app/file-format-schema.json"

// ProfileType distinguishes the two profile representations every
// converter and the analyzer must handle.
type ProfileType string

const (
	TypeSampled ProfileType = "sampled"
	TypeEvented ProfileType = "evented"
)

// EventType tags an evented profile's open/close markers.
type EventType string

const (
	EventOpen  EventType = "O"
	EventClose EventType = "C"
)

// Frame is a single entry in the shared frame table. Two frames are the
// same entry iff (Name, File, Line, Col) match.
type Frame struct {
	Name string `json:"name"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
	Col  int    `json:"col,omitempty"`
}

// Shared holds the frame table referenced by index from every profile.
type Shared struct {
	Frames []Frame `json:"frames"`
}

// Event is one open/close marker in an evented profile.
type Event struct {
	Type  EventType `json:"type"`
	Frame int       `json:"frame"`
	At    float64   `json:"at"`
}

// Profile is one thread/process's timeline. Exactly one of the sampled
// fields (Samples/Weights) or the evented field (Events) is populated,
// selected by Type.
type Profile struct {
	Type       ProfileType `json:"type"`
	Name       string      `json:"name"`
	Unit       string      `json:"unit"`
	StartValue float64     `json:"startValue"`
	EndValue   float64     `json:"endValue"`

	// Sampled representation: bottom-first (outermost caller at index 0)
	// stacks of frame indices, and a parallel weight per sample.
	Samples [][]int   `json:"samples,omitempty"`
	Weights []float64 `json:"weights,omitempty"`

	// Evented representation.
	Events []Event `json:"events,omitempty"`
}

// Document is the full canonical profile file.
type Document struct {
	Schema              string    `json:"$schema"`
	Name                string    `json:"name"`
	Exporter            string    `json:"exporter"`
	ActiveProfileIndex  *int      `json:"activeProfileIndex,omitempty"`
	Shared              Shared    `json:"shared"`
	Profiles            []Profile `json:"profiles"`
}

// NewDocument creates an empty canonical document with the fixed schema
// URL and exporter tag already set.
func NewDocument(name, exporter string) *Document {
	return &Document{
		Schema:   FileSchemaURL,
		Name:     name,
		Exporter: exporter,
		Shared:   Shared{Frames: []Frame{}},
		Profiles: []Profile{},
	}
}

// FrameKey is the dedup key for the shared frame table.
type FrameKey struct {
	Name string
	File string
	Line int
	Col  int
}

// FrameTable accumulates unique frames and hands out stable indices,
// shared by every raw-to-canonical converter so frame dedup is uniform.
type FrameTable struct {
	index  map[FrameKey]int
	frames []Frame
}

func NewFrameTable() *FrameTable {
	return &FrameTable{index: make(map[FrameKey]int)}
}

// Intern returns the index of f in the table, adding it if this is the
// first time this (name, file, line, col) combination is seen.
func (t *FrameTable) Intern(f Frame) int {
	key := FrameKey{Name: f.Name, File: f.File, Line: f.Line, Col: f.Col}
	if idx, ok := t.index[key]; ok {
		return idx
	}
	idx := len(t.frames)
	t.index[key] = idx
	t.frames = append(t.frames, f)
	return idx
}

func (t *FrameTable) Frames() []Frame { return t.frames }

// ParseAndStamp unmarshals data as a canonical Document and overwrites
// its exporter field, for plugins whose profiler already speaks the
// canonical schema and whose "conversion" is really just relocation
// plus an exporter stamp (py-spy, rbspy).
func ParseAndStamp(data []byte, exporter string) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc.Exporter = exporter
	return &doc, nil
}

// Decode reads a canonical Document from r.
func Decode(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode writes doc as pretty-printed JSON, the single emission path
// every converter shares.
func Encode(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
