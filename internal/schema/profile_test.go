package schema

import (
	"bytes"
	"testing"
)

func TestFrameTable_InternDedups(t *testing.T) {
	ft := NewFrameTable()

	a := ft.Intern(Frame{Name: "main", File: "main.py", Line: 10})
	b := ft.Intern(Frame{Name: "helper", File: "helper.py", Line: 3})
	aAgain := ft.Intern(Frame{Name: "main", File: "main.py", Line: 10})

	if a != aAgain {
		t.Errorf("Intern did not dedup identical frame: first=%d second=%d", a, aAgain)
	}
	if a == b {
		t.Errorf("Intern assigned the same index to distinct frames: %d", a)
	}
	if len(ft.Frames()) != 2 {
		t.Errorf("Frames() returned %d entries, want 2", len(ft.Frames()))
	}
}

func TestFrameTable_InternDistinguishesLineAndCol(t *testing.T) {
	ft := NewFrameTable()
	a := ft.Intern(Frame{Name: "f", File: "x.py", Line: 1, Col: 1})
	b := ft.Intern(Frame{Name: "f", File: "x.py", Line: 2, Col: 1})
	if a == b {
		t.Error("frames differing only in Line should not dedup to the same index")
	}
	c := ft.Intern(Frame{Name: "f", File: "x.py", Line: 1, Col: 2})
	if a == c {
		t.Error("frames differing only in Col should not dedup to the same index")
	}
}

func TestEncodeDecode_roundTrip(t *testing.T) {
	doc := NewDocument("app.py", "py-spy")
	doc.Shared.Frames = []Frame{{Name: "main", File: "app.py", Line: 1}}
	doc.Profiles = []Profile{{
		Type:       TypeSampled,
		Name:       "thread 0",
		Unit:       "microseconds",
		EndValue:   100,
		Samples:    [][]int{{0}},
		Weights:    []float64{100},
	}}

	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Schema != FileSchemaURL {
		t.Errorf("Schema = %q, want %q", got.Schema, FileSchemaURL)
	}
	if got.Exporter != "py-spy" {
		t.Errorf("Exporter = %q, want py-spy", got.Exporter)
	}
	if len(got.Shared.Frames) != 1 || got.Shared.Frames[0].Name != "main" {
		t.Errorf("Shared.Frames = %+v, want one frame named main", got.Shared.Frames)
	}
	if len(got.Profiles) != 1 || got.Profiles[0].Type != TypeSampled {
		t.Errorf("Profiles = %+v, want one sampled profile", got.Profiles)
	}
}

func TestParseAndStamp_overwritesExporter(t *testing.T) {
	doc := NewDocument("app.py", "original-exporter")
	var buf bytes.Buffer
	if err := Encode(&buf, doc); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := ParseAndStamp(buf.Bytes(), "py-spy")
	if err != nil {
		t.Fatalf("ParseAndStamp: %v", err)
	}
	if got.Exporter != "py-spy" {
		t.Errorf("Exporter = %q, want py-spy", got.Exporter)
	}
}
