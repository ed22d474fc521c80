package cli

import (
	"reflect"
	"testing"
)

func TestNormalizeArgv_bareCommand(t *testing.T) {
	got := NormalizeArgv([]string{"uniprof", "python3", "app.py"})
	want := []string{"uniprof", "record", "--analyze", "--", "python3", "app.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeArgv = %v, want %v", got, want)
	}
}

func TestNormalizeArgv_explicitRecord(t *testing.T) {
	got := NormalizeArgv([]string{"uniprof", "record", "-o", "out.json", "--", "node", "server.js"})
	want := []string{"uniprof", "record", "--analyze", "-o", "out.json", "--", "node", "server.js"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeArgv = %v, want %v", got, want)
	}
}

func TestNormalizeArgv_otherSubcommandsPassThrough(t *testing.T) {
	for _, argv := range [][]string{
		{"uniprof", "bootstrap"},
		{"uniprof", "analyze", "out.json"},
		{"uniprof", "visualize", "out.json"},
		{"uniprof", "mcp", "run"},
		{"uniprof", "history", "list"},
		{"uniprof", "help"},
	} {
		got := NormalizeArgv(argv)
		if !reflect.DeepEqual(got, argv) {
			t.Errorf("NormalizeArgv(%v) = %v, want unchanged", argv, got)
		}
	}
}

func TestNormalizeArgv_topLevelVisualizeFlag(t *testing.T) {
	got := NormalizeArgv([]string{"uniprof", "--visualize", "python3", "app.py"})
	want := []string{"uniprof", "record", "--visualize", "--", "python3", "app.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeArgv = %v, want %v", got, want)
	}
}

func TestNormalizeArgv_shortArgvUnchanged(t *testing.T) {
	for _, argv := range [][]string{nil, {}, {"uniprof"}} {
		got := NormalizeArgv(argv)
		if !reflect.DeepEqual(got, argv) {
			t.Errorf("NormalizeArgv(%v) = %v, want unchanged", argv, got)
		}
	}
}

// A second normalization pass over already-normalized argv must be a
// no-op: "record" is a known subcommand, so the second call takes the
// explicit-subcommand branch and returns its input unchanged.
func TestNormalizeArgv_idempotent(t *testing.T) {
	inputs := [][]string{
		{"uniprof", "python3", "app.py"},
		{"uniprof", "--visualize", "python3", "app.py"},
		{"uniprof", "-v", "python3", "app.py"},
		{"uniprof", "record", "--mode", "host", "python3", "app.py"},
	}
	for _, in := range inputs {
		once := NormalizeArgv(in)
		twice := NormalizeArgv(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("NormalizeArgv not idempotent for %v: once=%v twice=%v", in, once, twice)
		}
	}
}

func TestNormalizeArgv_extraProfilerArgsJoined(t *testing.T) {
	got := NormalizeArgv([]string{"uniprof", "-v", "--extra-profiler-args", "--rate", "500", "-F", "99", "python3", "app.py"})
	want := []string{"uniprof", "record", "--analyze", "-v", "--extra-profiler-args", "--rate 500 -F 99", "--", "python3", "app.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeArgv = %v, want %v", got, want)
	}
}

func TestNormalizeArgv_extraProfilerArgsStopsAtBareNegativeNumber(t *testing.T) {
	// a bare negative number never takes a following value of its own,
	// so two dash-prefixed tokens in a row are two separate flags.
	got := NormalizeArgv([]string{"uniprof", "--extra-profiler-args", "-p", "-500", "python3", "app.py"})
	want := []string{"uniprof", "record", "--analyze", "--extra-profiler-args", "-p -500", "--", "python3", "app.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeArgv = %v, want %v", got, want)
	}
}

func TestNormalizeArgv_analyzeFlagPreventsDefaultAnalyze(t *testing.T) {
	got := NormalizeArgv([]string{"uniprof", "--analyze", "python3", "app.py"})
	want := []string{"uniprof", "record", "--analyze", "--", "python3", "app.py"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeArgv = %v, want %v", got, want)
	}
}
