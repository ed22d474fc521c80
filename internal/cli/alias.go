// Package cli normalizes raw argv into a canonical `record` invocation
// before cobra ever parses it, then wires the cobra command tree for
// bootstrap/record/analyze/visualize/mcp into the record and analyze
// packages. The normalization pass is a pure function over []string so
// it stays independently testable apart from cobra's own parsing.
package cli

import (
	"strconv"
	"strings"

	"github.com/uniprof/uniprof/internal/cliutil"
)

// knownSubcommands is the set of top-level verbs that bypass alias
// rewriting entirely; anything else in argv[1] is treated as the start
// of a profiled command.
var knownSubcommands = map[string]bool{
	"bootstrap": true,
	"record":    true,
	"analyze":   true,
	"visualize": true,
	"mcp":       true,
	"history":   true,
	"help":      true,
}

// recordBoolFlags and recordValueFlags are the record option set the
// alias parser recognizes while scanning for where record-level flags
// end and the profiled command begins.
var recordBoolFlags = map[string]bool{
	"-v": true, "--verbose": true,
	"--analyze": true, "--visualize": true,
	"--enable-host-networking": true,
}

var recordValueFlags = map[string]bool{
	"-o": true, "--output": true,
	"--mode": true, "--cwd": true, "--platform": true, "--format": true,
	"--extra-profiler-args": true,
}

// NormalizeArgv implements the alias normalization described for the
// CLI surface: argv with no known subcommand is rewritten to
// `record --analyze -- …`; a top-level `--visualize` flag rewrites to
// `record --visualize` instead. argv[0] is the program name and is
// never itself rewritten. Calling NormalizeArgv on an already-rewritten
// argv returns it unchanged (idempotent), since `record` is a known
// subcommand and the second pass takes the explicit-subcommand branch.
func NormalizeArgv(argv []string) []string {
	if len(argv) < 2 {
		return argv
	}
	prog, args := argv[0], argv[1:]

	if knownSubcommands[args[0]] {
		if args[0] != "record" {
			return argv
		}
		return append([]string{prog, "record"}, normalizeRecordArgs(args[1:])...)
	}

	return append([]string{prog, "record"}, normalizeRecordArgs(args)...)
}

// normalizeRecordArgs scans a record-level argument list (with or
// without a leading "record" already stripped), collapsing any
// --extra-profiler-args run into a single joined value, inserting an
// explicit "--" before the profiled command if one is not already
// present, and adding --analyze when the caller supplied neither
// --analyze nor --visualize.
func normalizeRecordArgs(args []string) []string {
	var flags []string
	var rest []string
	sawAnalyze, sawVisualize := false, false

	i := 0
	for i < len(args) {
		tok := args[i]
		if tok == "--" {
			rest = append(rest, args[i+1:]...)
			i = len(args)
			break
		}
		if tok == "--extra-profiler-args" {
			collected, next := collectExtraProfilerArgs(args, i+1)
			flags = append(flags, tok, cliutil.JoinExtraProfilerArgs(collected))
			i = next
			continue
		}
		if recordBoolFlags[tok] {
			if tok == "--analyze" {
				sawAnalyze = true
			}
			if tok == "--visualize" {
				sawVisualize = true
			}
			flags = append(flags, tok)
			i++
			continue
		}
		if recordValueFlags[tok] {
			flags = append(flags, tok)
			i++
			if i < len(args) {
				flags = append(flags, args[i])
				i++
			}
			continue
		}
		// First token that isn't a recognized record flag starts the
		// profiled command.
		rest = append(rest, args[i:]...)
		i = len(args)
	}

	if !sawAnalyze && !sawVisualize {
		flags = append([]string{"--analyze"}, flags...)
	}

	out := make([]string, 0, len(flags)+len(rest)+1)
	out = append(out, flags...)
	out = append(out, "--")
	out = append(out, rest...)
	return out
}

// collectExtraProfilerArgs consumes the run of tokens following
// --extra-profiler-args that belong to the profiler's own flags rather
// than to the profiled command: a dashed or negative-numeric token,
// optionally followed by a single bare value (e.g. "--rate" "500").
// Two dash-prefixed tokens in a row are treated as two separate
// profiler flags, not a flag and its value, since a bare negative
// number never itself takes a value.
func collectExtraProfilerArgs(args []string, start int) (tokens []string, next int) {
	i := start
	for i < len(args) {
		tok := args[i]
		if !cliutil.IsFlagLikeOrNumeric(tok) {
			break
		}
		tokens = append(tokens, tok)
		i++
		if isDashedFlagName(tok) && i < len(args) && !cliutil.IsFlagLikeOrNumeric(args[i]) {
			tokens = append(tokens, args[i])
			i++
		}
	}
	return tokens, i
}

// isDashedFlagName reports whether tok is a flag name like "--rate" or
// "-F", as opposed to a bare negative number like "-500", which never
// takes a following value of its own.
func isDashedFlagName(tok string) bool {
	if !strings.HasPrefix(tok, "-") {
		return false
	}
	trimmed := strings.TrimLeft(tok, "-")
	if trimmed == "" {
		return true
	}
	_, err := strconv.ParseFloat(trimmed, 64)
	return err != nil
}
