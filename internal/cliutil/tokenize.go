// Package cliutil holds small, independently-testable argv helpers shared
// by the alias parser and the record orchestrator: a quoted-argument
// tokenizer and the --extra-profiler-args joining convention.
package cliutil

import "strings"

// TokenizeQuoted splits s the way a shell would, respecting single and
// double quotes, so that "-F 500" and []string{"-F", "500"} normalize to
// the same token sequence.
func TokenizeQuoted(s string) []string {
	var tokens []string
	var cur strings.Builder
	var inSingle, inDouble, haveToken bool

	flush := func() {
		if haveToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			haveToken = false
		}
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle = true
			haveToken = true
		case c == '"':
			inDouble = true
			haveToken = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
			haveToken = true
		}
	}
	flush()
	return tokens
}

// NormalizeExtraProfilerArgs splits each element of raw through
// TokenizeQuoted and re-flattens the result, so a single
// "--extra-profiler-args" string containing several flags and a
// pre-split []string{"flag","value"} both normalize identically.
func NormalizeExtraProfilerArgs(raw []string) []string {
	var out []string
	for _, r := range raw {
		out = append(out, TokenizeQuoted(r)...)
	}
	return out
}

// JoinExtraProfilerArgs collects the alias parser's dashed and negative
// numeric tokens that follow --extra-profiler-args into one
// space-joined value (e.g. []string{"--rate", "500"} -> "--rate 500").
func JoinExtraProfilerArgs(tokens []string) string {
	return strings.Join(tokens, " ")
}

// IsFlagLikeOrNumeric reports whether tok looks like a profiler flag
// (leading '-') or a negative number, either of which the alias parser
// must keep collecting into --extra-profiler-args rather than treating
// as the start of the profiled command.
func IsFlagLikeOrNumeric(tok string) bool {
	if tok == "" {
		return false
	}
	if tok[0] != '-' {
		return false
	}
	if len(tok) == 1 {
		return false
	}
	// "-5" and "-0.5" are negative numerics, not flags, but both still
	// belong to the extra-args run for our purposes.
	return true
}
