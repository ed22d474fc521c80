// Package trampoline builds the bash script a container-mode plugin
// hands to the profiler image's entrypoint: source the image's
// bootstrap, then run the profiler against the application, with a
// "::" sentinel separating the profiler's own pre-args from the
// application's argv.
package trampoline

import (
	"fmt"
	"sort"
	"strings"
)

const bootstrapPath = "/usr/local/bin/bootstrap.sh"

// Script is a bash trampoline ready to hand to `sh -c`.
type Script struct {
	// ProfilerArgv is the profiler binary and its own flags, ending
	// at the "::" sentinel.
	ProfilerArgv []string
	// AppArgv is the profiled program and its arguments, already
	// rewritten to container paths.
	AppArgv []string
	// Env is exported before the profiler runs (e.g. ERL_FLAGS,
	// JAVA_TOOL_OPTIONS).
	Env map[string]string
}

// Build renders the script text. The "::" sentinel is the agreed split
// point a plugin's entrypoint script parses to recover ProfilerArgv and
// AppArgv independently of either side's own flag syntax.
func Build(s Script) string {
	var b strings.Builder
	fmt.Fprintln(&b, "#!/usr/bin/env bash")
	fmt.Fprintln(&b, "set -euo pipefail")
	fmt.Fprintf(&b, "source %s\n", bootstrapPath)

	for _, k := range sortedKeys(s.Env) {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(s.Env[k]))
	}

	parts := make([]string, 0, len(s.ProfilerArgv)+len(s.AppArgv)+1)
	for _, a := range s.ProfilerArgv {
		parts = append(parts, shellQuote(a))
	}
	parts = append(parts, "::")
	for _, a := range s.AppArgv {
		parts = append(parts, shellQuote(a))
	}
	fmt.Fprintln(&b, strings.Join(parts, " "))
	return b.String()
}

// Split recovers the profiler argv and app argv sides of a combined
// argument list that was joined around "::", the inverse of Build's
// sentinel insertion. Without a sentinel, the whole list is returned
// as the profiler side.
func Split(combined []string) (profilerArgv, appArgv []string) {
	for i, a := range combined {
		if a == "::" {
			return combined[:i], combined[i+1:]
		}
	}
	return combined, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
