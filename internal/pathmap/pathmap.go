// Package pathmap implements the container path-mapping rules:
// classifying argv elements as in-cwd or unmapped, and rewriting
// in-cwd paths to the /workspace mount point.
package pathmap

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const ContainerMount = "/workspace"

// wslDrive matches a WSL-style absolute Windows path, e.g. "/mnt/c/Users/x".
var wslDrive = regexp.MustCompile(`^/mnt/([a-zA-Z])(/.*)?$`)

// windowsAbs matches a Windows-style absolute path such as "C:\Users\x"
// or "C:/Users/x".
var windowsAbs = regexp.MustCompile(`^[a-zA-Z]:[\\/]`)

// ToContainerPath rewrites p to its /workspace-relative form when p lies
// under cwd (absolute or relative) and looks like an actual path
// reference rather than a PATH-resolved launcher name or a bare
// subcommand word (e.g. "python" in "python app.py", or "start" in
// "npm start"). p qualifies as a path reference when it is absolute,
// contains a path separator (e.g. "./app.py", "sub/dir/x"), or names a
// real file under cwd. Anything else is returned unchanged.
func ToContainerPath(cwd, p string) string {
	rel, ok := RelativeToCwd(cwd, p)
	if !ok {
		return p
	}
	if !isPathReference(cwd, p, rel) {
		return p
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return ContainerMount
	}
	return ContainerMount + "/" + rel
}

// isPathReference reports whether p should be rewritten as a path at
// all: an absolute path, a token containing a path separator, an
// explicit "." reference, or a relative token that names a real file
// under cwd.
func isPathReference(cwd, p, rel string) bool {
	if looksAbsolute(p) {
		return true
	}
	if strings.ContainsAny(p, "/\\") {
		return true
	}
	if rel == "." {
		return true
	}
	info, err := os.Stat(filepath.Join(cwd, rel))
	return err == nil && !info.IsDir()
}

// RelativeToCwd reports whether p resolves to a location under cwd, and
// if so returns the POSIX-separated relative path.
func RelativeToCwd(cwd, p string) (string, bool) {
	cwd = filepath.Clean(cwd)

	candidate := p
	if windowsAbs.MatchString(p) {
		candidate = normalizeWindowsPath(p)
	}

	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(cwd, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(cwd, candidate)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// normalizeWindowsPath converts "C:\Users\x" or "C:/Users/x" into the
// WSL-style "/mnt/c/Users/x" so it can be compared against a POSIX cwd.
func normalizeWindowsPath(p string) string {
	drive := strings.ToLower(string(p[0]))
	rest := strings.ReplaceAll(p[2:], "\\", "/")
	return "/mnt/" + drive + rest
}

// IsAbsoluteOutsideCwd reports whether p is an absolute path (POSIX or
// Windows-style) that does not resolve under cwd — the condition that
// makes a positional argv element "unmapped".
func IsAbsoluteOutsideCwd(cwd, p string) bool {
	if !looksAbsolute(p) {
		return false
	}
	_, ok := RelativeToCwd(cwd, p)
	return !ok
}

func looksAbsolute(p string) bool {
	return filepath.IsAbs(p) || windowsAbs.MatchString(p) || wslDrive.MatchString(p)
}

// Classification is the result of inspecting one post-program argv
// element for path-mapping purposes.
type Classification struct {
	Arg          string
	IsPositional bool
	Unmapped     bool
	// EmbeddedPath is set when Arg is an option value such as
	// "--cfg=/abs/path" or part of a separated "--cfg","/abs/path" pair,
	// in which case an unmapped path only warrants a warning, not abort.
	EmbeddedPath string
}

// embeddedEquals matches "--flag=/some/path" style option values.
var embeddedEquals = regexp.MustCompile(`^--?[A-Za-z0-9][A-Za-z0-9-]*=(.+)$`)

// ClassifyArgs walks argv[1:] (the part after the profiled program),
// returning one Classification per element, honoring the rule that a
// value belonging to a preceding "--flag" option is an embedded path,
// not a positional one.
func ClassifyArgs(cwd string, argv []string) []Classification {
	var out []Classification
	prevWasFlag := false
	for i, arg := range argv {
		if i == 0 {
			continue // argv[0] is the profiled program itself, handled separately
		}
		c := Classification{Arg: arg}
		if m := embeddedEquals.FindStringSubmatch(arg); m != nil {
			c.EmbeddedPath = m[1]
			c.Unmapped = IsAbsoluteOutsideCwd(cwd, m[1])
			prevWasFlag = false
		} else if prevWasFlag {
			c.EmbeddedPath = arg
			c.Unmapped = IsAbsoluteOutsideCwd(cwd, arg)
			prevWasFlag = false
		} else if strings.HasPrefix(arg, "-") {
			prevWasFlag = true
		} else {
			c.IsPositional = true
			c.Unmapped = IsAbsoluteOutsideCwd(cwd, arg)
			prevWasFlag = false
		}
		out = append(out, c)
	}
	return out
}

// RewriteForContainer rewrites argv for container execution. argv[0] (the
// profiled program) is rewritten when it resolves under cwd (e.g.
// "./app.py"); every later element that ClassifyArgs identifies as a
// positional path or an embedded option path is rewritten the same way.
// Flag tokens and non-path positionals (e.g. a bare subcommand name) are
// left untouched.
func RewriteForContainer(cwd string, argv []string) []string {
	if len(argv) == 0 {
		return argv
	}
	out := make([]string, len(argv))
	out[0] = ToContainerPath(cwd, argv[0])

	classes := ClassifyArgs(cwd, argv)
	for i, c := range classes {
		idx := i + 1
		switch {
		case c.EmbeddedPath != "":
			if m := embeddedEquals.FindStringSubmatch(c.Arg); m != nil {
				prefix := c.Arg[:len(c.Arg)-len(m[1])]
				out[idx] = prefix + ToContainerPath(cwd, m[1])
			} else {
				out[idx] = ToContainerPath(cwd, c.Arg)
			}
		case c.IsPositional:
			out[idx] = ToContainerPath(cwd, c.Arg)
		default:
			out[idx] = c.Arg
		}
	}
	return out
}
