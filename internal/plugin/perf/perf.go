// Package perf is the internal, non-registered "perf" plugin building
// block that native and BEAM compose a configured instance of rather
// than subclassing, since the `native`/`beam`/`perf` relationship
// is composition, not inheritance.
package perf

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/uniprof/uniprof/internal/kinds"
)

// Config tunes one perf invocation for the plugin wrapping it.
type Config struct {
	CallGraph              string // "dwarf" or "fp"
	HasJIT                 bool
	TreatExecutableAsCommand bool
	SamplingHz             float64
	ExtraEnv               map[string]string
}

const defaultSamplingHz = 999

// NeedsSudo checks perf_event_paranoid: paranoid level above 1 requires root.
func NeedsSudo() bool {
	data, err := os.ReadFile("/proc/sys/kernel/perf_event_paranoid")
	if err != nil {
		return false
	}
	var level int
	fmt.Sscanf(string(data), "%d", &level)
	return level > 1
}

// BuildRecordArgv assembles `perf record` against a target binary,
// choosing dwarf call-graph unwinding unless the binary lacks debug
// info.
func (c Config) BuildRecordArgv(dataPath string, hasDwarf bool, target []string) []string {
	callGraph := c.CallGraph
	if callGraph == "" {
		if hasDwarf {
			callGraph = "dwarf"
		} else {
			callGraph = "fp"
		}
	}
	hz := c.SamplingHz
	if hz <= 0 {
		hz = defaultSamplingHz
	}
	argv := []string{"perf", "record", "-F", fmt.Sprintf("%.0f", hz), "--call-graph", callGraph, "-o", dataPath, "--"}
	return append(argv, target...)
}

// RegisterBuildID runs `perf buildid-cache` to make symbol resolution
// possible from perf script later.
func RegisterBuildID(binaryPath string) error {
	out, err := exec.Command("perf", "buildid-cache", "--add", binaryPath).CombinedOutput()
	if err != nil {
		return kinds.New(kinds.Environment, "perf buildid-cache failed: "+string(out), err)
	}
	return nil
}

// InjectJIT runs `perf inject --jit`, writing the injected data to a
// new dataPath+".jit" file and returning that path; used by the BEAM
// plugin before `perf script` to pull in JIT symbol maps.
func InjectJIT(dataPath string) (string, error) {
	injected := dataPath + ".jit"
	out, err := exec.Command("perf", "inject", "--jit", "-i", dataPath, "-o", injected).CombinedOutput()
	if err != nil {
		return "", kinds.New(kinds.Environment, "perf inject --jit failed: "+string(out), err)
	}
	return injected, nil
}

// Script runs `perf script --symfs /` against dataPath and writes its
// textual output to outPath for the perfscript converter to parse.
func Script(dataPath, outPath string) error {
	f, err := os.Create(outPath)
	if err != nil {
		return kinds.New(kinds.Environment, "creating perf script output", err)
	}
	defer f.Close()

	cmd := exec.Command("perf", "script", "--symfs", "/", "-i", dataPath)
	cmd.Stdout = f
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return kinds.New(kinds.Environment, "piping perf script stderr", err)
	}
	if err := cmd.Start(); err != nil {
		return kinds.New(kinds.Environment, "starting perf script", err)
	}
	errOutput, _ := io.ReadAll(stderr)
	if err := cmd.Wait(); err != nil {
		return kinds.New(kinds.Environment, "perf script failed: "+string(errOutput), err)
	}
	return nil
}

// ApplyExtraEnv copies cfg.ExtraEnv into env, letting a plugin fold its
// own profiler-specific environment (e.g. BEAM's ERL_FLAGS) into the
// runtime environment alongside whatever else the plugin sets there.
func (c Config) ApplyExtraEnv(env map[string]string) {
	for k, v := range c.ExtraEnv {
		env[k] = v
	}
}

// EnsureWorkspaceCopy implements Native perf's rule:
// copy the target binary into the workspace if it lives outside cwd,
// erroring on a name collision with an existing file.
func EnsureWorkspaceCopy(cwd, binaryPath string) (string, error) {
	base := filepath.Base(binaryPath)
	dest := filepath.Join(cwd, base)
	absBinary, err := filepath.Abs(binaryPath)
	if err != nil {
		return "", kinds.New(kinds.UserInput, "resolving target binary path", err)
	}
	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		return "", kinds.New(kinds.Environment, "resolving working directory", err)
	}
	if rel, err := filepath.Rel(absCwd, absBinary); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return binaryPath, nil
	}
	if _, err := os.Stat(dest); err == nil {
		return "", kinds.New(kinds.UserInput, fmt.Sprintf("cannot copy %s into workspace: %s already exists", binaryPath, dest), nil)
	}
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return "", kinds.New(kinds.Environment, "reading target binary", err)
	}
	if err := os.WriteFile(dest, data, 0o755); err != nil {
		return "", kinds.New(kinds.Environment, "copying target binary into workspace", err)
	}
	return dest, nil
}
