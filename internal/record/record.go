// Package record implements the profiling lifecycle orchestrator:
// resolving a platform plugin and run mode from argv, validating
// container path mappings, executing the profiler on the host or in a
// container with the two-stage Ctrl+C policy, post-processing the raw
// artifact into canonical JSON, and optionally handing off to the
// analyzer.
package record

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"

	"github.com/uniprof/uniprof/internal/analyze"
	"github.com/uniprof/uniprof/internal/cliutil"
	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/pathmap"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/proctree"
	"github.com/uniprof/uniprof/internal/schema"
)

// interruptWindow is the span within which a second Ctrl+C escalates
// to a hard exit.
const interruptWindow = 2 * time.Second

// childDiscoveryRetries/childDiscoveryInterval bound the retry window
// before signaling the profiler's process group instead of individual
// children, for when the process table has not caught up yet.
const (
	childDiscoveryRetries  = 10
	childDiscoveryInterval = 100 * time.Millisecond
)

// Request is one `record` invocation's resolved options, plus the
// profiled argv and the orchestrator's own analyze/visualize switches.
type Request struct {
	Argv                 []string
	Output               string
	Verbose              bool
	ExtraProfilerArgs    []string
	Mode                 plugin.Mode
	Cwd                  string
	EnableHostNetworking bool
	Platform             string
	Format               string // "pretty" | "json"
	Analyze              bool
	Visualize            bool
	AnalyzeOptions       analyze.Options
	// VisualizeHandoff is invoked with the final output path when
	// Visualize is set; the bundled viewer's web server itself is an
	// external collaborator out of scope, so the default
	// (nil) just prints a next-step hint.
	VisualizeHandoff func(outputPath string) error
}

// Result is what the orchestrator reports back to the CLI layer.
type Result struct {
	RunID      string
	Platform   string
	Mode       plugin.Mode
	OutputPath string
	SizeBytes  int64
	Duration   time.Duration
	Analysis   *analyze.Result
}

// Run drives all six lifecycle phases for one invocation. stdout
// and stderr are where the profiled child's streams (in verbose mode)
// and the orchestrator's own human-readable progress go; human is
// where "human output" is routed when it must be kept off stdout
// (JSON format with analyze active routes progress text to stderr so
// stdout stays parseable).
func Run(ctx context.Context, registry *plugin.Registry, req Request, stdout, stderr io.Writer) (*Result, error) {
	runID := uuid.NewString()
	human := stderr
	if !(req.Format == "json" && req.Analyze) {
		human = stdout
	}

	// --- Resolve plugin and mode ---
	if req.Analyze && req.Visualize {
		return nil, kinds.New(kinds.UserInput, "--analyze and --visualize are mutually exclusive", nil)
	}

	cwd := req.Cwd
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, kinds.New(kinds.Environment, "could not determine working directory", err)
		}
		cwd = wd
	}
	if req.Cwd != "" {
		prev, err := os.Getwd()
		if err != nil {
			return nil, kinds.New(kinds.Environment, "could not determine working directory", err)
		}
		if err := os.Chdir(req.Cwd); err != nil {
			return nil, kinds.New(kinds.UserInput, "could not change to --cwd "+req.Cwd, err)
		}
		defer os.Chdir(prev)
	}

	extraArgs := cliutil.NormalizeExtraProfilerArgs(req.ExtraProfilerArgs)

	var p plugin.Platform
	if req.Platform != "" {
		found, ok := registry.Get(req.Platform)
		if !ok {
			return nil, kinds.New(kinds.UserInput, "unknown platform: "+req.Platform, nil)
		}
		p = found
	} else {
		found, ok := registry.Detect(req.Argv)
		if !ok {
			return nil, plugin.ErrNoPlatformDetected(req.Argv)
		}
		p = found
	}

	mode, err := resolveMode(ctx, p, req.Argv, req.Mode)
	if err != nil {
		return nil, err
	}
	if mode == plugin.ModeHost && runtime.GOOS == "windows" {
		return nil, kinds.New(kinds.UserInput, "host mode is not supported on Windows", nil)
	}
	if mode == plugin.ModeContainer && runtime.GOOS == "darwin" && len(req.Argv) > 0 {
		if looksLikeMachO(req.Argv[0]) {
			return nil, kinds.New(kinds.UserInput, "Mach-O binaries must be profiled in host mode on macOS", nil)
		}
	}

	// --- Path validation (container only) ---
	if mode == plugin.ModeContainer {
		var unmapped []string
		for _, c := range pathmap.ClassifyArgs(cwd, req.Argv) {
			if !c.Unmapped {
				continue
			}
			if c.IsPositional {
				unmapped = append(unmapped, c.Arg)
			} else {
				fmt.Fprintf(human, "warning: %s references a path outside the project directory; it will not be visible inside the container\n", c.Arg)
			}
		}
		if len(unmapped) > 0 {
			return nil, kinds.New(kinds.PathMapping, "paths outside the project directory are not visible in container mode: "+strings.Join(unmapped, ", "), nil)
		}
	}

	// --- Output preparation ---
	output := req.Output
	if output == "" {
		output = filepath.Join(os.TempDir(), fmt.Sprintf("uniprof-%s-%s.json", time.Now().UTC().Format("20060102T150405Z"), randomHex(6)))
	}
	if info, err := os.Stat(output); err == nil {
		if info.IsDir() {
			return nil, kinds.New(kinds.UserInput, output+" is a directory, not a file", nil)
		}
		if err := os.Remove(output); err != nil {
			return nil, kinds.New(kinds.Environment, "removing existing output file", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, kinds.New(kinds.Environment, "creating output directory", err)
	}

	pctx := plugin.NewContext()
	recordOpts := plugin.RecordOptions{
		Output:               output,
		Verbose:              req.Verbose,
		ExtraProfilerArgs:    extraArgs,
		Mode:                 mode,
		Cwd:                  cwd,
		EnableHostNetworking: req.EnableHostNetworking,
		Platform:             p.Name(),
		Format:               req.Format,
	}

	// Cleanup must run exactly once, whether record succeeds or fails
	// from here on, so it is deferred before anything that can fail.
	defer cleanup(p, pctx, human)

	started := time.Now()

	// --- Execute ---
	var execErr error
	if mode == plugin.ModeContainer {
		execErr = runContainer(ctx, p, req.Argv, cwd, output, recordOpts, pctx, human)
	} else {
		execErr = runHost(ctx, p, req.Argv, output, recordOpts, pctx, human, stdout, stderr)
	}
	duration := time.Since(started)
	if execErr != nil {
		return nil, execErr
	}

	// --- Post-process ---
	if err := p.PostProcessProfile(pctx.RawArtifactPath, output, pctx); err != nil {
		return nil, wrapConversion(err)
	}
	info, err := os.Stat(output)
	if err != nil {
		return nil, kinds.New(kinds.Conversion, "expected profile was not written to "+output, err)
	}
	fmt.Fprintf(human, "profile written to %s (%s)\n", output, humanize.Bytes(uint64(info.Size())))

	result := &Result{
		RunID:      runID,
		Platform:   p.Name(),
		Mode:       mode,
		OutputPath: output,
		SizeBytes:  info.Size(),
		Duration:   duration,
	}

	switch {
	case req.Analyze:
		data, err := os.ReadFile(output)
		if err != nil {
			return result, kinds.New(kinds.Conversion, "reading canonical profile for analysis", err)
		}
		doc, err := schema.ParseAndStamp(data, p.ExporterName())
		if err != nil {
			return result, kinds.New(kinds.Conversion, "parsing canonical profile for analysis", err)
		}
		analysis, err := analyze.Analyze(doc, req.AnalyzeOptions)
		if err != nil {
			return result, err
		}
		result.Analysis = analysis
	case req.Visualize:
		if req.VisualizeHandoff != nil {
			if err := req.VisualizeHandoff(output); err != nil {
				return result, kinds.New(kinds.Execution, "launching viewer", err)
			}
		} else {
			fmt.Fprintf(human, "run `uniprof visualize %s` to open it in the bundled viewer\n", output)
		}
	default:
		fmt.Fprintf(human, "run `uniprof analyze %s` to see hotspots, or `uniprof visualize %s` to explore it interactively\n", output, output)
	}

	return result, nil
}

// resolveMode decides host vs container: explicit host/container wins,
// auto first asks the plugin, then probes for a usable container
// runtime if the plugin itself has no opinion.
func resolveMode(ctx context.Context, p plugin.Platform, argv []string, requested plugin.Mode) (plugin.Mode, error) {
	if requested == plugin.ModeHost || requested == plugin.ModeContainer {
		if requested == plugin.ModeContainer && !p.SupportsContainer() {
			return "", kinds.New(kinds.UserInput, p.Name()+" does not support container mode", nil)
		}
		return requested, nil
	}

	mode := p.GetDefaultMode(argv)
	if mode != plugin.ModeAuto {
		return mode, nil
	}
	if !p.SupportsContainer() {
		return plugin.ModeHost, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := containerrt.Probe(probeCtx); err != nil {
		return plugin.ModeHost, nil
	}
	return plugin.ModeContainer, nil
}

func looksLikeMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	switch string(magic) {
	case "\xfe\xed\xfa\xce", "\xce\xfa\xed\xfe", "\xfe\xed\xfa\xcf", "\xcf\xfa\xed\xfe", "\xca\xfe\xba\xbe", "\xbe\xba\xfe\xca":
		return true
	default:
		return false
	}
}

func randomHex(n int) string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")[:n]
}

func wrapConversion(err error) error {
	if _, ok := kinds.As(err, kinds.Conversion); ok {
		return err
	}
	return kinds.New(kinds.Conversion, "post-processing raw artifact", err)
}

func cleanup(p plugin.Platform, pctx *plugin.Context, human io.Writer) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(human, "warning: cleanup panicked: %v\n", r)
		}
	}()
	p.Cleanup(pctx)
	for _, f := range pctx.TempFiles {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(human, "warning: could not remove temp file %s: %v\n", f, err)
		}
	}
	for _, d := range pctx.TempDirs {
		if err := os.RemoveAll(d); err != nil {
			fmt.Fprintf(human, "warning: could not remove temp dir %s: %v\n", d, err)
		}
	}
}

// runContainer is the container sub-flow of execution: a UI-only SIGINT
// handler (no child-tree walking; the container runtime itself forwards
// signals to PID 1 inside the container) wraps
// RunProfilerInContainer, which pulls the image and runs the trampoline.
func runContainer(ctx context.Context, p plugin.Platform, argv []string, cwd, output string, opts plugin.RecordOptions, pctx *plugin.Context, human io.Writer) error {
	bar := newSpinner(human, "running "+p.Profiler()+" in a container...")
	defer bar.Finish()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			bar.Describe("stopping container...")
			cancel()
		case <-runCtx.Done():
		}
	}()

	mapped := pathmap.RewriteForContainer(cwd, argv)
	log.Debug().Str("platform", p.Name()).Str("image", p.GetContainerImage()).Msg("record: starting container run")
	err := p.RunProfilerInContainer(runCtx, mapped, output, opts, pctx)
	if err != nil {
		if runCtx.Err() != nil {
			return kinds.New(kinds.Cancellation, "profiling cancelled by user", err)
		}
		return classifyExecErr(err)
	}
	return nil
}

// runHost is the host sub-flow of execution, implementing the two-stage
// Ctrl+C policy: a first interrupt signals the profiled program's
// processes (see signalChildren); a second one within interruptWindow
// also sets the hard-exit flag and sends SIGINT to the profiler itself.
func runHost(ctx context.Context, p plugin.Platform, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context, human io.Writer, stdout, stderr io.Writer) error {
	execPath, _ := p.FindExecutableInPath()
	check := plugin.CachedEnvCheck(p, execPath)
	for _, w := range check.Warnings {
		fmt.Fprintf(human, "warning: %s\n", w)
	}
	if !check.Valid {
		msg := strings.Join(check.Errors, "; ")
		if len(check.SetupInstructions) > 0 {
			msg += " (try: " + strings.Join(check.SetupInstructions, "; ") + ")"
		}
		return kinds.New(kinds.Environment, msg, nil)
	}

	cmdArgv, err := p.BuildLocalProfilerCommand(argv, output, opts, pctx)
	if err != nil {
		return err
	}
	if len(cmdArgv) == 0 {
		return kinds.New(kinds.Environment, "plugin produced an empty command", nil)
	}

	sudo := p.NeedsSudo()
	bar := newSpinner(human, "profiling with "+p.Profiler()+"...")
	if sudo {
		bar.Finish()
		fmt.Fprintln(human, "this profiler requires elevated privileges; you may be prompted for your password")
		cmdArgv = append([]string{"sudo"}, cmdArgv...)
	}

	cmd := exec.CommandContext(ctx, cmdArgv[0], cmdArgv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Env = mergeEnv(os.Environ(), pctx.RuntimeEnv)

	var outBuf, errBuf bytes.Buffer
	if opts.Verbose {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	} else {
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := cmd.Start(); err != nil {
		return kinds.New(kinds.Environment, "failed to start "+p.Profiler(), err)
	}

	heartbeat, heartbeatErr := startHeartbeat(bar)
	if heartbeatErr == nil {
		defer heartbeat.Shutdown()
	}

	var hardExit atomic.Bool
	var lastInterrupt time.Time
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigCh:
				now := time.Now()
				isSecond := !lastInterrupt.IsZero() && now.Sub(lastInterrupt) <= interruptWindow
				lastInterrupt = now

				denylist := map[string]bool{filepath.Base(cmdArgv[0]): true}
				for _, n := range p.ProfilerProcessNames() {
					denylist[n] = true
				}

				if !isSecond {
					bar.Describe("stopping profiled program...")
					signalChildren(cmd.Process.Pid, denylist)
				} else {
					hardExit.Store(true)
					signalChildren(cmd.Process.Pid, denylist)
					_ = cmd.Process.Signal(syscall.SIGINT)
				}
			case <-done:
				return
			}
		}
	}()

	waitErr := cmd.Wait()
	close(done)
	bar.Finish()

	classified := classifyExitError(waitErr, hardExit.Load())
	if !opts.Verbose {
		if _, ok := kinds.As(classified, kinds.Execution); ok {
			// captured output is only surfaced
			// when the profiler failed, not on a quiet success.
			if outBuf.Len() > 0 {
				stdout.Write(outBuf.Bytes())
			}
			if errBuf.Len() > 0 {
				stderr.Write(errBuf.Bytes())
			}
		}
	}
	return classified
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, len(base), len(base)+len(extra))
	copy(out, base)
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// signalChildren delivers the first-stage interrupt: discover
// descendants of pid, apply the denylist, signal survivors, and fall
// back to the process group when discovery finds nothing.
func signalChildren(pid int, denylist map[string]bool) {
	found := proctree.DiscoverWithRetry(pid, denylist, childDiscoveryRetries, childDiscoveryInterval)
	if len(found) == 0 {
		if runtime.GOOS != "windows" {
			_ = syscall.Kill(-pid, syscall.SIGINT)
		}
		return
	}
	for _, child := range found {
		_ = syscall.Kill(child, syscall.SIGINT)
	}
}

// classifyExitError turns a host-sub-flow exit error into a
// kinds-classified error, treating an interrupt signal as expected.
func classifyExitError(err error, hardExit bool) error {
	if err == nil {
		return nil
	}
	if hardExit {
		return kinds.New(kinds.Cancellation, "profiling cancelled by user", err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code == 130 || code == 143 {
			return kinds.New(kinds.Cancellation, "profiling cancelled by user", err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal()
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				return kinds.New(kinds.Cancellation, "profiling cancelled by user", err)
			}
		}
		return kinds.New(kinds.Execution, "profiler exited with code "+strconv.Itoa(code), err)
	}
	return kinds.New(kinds.Execution, "profiler failed to run", err)
}

func classifyExecErr(err error) error {
	if _, ok := kinds.As(err, kinds.Cancellation); ok {
		return err
	}
	if _, ok := kinds.As(err, kinds.Execution); ok {
		return err
	}
	return kinds.New(kinds.Execution, "container profiler run failed", err)
}

func newSpinner(w io.Writer, message string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(message),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
}

// startHeartbeat nudges bar's spinner forward on a fixed interval so a
// long-running profiler still looks alive on slow terminals that only
// redraw on an explicit Add call.
func startHeartbeat(bar *progressbar.ProgressBar) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(500*time.Millisecond),
		gocron.NewTask(func() { _ = bar.Add(1) }),
	)
	if err != nil {
		return nil, err
	}
	sched.Start()
	return sched, nil
}
