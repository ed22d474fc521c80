// Package beam implements the Erlang/Elixir platform plugin: it
// composes an internal perf.Config tuned for JIT symbol resolution
// rather than subclassing the native plugin.
package beam

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/uniprof/uniprof/internal/convert/perfscript"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/plugin/perf"
	"github.com/uniprof/uniprof/internal/schema"
)

var perfConfig = perf.Config{
	CallGraph:                "fp",
	HasJIT:                   true,
	TreatExecutableAsCommand: true,
	ExtraEnv:                 map[string]string{"ERL_FLAGS": "+JPperf true"},
}

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "beam",
		ProfilerName:      "perf",
		Exts:              []string{".escript"},
		Execs:             []string{"elixir", "erl", "escript", "mix", "iex"},
		ProcessNames:      []string{"beam.smp", "perf"},
		ExporterNameValue: "uniprof-beam",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	return plugin.DetectByExecutableOrExtension(p.BasePlugin, argv)
}

// SupportsContainer reports true only on Linux; profiling itself is
// host-only (GetDefaultMode returns host, and RunProfilerInContainer
// returns an error).
func (p *Plugin) SupportsContainer() bool { return runtime.GOOS == "linux" }

func (p *Plugin) GetDefaultMode(argv []string) plugin.Mode { return plugin.ModeHost }

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if runtime.GOOS != "linux" {
		check.Valid = false
		check.Errors = append(check.Errors, "BEAM profiling via perf requires a Linux host")
		return check
	}
	if _, err := exec.LookPath("perf"); err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "perf is not installed or not on PATH")
	}
	return check
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	path, err := exec.LookPath("perf")
	if err != nil {
		return "", false
	}
	return path, true
}

// GetContainerImage exists to satisfy plugin.Platform; BEAM profiling
// is host-only and RunProfilerInContainer below returns an error
// without pulling any image, but the method must still be present.
func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-beam:latest" }

func (p *Plugin) NeedsSudo() bool { return perf.NeedsSudo() }

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	perfConfig.ApplyExtraEnv(pctx.RuntimeEnv)

	dataPath := output + ".perf.data"
	pctx.RegisterTempFile(dataPath)
	pctx.Notes["perfDataPath"] = dataPath

	// treatExecutableAsCommand: elixir/erl/escript/mix run directly on
	// the host, never copied into a workspace like a bare binary would
	// be.
	cmd := perfConfig.BuildRecordArgv(dataPath, false, argv)
	cmd = append(cmd, opts.ExtraProfilerArgs...)

	scriptPath := output + ".perfscript"
	pctx.RegisterTempFile(scriptPath)
	pctx.RawArtifactType = "perfscript"
	pctx.RawArtifactPath = scriptPath
	return cmd, nil
}

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	return kinds.New(kinds.Environment, "BEAM profiling is host-only", nil)
}

// PostProcessProfile injects JIT symbols before running perf script,
// so BEAM-compiled frames resolve to function names.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	dataPath, _ := pctx.Notes["perfDataPath"].(string)
	if dataPath == "" {
		return kinds.New(kinds.Conversion, "no perf data path recorded on context", nil)
	}
	injected, err := perf.InjectJIT(dataPath)
	if err != nil {
		return err
	}
	if err := perf.Script(injected, rawOutputPath); err != nil {
		return err
	}

	f, err := os.Open(rawOutputPath)
	if err != nil {
		return kinds.New(kinds.Conversion, "opening perf script output", err)
	}
	defer f.Close()

	doc, err := perfscript.Convert(f, pctx.SamplingHz, p.ExporterName(), filepath.Base(finalOutputPath))
	if err != nil {
		return kinds.New(kinds.Conversion, "converting perf script output", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalOutputPath), 0o755); err != nil {
		return kinds.New(kinds.Conversion, "creating output directory", err)
	}
	out, err := os.Create(finalOutputPath)
	if err != nil {
		return kinds.New(kinds.Conversion, "writing canonical profile", err)
	}
	defer out.Close()
	return schema.Encode(out, doc)
}
