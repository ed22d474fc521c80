// Package nativeperf is the fallback "native" plugin:
// ELF/Mach-O binaries with no more specific match, profiled with Linux
// perf via internal/plugin/perf.
package nativeperf

import (
	"context"
	"debug/elf"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/uniprof/uniprof/internal/binvalidate"
	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/convert/perfscript"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/plugin/perf"
	"github.com/uniprof/uniprof/internal/schema"
)

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "native",
		ProfilerName:      "perf",
		ProcessNames:      []string{"perf"},
		ExporterNameValue: "uniprof-native",
	}}
}

// DetectCommand implements the fallback's own rule:
// raw ELF/Mach-O magic, tried only after every other plugin declines.
func (p *Plugin) DetectCommand(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	format, err := binvalidate.DetectFormat(argv[0])
	if err != nil {
		return false
	}
	return format == binvalidate.FormatELF || format == binvalidate.FormatMachO || format == binvalidate.FormatMachOFat
}

// SupportsContainer: Mach-O binaries can only be profiled on a macOS
// host; ELF binaries work in containers.
func (p *Plugin) SupportsContainer() bool { return true }

func (p *Plugin) GetDefaultMode(argv []string) plugin.Mode {
	if len(argv) == 0 {
		return plugin.ModeAuto
	}
	if format, err := binvalidate.DetectFormat(argv[0]); err == nil && format != binvalidate.FormatELF {
		return plugin.ModeHost
	}
	return plugin.ModeAuto
}

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if runtime.GOOS != "linux" {
		check.Valid = false
		check.Errors = append(check.Errors, "native perf profiling requires Linux")
		return check
	}
	if _, err := exec.LookPath("perf"); err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "perf is not installed or not on PATH")
		check.SetupInstructions = append(check.SetupInstructions, "apt install linux-perf  # or your distro's perf package")
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

func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-native:latest" }

func (p *Plugin) NeedsSudo() bool { return perf.NeedsSudo() }

func hasDwarfInfo(path string) bool {
	f, err := elf.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	return f.Section(".debug_info") != nil
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	if len(argv) == 0 {
		return nil, kinds.New(kinds.UserInput, "no target binary given", nil)
	}
	target, err := perf.EnsureWorkspaceCopy(opts.Cwd, argv[0])
	if err != nil {
		return nil, err
	}
	if err := perf.RegisterBuildID(target); err != nil {
		return nil, err
	}

	dataPath := output + ".perf.data"
	pctx.RegisterTempFile(dataPath)
	pctx.Notes["perfDataPath"] = dataPath
	pctx.Notes["perfTargetBinary"] = target

	cfg := perf.Config{}
	rest := append([]string{target}, argv[1:]...)
	cmd := cfg.BuildRecordArgv(dataPath, hasDwarfInfo(target), rest)
	cmd = append(cmd, opts.ExtraProfilerArgs...)

	scriptPath := output + ".perfscript"
	pctx.RegisterTempFile(scriptPath)
	pctx.RawArtifactType = "perfscript"
	pctx.RawArtifactPath = scriptPath
	pctx.Notes["perfScriptPath"] = scriptPath
	return cmd, nil
}

const containerOutputDir = "/uniprof-output"

// RunProfilerInContainer runs `perf record` inside the container (which
// carries the SYS_ADMIN capability a sandboxed host may refuse to
// grant), writing profile.perf.data into the mounted output directory.
// `perf script` itself still runs afterward on the host against that
// now-visible data file, same as the host sub-flow, since symbolizing
// a perf.data file needs the same perf build that recorded it and the
// image's perf build is unlikely to match the host's symbol layout
// for host binaries bind-mounted into /workspace.
func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	if len(argv) == 0 {
		return kinds.New(kinds.UserInput, "no target binary given", nil)
	}

	containerData := containerOutputDir + "/profile.perf.data"
	cfg := perf.Config{SamplingHz: 0}
	profilerArgv := cfg.BuildRecordArgv(containerData, true, nil)
	profilerArgv = append(profilerArgv, opts.ExtraProfilerArgs...)

	dataPath := filepath.Join(filepath.Dir(output), "profile.perf.data")
	pctx.RegisterTempFile(dataPath)
	pctx.Notes["perfDataPath"] = dataPath

	err := plugin.RunContainerTrampoline(ctx, plugin.ContainerRunSpec{
		Image:        p.GetContainerImage(),
		ProfilerArgv: profilerArgv,
		AppArgv:      argv,
		Capabilities: []string{"SYS_ADMIN", "SYS_PTRACE"},
		NetworkHost:  opts.EnableHostNetworking,
		Mounts: []containerrt.Mount{
			{HostPath: opts.Cwd, ContainerPath: "/workspace"},
			{HostPath: filepath.Dir(output), ContainerPath: containerOutputDir},
		},
	}, "perfdata", dataPath, pctx, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}

	if _, lookErr := exec.LookPath("perf"); lookErr != nil {
		return kinds.New(kinds.Environment, "profile.perf.data was recorded in the container, but `perf script` needs perf installed on the host to symbolize it", lookErr)
	}
	scriptPath := output + ".perfscript"
	pctx.RegisterTempFile(scriptPath)
	pctx.RawArtifactType = "perfscript"
	pctx.RawArtifactPath = scriptPath
	return nil
}

// PostProcessProfile runs `perf script` against the recorded data file
// to produce the textual artifact, then the perfscript converter.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	dataPath, _ := pctx.Notes["perfDataPath"].(string)
	if dataPath == "" {
		return kinds.New(kinds.Conversion, "no perf data path recorded on context", nil)
	}
	if err := perf.Script(dataPath, rawOutputPath); err != nil {
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
