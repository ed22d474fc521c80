// Package dotnettrace implements the .NET platform plugin around
// dotnet-trace: it emits a .nettrace artifact that dotnet-trace itself
// converts to Speedscope JSON.
package dotnettrace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/uniprof/uniprof/internal/binvalidate"
	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/plugin"
)

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "dotnet",
		ProfilerName:      "dotnet-trace",
		Exts:              []string{".dll", ".exe", ".cs"},
		Execs:             []string{"dotnet"},
		ProcessNames:      []string{"dotnet-trace"},
		ExporterNameValue: "uniprof-dotnettrace",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	if plugin.DetectByExecutableOrExtension(p.BasePlugin, argv) {
		return true
	}
	if len(argv) == 0 {
		return false
	}
	if ok, _ := binvalidate.LooksLikeDotnetLauncher(argv[0]); ok {
		return true
	}
	return binvalidate.HasDotnetSidecars(strings.TrimSuffix(argv[0], filepath.Ext(argv[0])))
}

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if _, err := exec.LookPath("dotnet-trace"); err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "dotnet-trace is not installed or not on PATH")
		check.SetupInstructions = append(check.SetupInstructions, "dotnet tool install --global dotnet-trace")
	}
	return check
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	path, err := exec.LookPath("dotnet-trace")
	if err != nil {
		return "", false
	}
	return path, true
}

func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-dotnet:latest" }

func (p *Plugin) GetContainerCacheVolumes(cacheBase, cwd string) []plugin.CacheVolume {
	return []plugin.CacheVolume{{HostPath: cacheBase + "/dotnet/nuget", ContainerPath: "/root/.nuget/packages"}}
}

// transformTarget applies command-transform rules:
// dotnet preserved, *.dll -> dotnet <file>, *.exe run directly,
// *.cs -> dotnet run <file> -- <rest>, and extensionless launchers
// left as-is (they were already accepted into detection via the
// binary heuristics).
func transformTarget(argv []string) ([]string, []string) {
	if len(argv) == 0 {
		return argv, nil
	}
	switch filepath.Ext(argv[0]) {
	case ".dll":
		return []string{"dotnet", argv[0]}, argv[1:]
	case ".cs":
		cmd := append([]string{"dotnet", "run", argv[0]}, "--")
		return cmd, argv[1:]
	default:
		return argv[:1], argv[1:]
	}
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	nettrace := output + ".nettrace"
	pctx.RegisterTempFile(nettrace)
	pctx.RawArtifactType = "nettrace"
	pctx.RawArtifactPath = nettrace

	target, rest := transformTarget(argv)
	cmd := append([]string{"dotnet-trace", "collect", "--output", nettrace, "--"}, target...)
	cmd = append(cmd, rest...)
	cmd = append(cmd, opts.ExtraProfilerArgs...)
	return cmd, nil
}

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	containerTrace := "/uniprof-output/profile.nettrace"
	target, rest := transformTarget(argv)
	profilerArgv := append([]string{"dotnet-trace", "collect", "--output", containerTrace}, opts.ExtraProfilerArgs...)

	return plugin.RunContainerTrampoline(ctx, plugin.ContainerRunSpec{
		Image:        p.GetContainerImage(),
		ProfilerArgv: profilerArgv,
		AppArgv:      append(target, rest...),
		NetworkHost:  opts.EnableHostNetworking,
		Mounts: []containerrt.Mount{
			{HostPath: opts.Cwd, ContainerPath: "/workspace"},
			{HostPath: filepath.Dir(output), ContainerPath: "/uniprof-output"},
		},
	}, "nettrace", filepath.Join(filepath.Dir(output), "profile.nettrace"), pctx, os.Stdout, os.Stderr)
}

// PostProcessProfile shells out to `dotnet-trace convert`, the tool's
// own Speedscope exporter, rather than re-parsing the binary nettrace
// format ourselves.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	cmd := exec.Command("dotnet-trace", "convert", "--format", "Speedscope", "--output", finalOutputPath, rawOutputPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return kinds.New(kinds.Conversion, "dotnet-trace convert failed: "+string(out), err)
	}
	return plugin.CopyAndStampExporter(finalOutputPath, finalOutputPath, p.ExporterName())
}
