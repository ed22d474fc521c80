// Package pyspy implements the Python platform plugin: py-spy writes
// canonical Speedscope JSON directly, so post-processing is a copy
// rather than a conversion.
package pyspy

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/plugin"
)

const defaultRateHz = 999

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "python",
		ProfilerName:      "py-spy",
		Exts:              []string{".py"},
		Execs:             []string{"python", "python3"},
		ProcessNames:      []string{"py-spy"},
		ExporterNameValue: "uniprof-pyspy",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	return plugin.DetectByExecutableOrExtension(p.BasePlugin, argv)
}

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if _, err := exec.LookPath("py-spy"); err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "py-spy is not installed or not on PATH")
		check.SetupInstructions = append(check.SetupInstructions, "pip install py-spy")
	}
	return check
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	path, err := exec.LookPath("py-spy")
	if err != nil {
		return "", false
	}
	return path, true
}

func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-python:latest" }

func (p *Plugin) GetContainerCacheVolumes(cacheBase, cwd string) []plugin.CacheVolume {
	return []plugin.CacheVolume{{HostPath: cacheBase + "/python/pip", ContainerPath: "/root/.cache/pip"}}
}

// NeedsSudo is required on macOS always, and on Linux only when ptrace
// is restricted.
func (p *Plugin) NeedsSudo() bool {
	switch runtime.GOOS {
	case "darwin":
		return true
	case "linux":
		data, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
		if err != nil {
			return false
		}
		return strings.TrimSpace(string(data)) != "0"
	default:
		return false
	}
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	rateSet := false
	for _, a := range opts.ExtraProfilerArgs {
		if a == "--rate" || a == "-r" {
			rateSet = true
		}
	}
	cmd := []string{"py-spy", "record", "--format", "speedscope", "--subprocesses", "-o", output}
	if !rateSet {
		cmd = append(cmd, "--rate", fmt.Sprintf("%d", defaultRateHz))
	}
	cmd = append(cmd, opts.ExtraProfilerArgs...)
	cmd = append(cmd, "--")
	cmd = append(cmd, argv...)
	pctx.RawArtifactType = "speedscope"
	pctx.RawArtifactPath = output
	return cmd, nil
}

const containerOutputDir = "/uniprof-output"

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	containerOutput := containerOutputDir + "/" + filepath.Base(output)
	rateSet := false
	for _, a := range opts.ExtraProfilerArgs {
		if a == "--rate" || a == "-r" {
			rateSet = true
		}
	}
	profilerArgv := []string{"py-spy", "record", "--format", "speedscope", "--subprocesses", "-o", containerOutput}
	if !rateSet {
		profilerArgv = append(profilerArgv, "--rate", fmt.Sprintf("%d", defaultRateHz))
	}
	profilerArgv = append(profilerArgv, opts.ExtraProfilerArgs...)

	return plugin.RunContainerTrampoline(ctx, plugin.ContainerRunSpec{
		Image:        p.GetContainerImage(),
		ProfilerArgv: profilerArgv,
		AppArgv:      argv,
		Capabilities: []string{"SYS_PTRACE"},
		NetworkHost:  opts.EnableHostNetworking,
		Mounts: []containerrt.Mount{
			{HostPath: opts.Cwd, ContainerPath: "/workspace"},
			{HostPath: filepath.Dir(output), ContainerPath: containerOutputDir},
		},
	}, "speedscope", output, pctx, os.Stdout, os.Stderr)
}

// PostProcessProfile is a straight copy: py-spy's speedscope output is
// already canonical JSON, so this only needs to relocate the file and
// stamp the exporter.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	return plugin.CopyAndStampExporter(rawOutputPath, finalOutputPath, p.ExporterName())
}
