// Package rbspy implements the Ruby platform plugin: rbspy's record
// mode, like py-spy, emits canonical Speedscope JSON directly, so
// post-processing is a copy rather than a conversion.
package rbspy

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
const containerOutputDir = "/uniprof-output"

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "ruby",
		ProfilerName:      "rbspy",
		Exts:              []string{".rb"},
		Execs:             []string{"ruby"},
		ProcessNames:      []string{"rbspy"},
		ExporterNameValue: "uniprof-rbspy",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	if plugin.DetectByExecutableOrExtension(p.BasePlugin, argv) {
		return true
	}
	return len(argv) > 0 && filepath.Base(argv[0]) == "bundle" && len(argv) > 1 && argv[1] == "exec"
}

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if _, err := exec.LookPath("rbspy"); err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "rbspy is not installed or not on PATH")
		check.SetupInstructions = append(check.SetupInstructions, "cargo install rbspy  # or: brew install rbspy")
	}
	return check
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	path, err := exec.LookPath("rbspy")
	if err != nil {
		return "", false
	}
	return path, true
}

func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-ruby:latest" }

func (p *Plugin) GetContainerCacheVolumes(cacheBase, cwd string) []plugin.CacheVolume {
	return []plugin.CacheVolume{{HostPath: cacheBase + "/ruby/gems", ContainerPath: "/usr/local/bundle"}}
}

// NeedsSudo: rbspy uses ptrace like py-spy and needs the same
// privilege escalation on Linux/macOS hosts.
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

func (p *Plugin) buildArgv(output string, opts plugin.RecordOptions, argv []string) []string {
	rateSet := false
	for _, a := range opts.ExtraProfilerArgs {
		if a == "--rate" {
			rateSet = true
		}
	}
	cmd := []string{"rbspy", "record", "--format", "speedscope", "--file", output}
	if !rateSet {
		cmd = append(cmd, "--rate", fmt.Sprintf("%d", defaultRateHz))
	}
	cmd = append(cmd, opts.ExtraProfilerArgs...)
	cmd = append(cmd, "--")
	cmd = append(cmd, argv...)
	return cmd
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	pctx.RawArtifactType = "speedscope"
	pctx.RawArtifactPath = output
	return p.buildArgv(output, opts, argv), nil
}

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	containerOutput := containerOutputDir + "/" + filepath.Base(output)
	profilerArgv := p.buildArgv(containerOutput, opts, nil)
	profilerArgv = profilerArgv[:len(profilerArgv)-1] // drop the "--" this helper appended for the host form

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

func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	return plugin.CopyAndStampExporter(rawOutputPath, finalOutputPath, p.ExporterName())
}
