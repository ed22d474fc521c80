// Package zerox implements the Node.js platform plugin around the `0x`
// profiler, which writes a ticks.json artifact under a generated
// directory that post-processing converts via internal/convert/v8ticks
//.
package zerox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/convert/v8ticks"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/schema"
)

const containerOutputDir = "/uniprof-output"

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "nodejs",
		ProfilerName:      "0x",
		Exts:              []string{".js", ".mjs", ".cjs"},
		Execs:             []string{"node", "npm", "npx", "yarn", "pnpm"},
		ProcessNames:      []string{"0x", "node"},
		ExporterNameValue: "uniprof-0x",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	if plugin.DetectByExecutableOrExtension(p.BasePlugin, argv) {
		return true
	}
	return len(argv) >= 2 && filepath.Base(argv[0]) == "npm" && argv[1] == "start"
}

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if _, err := exec.LookPath("0x"); err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "0x is not installed or not on PATH")
		check.SetupInstructions = append(check.SetupInstructions, "npm install -g 0x")
	}
	return check
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	path, err := exec.LookPath("0x")
	if err != nil {
		return "", false
	}
	return path, true
}

func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-nodejs:latest" }

func (p *Plugin) GetContainerCacheVolumes(cacheBase, cwd string) []plugin.CacheVolume {
	return []plugin.CacheVolume{{HostPath: cacheBase + "/nodejs/npm", ContainerPath: "/root/.npm"}}
}

// stripOutputDirFlag removes a user-supplied "-o"/"--output-dir" from
// extra args: 0x's sampling rate is not user-configurable, but its
// output directory is, and uniprof owns that decision instead.
func stripOutputDirFlag(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if args[i] == "-o" || args[i] == "--output-dir" {
			i++ // skip its value too
			continue
		}
		out = append(out, args[i])
	}
	return out
}

func (p *Plugin) buildArgv(outDir string, opts plugin.RecordOptions, argv []string) []string {
	cmd := []string{"0x", "--output-dir", outDir}
	cmd = append(cmd, stripOutputDirFlag(opts.ExtraProfilerArgs)...)
	cmd = append(cmd, "--")
	cmd = append(cmd, argv...)
	return cmd
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	outDir := output + ".0x"
	pctx.RegisterTempDir(outDir)
	pctx.RawArtifactType = "ticks"
	pctx.RawArtifactPath = filepath.Join(outDir, "ticks.json")
	return p.buildArgv(outDir, opts, argv), nil
}

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	containerOutDir := containerOutputDir + "/0x-out"
	profilerArgv := p.buildArgv(containerOutDir, opts, nil)
	profilerArgv = profilerArgv[:len(profilerArgv)-1] // drop the trailing "--" built for the host form

	return plugin.RunContainerTrampoline(ctx, plugin.ContainerRunSpec{
		Image:        p.GetContainerImage(),
		ProfilerArgv: profilerArgv,
		AppArgv:      argv,
		NetworkHost:  opts.EnableHostNetworking,
		Mounts: []containerrt.Mount{
			{HostPath: opts.Cwd, ContainerPath: "/workspace"},
			{HostPath: filepath.Dir(output), ContainerPath: containerOutputDir},
		},
	}, "ticks", filepath.Join(filepath.Dir(output), "0x-out", "ticks.json"), pctx, os.Stdout, os.Stderr)
}

// PostProcessProfile converts the ticks.json the profiler wrote into
// canonical JSON.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	data, err := os.ReadFile(rawOutputPath)
	if err != nil {
		return kinds.New(kinds.Conversion, fmt.Sprintf("reading %s", rawOutputPath), err)
	}
	doc, err := v8ticks.Convert(data, p.ExporterName(), filepath.Base(finalOutputPath))
	if err != nil {
		return kinds.New(kinds.Conversion, "converting 0x ticks.json", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalOutputPath), 0o755); err != nil {
		return kinds.New(kinds.Conversion, "creating output directory", err)
	}
	f, err := os.Create(finalOutputPath)
	if err != nil {
		return kinds.New(kinds.Conversion, "writing canonical profile", err)
	}
	defer f.Close()
	return schema.Encode(f, doc)
}
