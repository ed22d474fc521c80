// Package excimer implements the PHP platform plugin. Excimer is a
// PHP extension, not a standalone profiler binary: the plugin injects
// a generated bootstrap PHP file via auto_prepend_file and a drop-in
// php.ini directory, rather than wrapping an external command.
package excimer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/plugin"
)

const defaultPeriodSeconds = 1.0 / 999.0 // ~0.001001001s, 
type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "php",
		ProfilerName:      "Excimer",
		Exts:              []string{".php"},
		Execs:             []string{"php", "composer"},
		ProcessNames:      []string{},
		ExporterNameValue: "uniprof-excimer",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	return plugin.DetectByExecutableOrExtension(p.BasePlugin, argv)
}

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	out, err := exec.Command("php", "-m").CombinedOutput()
	if err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "could not invoke php to check for the excimer extension")
		return check
	}
	if !containsLine(string(out), "excimer") {
		check.Valid = false
		check.Errors = append(check.Errors, "the excimer PHP extension is not loaded")
		check.SetupInstructions = append(check.SetupInstructions, "pecl install excimer  # then add extension=excimer.so to php.ini")
	}
	return check
}

func containsLine(haystack, line string) bool {
	for _, l := range splitLines(haystack) {
		if l == line {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			line := s[start:i]
			if len(line) > 0 && line[len(line)-1] == '\r' {
				line = line[:len(line)-1]
			}
			lines = append(lines, line)
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	path, err := exec.LookPath("php")
	if err != nil {
		return "", false
	}
	return path, true
}

func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-php:latest" }

func (p *Plugin) GetContainerCacheVolumes(cacheBase, cwd string) []plugin.CacheVolume {
	return []plugin.CacheVolume{{HostPath: cacheBase + "/php/composer", ContainerPath: "/root/.composer/cache"}}
}

// periodFromExtraArgs reads a "--period <seconds>" override out of
// extraProfilerArgs, which is otherwise untouched — argv itself (php,
// composer, and their own arguments) is never rewritten.
func periodFromExtraArgs(extra []string) (float64, []string) {
	period := defaultPeriodSeconds
	rest := make([]string, 0, len(extra))
	for i := 0; i < len(extra); i++ {
		if extra[i] == "--period" && i+1 < len(extra) {
			if v, err := strconv.ParseFloat(extra[i+1], 64); err == nil {
				period = v
			}
			i++
			continue
		}
		rest = append(rest, extra[i])
	}
	return period, rest
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	period, _ := periodFromExtraArgs(opts.ExtraProfilerArgs)

	iniDir, err := os.MkdirTemp("", "uniprof-excimer-ini-")
	if err != nil {
		return nil, kinds.New(kinds.Environment, "creating excimer ini drop-in dir", err)
	}
	pctx.RegisterTempDir(iniDir)

	rawPath := output + ".collapsed"
	pctx.RegisterTempFile(rawPath)
	bootstrapPath := filepath.Join(iniDir, "uniprof-excimer-bootstrap.php")
	if err := os.WriteFile(bootstrapPath, []byte(bootstrapScriptQ(period, rawPath)), 0o644); err != nil {
		return nil, kinds.New(kinds.Environment, "writing excimer bootstrap", err)
	}
	iniContents := fmt.Sprintf("auto_prepend_file=%s\n", bootstrapPath)
	if err := os.WriteFile(filepath.Join(iniDir, "99-uniprof-excimer.ini"), []byte(iniContents), 0o644); err != nil {
		return nil, kinds.New(kinds.Environment, "writing excimer ini", err)
	}

	existing := os.Getenv("PHP_INI_SCAN_DIR")
	if existing != "" {
		pctx.RuntimeEnv["PHP_INI_SCAN_DIR"] = existing + string(os.PathListSeparator) + iniDir
	} else {
		pctx.RuntimeEnv["PHP_INI_SCAN_DIR"] = iniDir
	}

	pctx.RawArtifactType = "collapsed"
	pctx.RawArtifactPath = rawPath
	return argv, nil
}

// bootstrapScriptQ renders the bootstrap with outputPath safely quoted
// as a PHP string literal.
func bootstrapScriptQ(period float64, outputPath string) string {
	quoted := phpQuote(outputPath)
	return fmt.Sprintf(`<?php
$uniprof_profiler = new ExcimerProfiler();
$uniprof_profiler->setPeriod(%f);
$uniprof_profiler->setEventType(EXCIMER_REAL);
$uniprof_profiler->start();
register_shutdown_function(function () use ($uniprof_profiler) {
    $uniprof_profiler->stop();
    file_put_contents(%s, $uniprof_profiler->getLog()->formatCollapsed());
});
`, period, quoted)
}

func phpQuote(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '\'')
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	out = append(out, '\'')
	return string(out)
}

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	period, _ := periodFromExtraArgs(opts.ExtraProfilerArgs)
	containerOutput := "/uniprof-output/profile.collapsed"

	return plugin.RunContainerTrampoline(ctx, plugin.ContainerRunSpec{
		Image:        p.GetContainerImage(),
		ProfilerArgv: []string{"env", fmt.Sprintf("UNIPROF_EXCIMER_PERIOD=%f", period), fmt.Sprintf("UNIPROF_EXCIMER_OUTPUT=%s", containerOutput)},
		AppArgv:      argv,
		NetworkHost:  opts.EnableHostNetworking,
		Mounts: []containerrt.Mount{
			{HostPath: opts.Cwd, ContainerPath: "/workspace"},
			{HostPath: filepath.Dir(output), ContainerPath: "/uniprof-output"},
		},
	}, "collapsed", filepath.Join(filepath.Dir(output), "profile.collapsed"), pctx, os.Stdout, os.Stderr)
}

// PostProcessProfile converts the collapsed-stack artifact Excimer's
// shutdown handler wrote into canonical JSON.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	return plugin.ConvertFoldedArtifact(rawOutputPath, finalOutputPath, p.ExporterName(), false)
}
