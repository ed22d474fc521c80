// Package xctrace implements the macOS Instruments platform plugin:
// host-only, records to a .trace directory, and post-processes via
// `xctrace export` + the Instruments XML parser.
package xctrace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/uniprof/uniprof/internal/binvalidate"
	"github.com/uniprof/uniprof/internal/convert/instruments"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/schema"
)

const timeProfileXpath = `/trace-toc[1]/run[1]/data[1]/table[@schema="time-profile"]`

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "xctrace",
		ProfilerName:      "Instruments",
		Exts:              []string{".app"},
		ProcessNames:      []string{"xctrace", "Instruments"},
		ExporterNameValue: "uniprof-xctrace",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	return strings.HasSuffix(argv[0], ".app")
}

// SupportsContainer: xctrace is fundamentally host-locked.
func (p *Plugin) SupportsContainer() bool { return false }

func (p *Plugin) GetDefaultMode(argv []string) plugin.Mode { return plugin.ModeHost }

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if runtime.GOOS != "darwin" {
		check.Valid = false
		check.Errors = append(check.Errors, "Instruments profiling requires macOS")
		return check
	}
	if _, err := exec.LookPath("xctrace"); err != nil {
		check.Valid = false
		check.Errors = append(check.Errors, "xctrace is not installed (install Xcode command line tools)")
	}
	return check
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	path, err := exec.LookPath("xctrace")
	if err != nil {
		return "", false
	}
	return path, true
}

// GetContainerImage exists to satisfy plugin.Platform; xctrace never
// supports container mode (SupportsContainer returns false above) so
// this is never actually consulted.
func (p *Plugin) GetContainerImage() string { return "" }

// resolveBundleExecutable reads CFBundleExecutable from the .app's
// Info.plist via PlistBuddy and validates the resulting binary exists
// and is executable.
func resolveBundleExecutable(appPath string) (string, error) {
	plistPath := filepath.Join(appPath, "Contents", "Info.plist")
	out, err := exec.Command("/usr/libexec/PlistBuddy", "-c", "Print :CFBundleExecutable", plistPath).Output()
	if err != nil {
		return "", kinds.New(kinds.UserInput, "could not read CFBundleExecutable from "+plistPath, err)
	}
	name := strings.TrimSpace(string(out))
	execPath := filepath.Join(appPath, "Contents", "MacOS", name)
	if !binvalidate.IsExecutableFile(execPath) {
		return "", kinds.New(kinds.UserInput, execPath+" is not an executable file", nil)
	}
	return execPath, nil
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	if len(argv) == 0 {
		return nil, kinds.New(kinds.UserInput, "no .app bundle given", nil)
	}
	if _, err := resolveBundleExecutable(argv[0]); err != nil {
		return nil, err
	}

	tracePath := output + ".trace"
	pctx.RegisterTempDir(tracePath)
	pctx.RawArtifactType = "instruments-trace"
	pctx.RawArtifactPath = tracePath

	cmd := []string{"xctrace", "record", "--template", "Time Profiler", "--output", tracePath, "--launch", "--"}
	cmd = append(cmd, argv...)
	cmd = append(cmd, opts.ExtraProfilerArgs...)
	return cmd, nil
}

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	return kinds.New(kinds.Environment, "Instruments profiling does not support container mode", nil)
}

// PostProcessProfile exports the time-profile table as XML and parses
// it with the id/ref-aware Instruments converter.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	xmlPath := rawOutputPath + ".xml"
	out, err := exec.Command("xctrace", "export", "--input", rawOutputPath, "--xpath", timeProfileXpath).Output()
	if err != nil {
		return kinds.New(kinds.Conversion, "xctrace export failed", err)
	}
	if err := os.WriteFile(xmlPath, out, 0o644); err != nil {
		return kinds.New(kinds.Conversion, "writing xctrace export", err)
	}

	f, err := os.Open(xmlPath)
	if err != nil {
		return kinds.New(kinds.Conversion, "opening xctrace export", err)
	}
	defer f.Close()

	doc, err := instruments.Convert(f, p.ExporterName(), filepath.Base(finalOutputPath))
	if err != nil {
		return kinds.New(kinds.Conversion, "converting Instruments export", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalOutputPath), 0o755); err != nil {
		return kinds.New(kinds.Conversion, "creating output directory", err)
	}
	w, err := os.Create(finalOutputPath)
	if err != nil {
		return kinds.New(kinds.Conversion, "writing canonical profile", err)
	}
	defer w.Close()
	return schema.Encode(w, doc)
}
