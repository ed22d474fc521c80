// Package plugin defines the platform plugin contract and the registry
// that detects which plugin owns a given invocation: a small interface
// implemented by every backend, and a process-wide registry that
// dispatches to the first implementation that claims an invocation.
package plugin

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/convert/folded"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/schema"
	"github.com/uniprof/uniprof/internal/trampoline"
)

// Mode is the resolved execution mode for a record invocation.
type Mode string

const (
	ModeHost      Mode = "host"
	ModeContainer Mode = "container"
	ModeAuto      Mode = "auto"
)

// EnvCheck is the result of checkLocalEnvironment.
type EnvCheck struct {
	Valid             bool
	Errors            []string
	Warnings          []string
	SetupInstructions []string
}

// CacheVolume is one (hostPath, containerPath) dependency-cache mount.
type CacheVolume struct {
	HostPath      string
	ContainerPath string
}

// RecordOptions mirrors RecordOptions record.
type RecordOptions struct {
	Output                string
	Verbose               bool
	ExtraProfilerArgs     []string
	Mode                  Mode
	Cwd                   string
	EnableHostNetworking  bool
	Platform              string
	Format                string // "pretty" | "json"
}

// Context is the per-run mutable record passed through the plugin
// lifecycle.
type Context struct {
	RawArtifactType string
	RawArtifactPath string
	SamplingHz      float64
	RuntimeEnv      map[string]string
	TempFiles       []string
	TempDirs        []string
	Notes           map[string]any
}

func NewContext() *Context {
	return &Context{RuntimeEnv: map[string]string{}, Notes: map[string]any{}}
}

func (c *Context) RegisterTempFile(path string) { c.TempFiles = append(c.TempFiles, path) }
func (c *Context) RegisterTempDir(path string)  { c.TempDirs = append(c.TempDirs, path) }

// Platform is the capability interface every profiler backend
// implements. A plugin need not implement every optional method;
// BasePlugin supplies zero-value defaults so concrete plugins only
// override what they need, an embed-a-base-and-override-selectively
// shape.
type Platform interface {
	Name() string
	Profiler() string
	Extensions() []string
	Executables() []string
	DetectCommand(argv []string) bool
	ExporterName() string
	ProfilerProcessNames() []string

	CheckLocalEnvironment(executablePath string) EnvCheck
	FindExecutableInPath() (string, bool)

	SupportsContainer() bool
	GetDefaultMode(argv []string) Mode
	GetContainerImage() string
	GetContainerCacheVolumes(cacheBase, cwd string) []CacheVolume
	RunProfilerInContainer(ctx context.Context, argv []string, output string, opts RecordOptions, pctx *Context) error
	BuildLocalProfilerCommand(argv []string, output string, opts RecordOptions, pctx *Context) ([]string, error)
	NeedsSudo() bool

	PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *Context) error
	Cleanup(pctx *Context)
}

// BasePlugin supplies safe zero-value defaults for every optional
// Platform method, so a concrete plugin only needs to override the
// ones it actually implements.
type BasePlugin struct {
	PluginName        string
	ProfilerName      string
	Exts              []string
	Execs             []string
	ProcessNames      []string
	ExporterNameValue string
}

func (b BasePlugin) Name() string                    { return b.PluginName }
func (b BasePlugin) Profiler() string                { return b.ProfilerName }
func (b BasePlugin) Extensions() []string             { return b.Exts }
func (b BasePlugin) Executables() []string            { return b.Execs }
func (b BasePlugin) ExporterName() string             { return b.ExporterNameValue }
func (b BasePlugin) ProfilerProcessNames() []string   { return b.ProcessNames }
func (b BasePlugin) SupportsContainer() bool          { return true }
func (b BasePlugin) GetDefaultMode([]string) Mode     { return ModeAuto }
func (b BasePlugin) GetContainerCacheVolumes(_, _ string) []CacheVolume { return nil }
func (b BasePlugin) NeedsSudo() bool                  { return false }
func (b BasePlugin) Cleanup(*Context)                 {}

// DetectByExecutableOrExtension implements the "standard policy" of
// : true if basename(argv[0]) is in executables, or its
// extension is in extensions.
func DetectByExecutableOrExtension(b BasePlugin, argv []string) bool {
	if len(argv) == 0 {
		return false
	}
	base := filepath.Base(argv[0])
	for _, exe := range b.Execs {
		if base == exe {
			return true
		}
	}
	ext := filepath.Ext(argv[0])
	for _, e := range b.Exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Registry is the process-wide, construct-once mapping from plugin
// name to plugin value, with a distinguished fallback
// entry tried only after every other plugin has declined.
type Registry struct {
	order    []string
	byName   map[string]Platform
	fallback Platform
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Platform)}
}

// Register adds p in insertion order. Passing the name reserved for
// the native fallback plugin makes it the registry's fallback instead
// of a normal detection candidate.
func (r *Registry) Register(p Platform) {
	r.byName[p.Name()] = p
	if p.Name() == "native" {
		r.fallback = p
		return
	}
	r.order = append(r.order, p.Name())
}

func (r *Registry) Get(name string) (Platform, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// All returns every registered plugin, fallback included, in
// registration order with the fallback last; used by `bootstrap` to
// iterate every platform when none is named explicitly.
func (r *Registry) All() []Platform {
	all := make([]Platform, 0, len(r.order)+1)
	for _, name := range r.order {
		all = append(all, r.byName[name])
	}
	if r.fallback != nil {
		all = append(all, r.fallback)
	}
	return all
}

// Detect iterates non-fallback plugins in registration order, first
// match wins; falls back to native; ok=false signals the caller should
// prompt for --platform.
func (r *Registry) Detect(argv []string) (Platform, bool) {
	for _, name := range r.order {
		p := r.byName[name]
		if p.DetectCommand(argv) {
			return p, true
		}
	}
	if r.fallback != nil && r.fallback.DetectCommand(argv) {
		return r.fallback, true
	}
	return nil, false
}

// DetectFromProfile is the second detection path: matching the
// exporter field of an existing canonical profile instead of argv.
func (r *Registry) DetectFromProfile(doc *schema.Document) (Platform, bool) {
	for _, name := range r.order {
		p := r.byName[name]
		if p.ExporterName() == doc.Exporter {
			return p, true
		}
	}
	if r.fallback != nil && r.fallback.ExporterName() == doc.Exporter {
		return r.fallback, true
	}
	return nil, false
}

// ErrNoPlatformDetected is returned by callers (not the registry
// itself, which just reports ok=false) when detection exhausts every
// plugin; kept here since it is the plugin package's contract.
func ErrNoPlatformDetected(argv []string) *kinds.Error {
	hint := "specify one explicitly with --platform"
	if len(argv) > 0 {
		hint = "could not detect a profiler for " + argv[0] + "; " + hint
	}
	return kinds.New(kinds.UserInput, hint, nil)
}

// CopyAndStampExporter relocates a raw artifact that is already
// canonical JSON (py-spy, rbspy) to finalOutputPath, rewriting its
// exporter field. Plugins whose profiler speaks the schema natively
// use this instead of a full converter pass.
func CopyAndStampExporter(rawOutputPath, finalOutputPath, exporter string) error {
	data, err := os.ReadFile(rawOutputPath)
	if err != nil {
		return kinds.New(kinds.Conversion, "reading raw artifact", err)
	}
	doc, err := schema.ParseAndStamp(data, exporter)
	if err != nil {
		return kinds.New(kinds.Conversion, "parsing raw artifact as canonical profile", err)
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

// ContainerRunSpec is the plugin-supplied half of a trampoline-based
// container run: the profiler's own argv (ending where the app's argv
// begins), the image, capabilities, and any env the profiler needs.
type ContainerRunSpec struct {
	Image        string
	ProfilerArgv []string
	AppArgv      []string
	Env          map[string]string
	Capabilities []string
	Mounts       []containerrt.Mount
	NetworkHost  bool
}

// RunContainerTrampoline is the shared container execution path every
// container-capable plugin's RunProfilerInContainer delegates to: it
// builds the bash trampoline script and runs it
// via containerrt, streaming output and setting ctx.RawArtifactPath on
// success.
func RunContainerTrampoline(ctx context.Context, spec ContainerRunSpec, rawArtifactType, rawArtifactPath string, pctx *Context, stdout, stderr io.Writer) error {
	rt, err := containerrt.Probe(ctx)
	if err != nil {
		return err
	}
	if err := rt.PullImage(ctx, spec.Image); err != nil {
		return err
	}

	script := trampoline.Build(trampoline.Script{
		ProfilerArgv: spec.ProfilerArgv,
		AppArgv:      spec.AppArgv,
		Env:          spec.Env,
	})

	envList := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		envList = append(envList, k+"="+v)
	}

	code, err := rt.Run(ctx, containerrt.RunSpec{
		Image:        spec.Image,
		Script:       script,
		Mounts:       spec.Mounts,
		Capabilities: spec.Capabilities,
		NetworkHost:  spec.NetworkHost,
		Env:          envList,
	}, stdout, stderr)
	if err != nil {
		return err
	}
	if code != 0 {
		return kinds.New(kinds.Execution, "profiler container exited non-zero", nil).WithExitCode(1)
	}
	pctx.RawArtifactType = rawArtifactType
	pctx.RawArtifactPath = rawArtifactPath
	return nil
}

// ConvertFoldedArtifact runs the folded-stack converter over
// rawOutputPath and writes the canonical document to finalOutputPath;
// cleanJava applies the JVM method-signature cleanup pass.
func ConvertFoldedArtifact(rawOutputPath, finalOutputPath, exporter string, cleanJava bool) error {
	f, err := os.Open(rawOutputPath)
	if err != nil {
		return kinds.New(kinds.Conversion, "opening raw artifact", err)
	}
	defer f.Close()

	doc, err := folded.Convert(f, exporter, filepath.Base(finalOutputPath), cleanJava)
	if err != nil {
		return kinds.New(kinds.Conversion, "converting folded-stack artifact", err)
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
