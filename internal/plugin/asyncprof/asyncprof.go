// Package asyncprof implements the JVM platform plugin around
// async-profiler, injected as a JVMTI agent that writes a folded-stack
// file; post-processing runs the folded converter with the Java
// method-signature cleanup pass.
package asyncprof

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/plugin"
)

const defaultIntervalNs = 1_000_000 // 1ms, i.e. ~1000Hz

type Plugin struct {
	plugin.BasePlugin
}

func New() *Plugin {
	return &Plugin{BasePlugin: plugin.BasePlugin{
		PluginName:        "jvm",
		ProfilerName:      "async-profiler",
		Exts:              []string{".jar"},
		Execs:             []string{"java", "./gradlew", "gradlew", "./mvnw", "mvnw"},
		ProcessNames:      []string{},
		ExporterNameValue: "uniprof-asyncprofiler",
	}}
}

func (p *Plugin) DetectCommand(argv []string) bool {
	return plugin.DetectByExecutableOrExtension(p.BasePlugin, argv)
}

func (p *Plugin) CheckLocalEnvironment(executablePath string) plugin.EnvCheck {
	check := plugin.EnvCheck{Valid: true}
	if os.Getenv("UNIPROF_ASYNC_PROFILER_HOME") == "" {
		if _, err := os.Stat("/usr/local/lib/async-profiler/libasyncProfiler.so"); err != nil {
			check.Valid = false
			check.Errors = append(check.Errors, "could not locate libasyncProfiler.so")
			check.SetupInstructions = append(check.SetupInstructions, "download async-profiler and set UNIPROF_ASYNC_PROFILER_HOME")
		}
	}
	return check
}

func (p *Plugin) FindExecutableInPath() (string, bool) {
	home := os.Getenv("UNIPROF_ASYNC_PROFILER_HOME")
	if home == "" {
		home = "/usr/local/lib/async-profiler"
	}
	lib := filepath.Join(home, libraryName())
	if _, err := os.Stat(lib); err != nil {
		return "", false
	}
	return lib, true
}

func libraryName() string {
	switch os := os.Getenv("GOOS"); os {
	case "darwin":
		return "libasyncProfiler.dylib"
	default:
		return "libasyncProfiler.so"
	}
}

func (p *Plugin) GetContainerImage() string { return "ghcr.io/uniprof/uniprof-jvm:latest" }

func (p *Plugin) GetContainerCacheVolumes(cacheBase, cwd string) []plugin.CacheVolume {
	return []plugin.CacheVolume{
		{HostPath: cacheBase + "/jvm/gradle", ContainerPath: "/root/.gradle"},
		{HostPath: cacheBase + "/jvm/m2", ContainerPath: "/root/.m2"},
	}
}

func intervalFromExtraArgs(extra []string) int64 {
	for i, a := range extra {
		if a == "--interval" && i+1 < len(extra) {
			var ns int64
			fmt.Sscanf(extra[i+1], "%d", &ns)
			if ns > 0 {
				return ns
			}
		}
	}
	return defaultIntervalNs
}

// agentOption builds the -agentpath value for a given libasyncProfiler
// location and output path.
func agentOption(libPath, collapsedPath string, intervalNs int64) string {
	return fmt.Sprintf("-agentpath:%s=start,event=cpu,interval=%d,file=%s,collapsed", libPath, intervalNs, collapsedPath)
}

// spliceAgentIntoJavaArgv inserts the agent option after JVM options
// and before the main class/JAR: `java [-X...] [-D...]
// -jar app.jar args...` or `java [-X...] Main args...`.
func spliceAgentIntoJavaArgv(argv []string, agentOpt string) []string {
	insertAt := len(argv)
	for i := 1; i < len(argv); i++ {
		a := argv[i]
		if a == "-jar" || !strings.HasPrefix(a, "-") {
			insertAt = i
			break
		}
		if a == "-cp" || a == "-classpath" || a == "--class-path" {
			i++ // the class path value belongs to the JVM options
		}
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, argv[:insertAt]...)
	out = append(out, agentOpt)
	out = append(out, argv[insertAt:]...)
	return out
}

func (p *Plugin) BuildLocalProfilerCommand(argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) ([]string, error) {
	libPath, _ := p.FindExecutableInPath()
	collapsed := output + ".collapsed"
	pctx.RegisterTempFile(collapsed)
	pctx.RawArtifactType = "collapsed"
	pctx.RawArtifactPath = collapsed
	agentOpt := agentOption(libPath, collapsed, intervalFromExtraArgs(opts.ExtraProfilerArgs))

	base := filepath.Base(argv[0])
	switch base {
	case "java":
		return spliceAgentIntoJavaArgv(argv, agentOpt), nil
	case "gradlew", "./gradlew":
		pctx.RuntimeEnv["JAVA_TOOL_OPTIONS"] = strings.TrimSpace(os.Getenv("JAVA_TOOL_OPTIONS") + " " + agentOpt)
		return argv, nil
	case "mvnw", "./mvnw":
		pctx.RuntimeEnv["MAVEN_OPTS"] = strings.TrimSpace(os.Getenv("MAVEN_OPTS") + " " + agentOpt)
		return argv, nil
	default:
		return spliceAgentIntoJavaArgv(argv, agentOpt), nil
	}
}

func (p *Plugin) RunProfilerInContainer(ctx context.Context, argv []string, output string, opts plugin.RecordOptions, pctx *plugin.Context) error {
	containerCollapsed := "/uniprof-output/profile.collapsed"
	agentOpt := agentOption("/usr/local/lib/async-profiler/libasyncProfiler.so", containerCollapsed, intervalFromExtraArgs(opts.ExtraProfilerArgs))

	env := map[string]string{}
	appArgv := argv
	base := ""
	if len(argv) > 0 {
		base = filepath.Base(argv[0])
	}
	switch base {
	case "gradlew", "./gradlew":
		env["JAVA_TOOL_OPTIONS"] = agentOpt
	case "mvnw", "./mvnw":
		env["MAVEN_OPTS"] = agentOpt
	default:
		appArgv = spliceAgentIntoJavaArgv(argv, agentOpt)
	}

	return plugin.RunContainerTrampoline(ctx, plugin.ContainerRunSpec{
		Image:   p.GetContainerImage(),
		AppArgv: appArgv,
		Env:     env,
		NetworkHost: opts.EnableHostNetworking,
		Mounts: []containerrt.Mount{
			{HostPath: opts.Cwd, ContainerPath: "/workspace"},
			{HostPath: filepath.Dir(output), ContainerPath: "/uniprof-output"},
		},
	}, "collapsed", filepath.Join(filepath.Dir(output), "profile.collapsed"), pctx, os.Stdout, os.Stderr)
}

// PostProcessProfile converts the folded-stack output and applies the
// Java method-signature cleanup pass.
func (p *Plugin) PostProcessProfile(rawOutputPath, finalOutputPath string, pctx *plugin.Context) error {
	return plugin.ConvertFoldedArtifact(rawOutputPath, finalOutputPath, p.ExporterName(), true)
}
