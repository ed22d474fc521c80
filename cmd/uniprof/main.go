// Command uniprof is the universal CPU profiling front-end: it detects
// which platform plugin owns the command being profiled, runs that
// profiler on the host or in a container, normalizes the result into
// the canonical JSON profile schema, and can analyze or visualize it
// in the same invocation.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/hashicorp/logutils"
	"github.com/pkg/profile"

	"github.com/uniprof/uniprof/internal/cli"
	"github.com/uniprof/uniprof/internal/kinds"
	"github.com/uniprof/uniprof/internal/mcpserver"
	"github.com/uniprof/uniprof/internal/plugin"
	"github.com/uniprof/uniprof/internal/plugin/asyncprof"
	"github.com/uniprof/uniprof/internal/plugin/beam"
	"github.com/uniprof/uniprof/internal/plugin/dotnettrace"
	"github.com/uniprof/uniprof/internal/plugin/excimer"
	"github.com/uniprof/uniprof/internal/plugin/nativeperf"
	"github.com/uniprof/uniprof/internal/plugin/pyspy"
	"github.com/uniprof/uniprof/internal/plugin/rbspy"
	"github.com/uniprof/uniprof/internal/plugin/xctrace"
	"github.com/uniprof/uniprof/internal/plugin/zerox"
)

var Version string

func newRegistry() *plugin.Registry {
	r := plugin.NewRegistry()
	r.Register(pyspy.New())
	r.Register(rbspy.New())
	r.Register(zerox.New())
	r.Register(excimer.New())
	r.Register(asyncprof.New())
	r.Register(dotnettrace.New())
	r.Register(beam.New())
	r.Register(xctrace.New())
	r.Register(nativeperf.New()) // fallback: PluginName "native"
	return r
}

func main() {
	loglevel := flag.String("l", "warning", "loglevel: one of 'debug', 'info', 'warning' or 'error'")
	version := flag.Bool("version", false, "print version")
	profilingType := flag.String("profiling", "", "self-profile uniprof itself: one of 'cpu', 'mem', 'memheap', 'memallocs'")
	profilingPath := flag.String("profiling-path", ".", "path to write self-profiling data to")
	profilingDuration := flag.Duration("profiling-duration", 60*time.Second, "duration of self-profiling")
	flag.Parse()

	if *version {
		fmt.Println(Version)
		return
	}

	switch *profilingType {
	case "cpu":
		go selfProfile(profile.CPUProfile, *profilingPath, *profilingDuration)
	case "mem":
		go selfProfile(profile.MemProfile, *profilingPath, *profilingDuration)
	case "memheap":
		go selfProfile(profile.MemProfileHeap, *profilingPath, *profilingDuration)
	case "memallocs":
		go selfProfile(profile.MemProfileAllocs, *profilingPath, *profilingDuration)
	case "":
		// no self-profiling requested
	default:
		log.Fatalf("[error] unknown -profiling type: %s", *profilingType)
	}

	log.SetOutput(&logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"debug", "info", "warning", "error"},
		MinLevel: logutils.LogLevel(*loglevel),
		Writer:   os.Stderr,
	})

	registry := newRegistry()
	argv := append([]string{os.Args[0]}, flag.Args()...)

	hooks := cli.MCPHooks{
		Run: func(ctx context.Context, addr string) error {
			return mcpserver.Run(ctx, registry, addr)
		},
		Install: mcpserver.Install,
	}

	if err := cli.Execute(argv, registry, hooks, runBootstrap); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a classified error to the process exit code: plain
// errors that never went through kinds.New get the general-error code.
func exitCodeFor(err error) int {
	var kerr *kinds.Error
	if errors.As(err, &kerr) {
		return kerr.ExitCode
	}
	return 1
}

func selfProfile(kind func(*profile.Profile), outPath string, duration time.Duration) {
	p := profile.Start(kind, profile.ProfilePath(outPath), profile.NoShutdownHook)
	time.Sleep(duration)
	p.Stop()
	log.Printf("[info] self-profile written under %s", path.Clean(outPath))
}
