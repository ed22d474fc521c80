package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/uniprof/uniprof/internal/containerrt"
	"github.com/uniprof/uniprof/internal/plugin"
)

// runBootstrap verifies the local toolchain for platformName (or every
// registered platform when empty) and pulls its container image,
// giving `uniprof bootstrap` a way to front-load the one-time setup
// cost instead of discovering a missing profiler mid-`record`.
func runBootstrap(ctx context.Context, platformName string, registry *plugin.Registry, stdout, stderr io.Writer) error {
	platforms, err := platformsToCheck(platformName, registry)
	if err != nil {
		return err
	}

	rt, rtErr := containerrt.Probe(ctx)
	if rtErr != nil {
		fmt.Fprintf(stderr, "container runtime unavailable, container mode will not work: %v\n", rtErr)
	}

	var failed bool
	for _, p := range platforms {
		fmt.Fprintf(stdout, "== %s ==\n", p.Name())

		check := p.CheckLocalEnvironment("")
		if check.Valid {
			fmt.Fprintln(stdout, "host toolchain: ok")
		} else {
			failed = true
			for _, e := range check.Errors {
				fmt.Fprintf(stdout, "host toolchain: %s\n", e)
			}
			for _, s := range check.SetupInstructions {
				fmt.Fprintf(stdout, "  try: %s\n", s)
			}
		}

		if rt != nil && p.SupportsContainer() {
			image := p.GetContainerImage()
			fmt.Fprintf(stdout, "pulling %s...\n", image)
			if err := rt.PullImage(ctx, image); err != nil {
				failed = true
				fmt.Fprintf(stdout, "image pull failed: %v\n", err)
			} else {
				fmt.Fprintln(stdout, "image: ok")
			}
		}
	}

	if rt != nil {
		if reclaimed, pruneErr := rt.PruneImages(ctx); pruneErr == nil && reclaimed > 0 {
			fmt.Fprintf(stdout, "pruned dangling images, reclaimed %s\n", humanize.Bytes(reclaimed))
		}
	}

	if failed {
		return fmt.Errorf("bootstrap found unresolved issues; see output above")
	}
	return nil
}

func platformsToCheck(platformName string, registry *plugin.Registry) ([]plugin.Platform, error) {
	if platformName != "" {
		p, ok := registry.Get(platformName)
		if !ok {
			return nil, fmt.Errorf("unknown platform %q", platformName)
		}
		return []plugin.Platform{p}, nil
	}
	return registry.All(), nil
}
