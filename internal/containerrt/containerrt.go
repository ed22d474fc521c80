// Package containerrt wraps the docker/docker client for the
// container profiling sub-flow: probing for a working runtime, pulling
// a plugin's image, and running the trampoline script with the project
// cwd bind-mounted at /workspace plus any per-plugin cache volumes and
// capabilities.
package containerrt

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/uniprof/uniprof/internal/kinds"
)

// Runtime wraps a probed docker client.
type Runtime struct {
	cli *client.Client
}

// Probe establishes a client and verifies the daemon is reachable.
func Probe(ctx context.Context) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, kinds.New(kinds.Environment, "failed to construct container runtime client", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		return nil, kinds.New(kinds.Environment, "no working container runtime found (is Docker running?)", err)
	}
	return &Runtime{cli: cli}, nil
}

// Mount is one bind or volume mount for a run.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// RunSpec configures one container invocation.
type RunSpec struct {
	Image          string
	Script         string // script passed as the argument of `sh -c`
	Mounts         []Mount
	Capabilities   []string
	NetworkHost    bool
	Env            []string
}

// PullImage always attempts a pull; a pull failure is non-fatal when
// the image is already present locally.
func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	_, _, inspectErr := r.cli.ImageInspectWithRaw(ctx, ref)
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		if inspectErr == nil {
			return nil // already present; pull failure is non-fatal
		}
		return kinds.New(kinds.Environment, fmt.Sprintf("failed to pull image %s", ref), err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// Run creates, starts, and waits for a container executing spec's
// script via `sh -c`, streaming combined output to stdout/stderr.
// Returns the exit code.
func (r *Runtime) Run(ctx context.Context, spec RunSpec, stdout, stderr io.Writer) (int, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		CapAdd:      spec.Capabilities,
		AutoRemove:  false,
		NetworkMode: container.NetworkMode("bridge"),
	}
	if spec.NetworkHost {
		hostCfg.NetworkMode = container.NetworkMode("host")
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:        spec.Image,
		Cmd:          []string{"sh", "-c", spec.Script},
		Env:          spec.Env,
		Tty:          false,
		ExposedPorts: nat.PortSet{},
	}, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return 0, kinds.New(kinds.Environment, "failed to create profiler container", err)
	}
	containerID := resp.ID

	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true})
	}()

	logs, err := r.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return 0, kinds.New(kinds.Execution, "failed to attach to profiler container", err)
	}
	defer logs.Close()

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return 0, kinds.New(kinds.Execution, "failed to start profiler container", err)
	}

	go func() { _, _ = stdcopy.StdCopy(stdout, stderr, logs.Reader) }()

	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() != nil {
				return 0, kinds.New(kinds.Cancellation, "profiling cancelled by user", ctx.Err())
			}
			return 0, kinds.New(kinds.Execution, "error waiting for profiler container", err)
		}
		return 0, nil
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

// Signal forwards a stop signal to the container's PID 1; container
// mode's UI-only first-signal handler relies on the runtime forwarding
// this itself on ContainerKill.
func (r *Runtime) Signal(ctx context.Context, containerID, signal string) error {
	return r.cli.ContainerKill(ctx, containerID, signal)
}

// PruneImages removes every dangling image on the daemon (the filter is
// dangling=true only, so images that uniprof did not pull are pruned
// too), reclaiming the disk space a long-lived bootstrap machine
// accumulates from repeated image pulls across plugin version bumps.
func (r *Runtime) PruneImages(ctx context.Context) (reclaimedBytes uint64, err error) {
	args := filters.NewArgs(filters.Arg("dangling", "true"))
	report, err := r.cli.ImagesPrune(ctx, args)
	if err != nil {
		return 0, kinds.New(kinds.Environment, "pruning profiler images", err)
	}
	return report.SpaceReclaimed, nil
}
