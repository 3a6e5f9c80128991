// Package docker implements sandbox.Environment with one container per
// session. Commands run via the exec API; the workspace directory is
// bind-mounted into every container.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/weft-dev/weft/pkg/sandbox"
)

const (
	// DefaultImage is used when no sandbox image is configured.
	DefaultImage = "ubuntu:24.04"

	containerWorkdir = "/workspace"
	readyTimeout     = 60 * time.Second
)

// Env implements sandbox.Environment using Docker containers.
type Env struct {
	cli     *client.Client
	image   string
	workdir string
	ports   []int
}

var _ sandbox.Environment = (*Env)(nil)

// New creates a docker environment. workdir is the host directory mounted
// at /workspace inside each session container. publishPorts are container
// ports bound to random localhost ports, so a dev server the agent starts
// in the sandbox is reachable from the host; Ports reports the mapping.
func New(image, workdir string, publishPorts ...int) (*Env, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	return &Env{cli: cli, image: image, workdir: workdir, ports: publishPorts}, nil
}

func (e *Env) Close() error {
	return e.cli.Close()
}

func (e *Env) containerName(sessionID string) string {
	return fmt.Sprintf("weft-session-%s", sessionID)
}

// Exec runs a command inside the session's container, starting it first
// if needed.
func (e *Env) Exec(ctx context.Context, sessionID, command string) (*sandbox.Result, error) {
	name := e.containerName(sessionID)
	if err := e.ensureRunning(ctx, sessionID); err != nil {
		return nil, err
	}

	execResp, err := e.cli.ContainerExecCreate(ctx, name, types.ExecConfig{
		Cmd:          []string{"/bin/sh", "-c", command},
		WorkingDir:   containerWorkdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := e.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	inspect, err := e.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	return &sandbox.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (e *Env) Stop(ctx context.Context, sessionID string) error {
	return e.cli.ContainerRemove(ctx, e.containerName(sessionID), types.ContainerRemoveOptions{
		Force: true,
	})
}

// Ports returns the host port bound to each published container port for
// the session, keyed by container port. Ports the daemon has not mapped
// yet are absent.
func (e *Env) Ports(ctx context.Context, sessionID string) (map[int]string, error) {
	c, err := e.cli.ContainerInspect(ctx, e.containerName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	mapped := make(map[int]string, len(e.ports))
	for _, p := range e.ports {
		bindings := c.NetworkSettings.Ports[nat.Port(fmt.Sprintf("%d/tcp", p))]
		if len(bindings) > 0 {
			mapped[p] = bindings[0].HostPort
		}
	}
	return mapped, nil
}

// ensureRunning starts the session container, creating it on first use.
func (e *Env) ensureRunning(ctx context.Context, sessionID string) error {
	name := e.containerName(sessionID)

	c, err := e.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return e.createAndStart(ctx, name)
		}
		return fmt.Errorf("inspecting container: %w", err)
	}

	if c.State.Running {
		return nil
	}
	if err := e.cli.ContainerStart(ctx, name, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return e.waitForReady(ctx, name)
}

func (e *Env) createAndStart(ctx context.Context, name string) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, e.image); err != nil {
		return fmt.Errorf("sandbox image %q not found, run 'docker pull %s': %w", e.image, e.image, err)
	}

	cfg := &container.Config{
		Image:      e.image,
		Cmd:        strslice.StrSlice{"sleep", "infinity"},
		WorkingDir: containerWorkdir,
	}
	hostCfg := &container.HostConfig{}
	if e.workdir != "" {
		hostCfg.Binds = []string{e.workdir + ":" + containerWorkdir}
	}
	if len(e.ports) > 0 {
		cfg.ExposedPorts = nat.PortSet{}
		hostCfg.PortBindings = nat.PortMap{}
		for _, p := range e.ports {
			port := nat.Port(fmt.Sprintf("%d/tcp", p))
			cfg.ExposedPorts[port] = struct{}{}
			hostCfg.PortBindings[port] = []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "0"},
			}
		}
	}

	slog.Info("Creating sandbox container", "name", name, "image", e.image)
	resp, err := e.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	return e.waitForReady(ctx, name)
}

// waitForReady polls with a trivial exec until the container accepts
// commands.
func (e *Env) waitForReady(ctx context.Context, name string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	timeoutCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for container %s", name)
		case <-ticker.C:
			if e.probe(timeoutCtx, name) == nil {
				return nil
			}
		}
	}
}

func (e *Env) probe(ctx context.Context, name string) error {
	resp, err := e.cli.ContainerExecCreate(ctx, name, types.ExecConfig{Cmd: []string{"true"}})
	if err != nil {
		return err
	}
	if err := e.cli.ContainerExecStart(ctx, resp.ID, types.ExecStartCheck{Detach: true}); err != nil {
		return err
	}
	inspect, err := e.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return err
	}
	if inspect.Running || inspect.ExitCode != 0 {
		return fmt.Errorf("container %s not ready", name)
	}
	return nil
}
