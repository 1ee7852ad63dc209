// Package sysops wraps the container runtime CLI and the service
// supervisor behind typed operations. All commands go through
// execshell with hard timeouts.
package sysops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opshive/opshive/internal/execshell"
	"github.com/opshive/opshive/internal/faults"
)

const dockerTimeout = 30 * time.Second

// ContainerState is the runtime status of one container.
type ContainerState struct {
	Exists  bool
	Running bool
	Status  string // running, exited, restarting, ...
}

// Docker drives the container runtime CLI.
type Docker struct {
	Run execshell.Runner
}

// Inspect returns the state of a named container. A missing container
// is not an error: Exists is false.
func (d Docker) Inspect(ctx context.Context, name string) (ContainerState, error) {
	res, err := d.Run.Run(ctx, dockerTimeout, "docker", "inspect", "-f", "{{.State.Status}}", name)
	if err != nil {
		return ContainerState{}, faults.Transient("docker.inspect", err)
	}
	if res.TimedOut {
		return ContainerState{}, faults.Transient("docker.inspect", fmt.Errorf("timed out"))
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such object") || strings.Contains(res.Stderr, "No such container") {
			return ContainerState{Exists: false}, nil
		}
		return ContainerState{}, fmt.Errorf("docker inspect %s: %s", name, res.Stderr)
	}
	status := strings.TrimSpace(res.Stdout)
	return ContainerState{Exists: true, Running: status == "running", Status: status}, nil
}

// Restart restarts a container.
func (d Docker) Restart(ctx context.Context, name string) error {
	res, err := d.Run.Run(ctx, dockerTimeout, "docker", "restart", name)
	if err != nil {
		return faults.Transient("docker.restart", err)
	}
	if !res.Ok() {
		return fmt.Errorf("docker restart %s: %s", name, res.Stderr)
	}
	return nil
}

// UpdateMemory sets the container's memory and swap limits.
func (d Docker) UpdateMemory(ctx context.Context, name, memory, memorySwap string) error {
	res, err := d.Run.Run(ctx, dockerTimeout, "docker", "update",
		"--memory", memory, "--memory-swap", memorySwap, name)
	if err != nil {
		return faults.Transient("docker.update", err)
	}
	if !res.Ok() {
		return fmt.Errorf("docker update %s: %s", name, res.Stderr)
	}
	return nil
}

// Exec runs a command inside a running container.
func (d Docker) Exec(ctx context.Context, name string, command ...string) (execshell.Result, error) {
	args := append([]string{"exec", name}, command...)
	res, err := d.Run.Run(ctx, dockerTimeout, "docker", args...)
	if err != nil {
		return res, faults.Transient("docker.exec", err)
	}
	return res, nil
}

// ListRunning returns the names of running containers matching filter.
func (d Docker) ListRunning(ctx context.Context, nameFilter string) ([]string, error) {
	args := []string{"ps", "--format", "{{.Names}}"}
	if nameFilter != "" {
		args = append(args, "--filter", "name="+nameFilter)
	}
	res, err := d.Run.Run(ctx, dockerTimeout, "docker", args...)
	if err != nil {
		return nil, faults.Transient("docker.ps", err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("docker ps: %s", res.Stderr)
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
