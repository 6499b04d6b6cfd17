package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DockerDriver drives sandboxes as docker containers through the docker CLI.
// Containers run a sleep so they stay alive between execs.
type DockerDriver struct {
	// Binary is the docker executable. Empty means "docker" on PATH.
	Binary string
	// CreateTimeout bounds container boot. Zero means 30s.
	CreateTimeout time.Duration
}

// NewDockerDriver creates a docker CLI driver.
func NewDockerDriver() *DockerDriver {
	return &DockerDriver{Binary: "docker", CreateTimeout: 30 * time.Second}
}

func (d *DockerDriver) binary() string {
	if d.Binary != "" {
		return d.Binary
	}
	return "docker"
}

func (d *DockerDriver) Create(ctx context.Context, name, image string) error {
	timeout := d.CreateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"run", "-d",
		"--name", name,
		"--network", "none",
		"--memory", "512m",
		"--cpus", "1",
		"--pids-limit", "256",
		image,
		"sleep", "infinity",
	}
	if _, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (d *DockerDriver) Exec(ctx context.Context, name string, command []string) (*ExecResult, error) {
	args := append([]string{"exec", name}, command...)
	cmd := exec.CommandContext(ctx, d.binary(), args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("sandbox exec: %w", err)
	}
	return result, nil
}

func (d *DockerDriver) Terminate(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "rm", "-f", name); err != nil {
		// A missing container is fine; the goal state is "gone".
		if strings.Contains(err.Error(), "No such container") {
			return nil
		}
		return fmt.Errorf("sandbox terminate: %w", err)
	}
	return nil
}

func (d *DockerDriver) ListAll(ctx context.Context, prefix string) ([]string, error) {
	out, err := d.run(ctx,
		"ps", "-a",
		"--filter", "name="+prefix,
		"--format", "{{.Names}}",
	)
	if err != nil {
		return nil, fmt.Errorf("sandbox list: %w", err)
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		// The name filter is a substring match; re-check the prefix.
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}

func (d *DockerDriver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("docker %s: %v: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
