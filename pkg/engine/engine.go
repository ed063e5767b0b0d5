// Package engine wraps the container engine CLI. It is the only place in
// the codebase that talks to the engine, and it treats the engine as a
// black box: commands in, text out.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

// Environment variables injected into every workload container. The
// reconciler reads them back when adopting orphaned containers.
const (
	EnvToken    = "WARREN_TOKEN"
	EnvOwner    = "WARREN_OWNER"
	EnvProvider = "WARREN_PROVIDER"
	EnvModel    = "WARREN_MODEL"
	EnvProfile  = "WARREN_PROFILE"
)

// CommandError is a non-zero exit from an engine command, with captured
// stderr.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("engine command %q failed: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += fmt.Sprintf(" (stderr: %s)", e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Limits is the uniform resource/capability profile applied to every
// container the adapter runs.
type Limits struct {
	Memory    string // e.g. "2g"
	CPUs      string // e.g. "1.5"
	PidsLimit int
}

// DefaultLimits returns the restrictive default profile.
func DefaultLimits() Limits {
	return Limits{
		Memory:    "2g",
		CPUs:      "2",
		PidsLimit: 512,
	}
}

// RunSpec describes one container to start: one loopback-only published
// port, one persistent volume, and environment variables for the auth
// token and workload credentials.
type RunSpec struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	Volume        string
	VolumeTarget  string
	Env           map[string]string
}

// ContainerInfo is one row of the engine's container list.
type ContainerInfo struct {
	Name     string
	Status   string
	HostPort int
}

// Running reports whether the engine considers the container up.
func (c ContainerInfo) Running() bool {
	return strings.HasPrefix(c.Status, "Up")
}

// commandRunner executes one engine command and returns stdout, stderr,
// and the exit error. Swapped out in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)

func defaultRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Client issues engine commands through the configured binary.
type Client struct {
	binary string
	limits Limits
	run    commandRunner
}

// NewClient creates an engine client for the given binary (normally
// "docker") and resource profile.
func NewClient(binary string, limits Limits) *Client {
	if binary == "" {
		binary = "docker"
	}
	return &Client{
		binary: binary,
		limits: limits,
		run:    defaultRunner,
	}
}

func (c *Client) exec(ctx context.Context, args ...string) ([]byte, error) {
	stdout, stderr, err := c.run(ctx, c.binary, args...)
	if err != nil {
		return nil, &CommandError{
			Args:   args,
			Stderr: strings.TrimSpace(string(stderr)),
			Err:    err,
		}
	}
	return stdout, nil
}

// Run starts a detached container under the restrictive profile and
// returns its engine reference (the container name).
func (c *Client) Run(ctx context.Context, spec RunSpec) (string, error) {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	}
	if c.limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(c.limits.PidsLimit))
	}
	if c.limits.Memory != "" {
		args = append(args, "--memory", c.limits.Memory)
	}
	if c.limits.CPUs != "" {
		args = append(args, "--cpus", c.limits.CPUs)
	}
	if spec.HostPort > 0 {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", spec.HostPort, spec.ContainerPort))
	}
	if spec.Volume != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s", spec.Volume, spec.VolumeTarget))
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	args = append(args, spec.Image)

	if _, err := c.exec(ctx, args...); err != nil {
		return "", err
	}
	return spec.Name, nil
}

// Exec runs a command inside the container and returns its stdout.
func (c *Client) Exec(ctx context.Context, ref string, cmd ...string) ([]byte, error) {
	args := append([]string{"exec", ref}, cmd...)
	return c.exec(ctx, args...)
}

// List returns the engine's running containers whose names match the
// given prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]ContainerInfo, error) {
	out, err := c.exec(ctx,
		"ps",
		"--filter", "name="+prefix,
		"--format", "{{.Names}}\t{{.Status}}\t{{.Ports}}",
	)
	if err != nil {
		return nil, err
	}
	return parseContainerList(string(out), prefix), nil
}

// Stop stops the container. A container that is already gone is not an
// error.
func (c *Client) Stop(ctx context.Context, ref string) error {
	_, err := c.exec(ctx, "stop", ref)
	return ignoreAlreadyGone(err)
}

// Remove force-removes the container. Already gone is not an error.
func (c *Client) Remove(ctx context.Context, ref string) error {
	_, err := c.exec(ctx, "rm", "-f", ref)
	return ignoreAlreadyGone(err)
}

// RemoveVolume removes the named volume. Already gone is not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	_, err := c.exec(ctx, "volume", "rm", name)
	return ignoreAlreadyGone(err)
}

func ignoreAlreadyGone(err error) error {
	if err == nil {
		return nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		stderr := strings.ToLower(cmdErr.Stderr)
		if strings.Contains(stderr, "no such container") || strings.Contains(stderr, "no such volume") {
			return nil
		}
	}
	return err
}

func parseContainerList(out, prefix string) []ContainerInfo {
	var containers []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		info := ContainerInfo{
			Name:   name,
			Status: strings.TrimSpace(fields[1]),
		}
		if len(fields) == 3 {
			info.HostPort = parsePublishedPort(fields[2])
		}
		containers = append(containers, info)
	}
	return containers
}

// parsePublishedPort extracts the host port from a ports column such as
// "127.0.0.1:19005->9400/tcp". Returns 0 when nothing is published.
func parsePublishedPort(ports string) int {
	for _, mapping := range strings.Split(ports, ",") {
		mapping = strings.TrimSpace(mapping)
		arrow := strings.Index(mapping, "->")
		if arrow < 0 {
			continue
		}
		hostSide := mapping[:arrow]
		colon := strings.LastIndex(hostSide, ":")
		if colon < 0 {
			continue
		}
		port, err := strconv.Atoi(hostSide[colon+1:])
		if err != nil {
			continue
		}
		return port
	}
	return 0
}

// ParseEnvOutput parses `exec <ref> env` output into a map. Used to
// recover the auth token from adopted containers.
func ParseEnvOutput(out []byte) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		env[line[:eq]] = line[eq+1:]
	}
	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
