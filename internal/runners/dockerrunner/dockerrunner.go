// Package dockerrunner is an orchestrator.AgentExecutor that runs a
// task's instruction as a shell command inside an ephemeral, auto-
// removed container — another of the opaque agent executors spec.md §1
// describes. Grounded directly on internal/tools/docker.go's
// DockerSandbox: the same ContainerCreate/Start/Wait/Logs sequence,
// the same memory + network-mode resource limits and AutoRemove
// cleanup, generalized from a fixed shell-command tool call to running
// one dagengine.Task per agent id, with the container's exit code
// folded into the orchestrator's Result/error contract instead of a
// raw (stdout, stderr, exitCode) tuple.
package dockerrunner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/apexswarm/orchestrator/internal/dagengine"
	"github.com/apexswarm/orchestrator/internal/ids"
	"github.com/apexswarm/orchestrator/internal/orchestrator"
)

// Config configures a Runner.
type Config struct {
	Image       string // defaults to "golang:alpine"
	MemoryMB    int64  // defaults to 512
	NetworkMode string // defaults to "none"
	Workspace   string // host path bind-mounted at /workspace
}

// Runner executes tasks in ephemeral Docker containers, one per
// AgentExecutor.Execute call.
type Runner struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
	workspace   string
}

var _ orchestrator.AgentExecutor = (*Runner)(nil)

// New creates a Runner backed by the local Docker daemon (from the
// standard DOCKER_HOST/DOCKER_* environment).
func New(cfg Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	image := cfg.Image
	if image == "" {
		image = "golang:alpine"
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 512
	}
	networkMode := cfg.NetworkMode
	if networkMode == "" {
		networkMode = "none"
	}

	return &Runner{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
		workspace:   cfg.Workspace,
	}, nil
}

// Execute implements orchestrator.AgentExecutor: runs task.Input.Instruction
// as a shell command inside a fresh container, returning its combined
// stdout as the Result's Output. A nonzero exit code is reported as an
// error so the orchestrator's retry/fail path applies.
func (r *Runner) Execute(ctx context.Context, agentID ids.AgentID, task *dagengine.Task) (orchestrator.Result, error) {
	resp, err := r.client.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Cmd:        []string{"sh", "-c", task.Input.Instruction},
		WorkingDir: "/workspace",
		Tty:        false,
		Labels:     map[string]string{"orchestrator.agent_id": string(agentID), "orchestrator.task_id": string(task.ID)},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: r.memoryBytes,
		},
		NetworkMode: container.NetworkMode(r.networkMode),
		Binds:       bindsFor(r.workspace),
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("create container for agent %s: %w", agentID, err)
	}

	containerID := resp.ID
	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return orchestrator.Result{}, fmt.Errorf("start container for agent %s: %w", agentID, err)
	}

	var exitCode int
	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return orchestrator.Result{}, fmt.Errorf("wait container for agent %s: %w", agentID, err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		_ = r.client.ContainerKill(ctx, containerID, "SIGKILL")
		return orchestrator.Result{}, ctx.Err()
	}

	out, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("get logs for agent %s: %w", agentID, err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)

	if exitCode != 0 {
		return orchestrator.Result{}, fmt.Errorf("agent %s container exited %d: %s", agentID, exitCode, stderrBuf.String())
	}
	return orchestrator.Result{Output: stdoutBuf.String()}, nil
}

// Close closes the underlying Docker client.
func (r *Runner) Close() error {
	return r.client.Close()
}

func bindsFor(workspace string) []string {
	if workspace == "" {
		return nil
	}
	return []string{fmt.Sprintf("%s:/workspace", workspace)}
}
