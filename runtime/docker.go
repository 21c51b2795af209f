package runtime

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/types"
)

// timeoutExitCodes are the codes coreutils timeout(1) reports when it had
// to terminate the command: 124 for the normal signal, 137 for SIGKILL.
var timeoutExitCodes = map[int]bool{124: true, 137: true}

// DockerRuntime runs each unit as a long-lived container executing
// `sleep infinity`, with memory/CPU limits, a restricted network mode and
// an unprivileged sandbox user. Commands run via docker exec with demuxed
// stdout/stderr; file transfer uses tar archives.
type DockerRuntime struct {
	cli    *client.Client
	cfg    config.RuntimeConfig
	logger *zap.Logger
}

// NewDockerRuntime creates a Docker-backed runtime from the environment
// (DOCKER_HOST etc.) and verifies daemon connectivity.
func NewDockerRuntime(ctx context.Context, cfg config.RuntimeConfig, logger *zap.Logger) (*DockerRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return &DockerRuntime{
		cli:    cli,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "runtime.docker")),
	}, nil
}

// Spawn implements Runtime.
func (r *DockerRuntime) Spawn(ctx context.Context) (*types.Unit, error) {
	name := "shellbox-unit-" + uuid.NewString()[:8]

	created, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      r.cfg.Image,
			Cmd:        []string{"sleep", "infinity"},
			User:       r.cfg.SandboxUser,
			WorkingDir: r.cfg.WorkspaceDir,
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
			Resources: container.Resources{
				Memory:   r.cfg.MemoryLimitMB * 1024 * 1024,
				CPUQuota: r.cfg.CPUQuota,
			},
		},
		&network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, types.NewError(types.ErrSpawnFailure, "create container").
			WithRetryable(true).WithCause(err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, types.NewError(types.ErrSpawnFailure, "start container").
			WithRetryable(true).WithCause(err)
	}

	now := time.Now()
	r.logger.Debug("unit spawned",
		zap.String("unit_id", created.ID[:12]),
		zap.String("image", r.cfg.Image))
	return &types.Unit{
		ID:        created.ID,
		State:     types.UnitIdle,
		CreatedAt: now,
		LastUsed:  now,
	}, nil
}

// Exec implements Runtime. Timeout enforcement wraps the command in
// timeout(1) with SIGKILL escalation, because docker exec offers no kill
// primitive for a single exec instance; the grace window also bounds the
// attach read.
func (r *DockerRuntime) Exec(ctx context.Context, unitID string, req ExecRequest) (*ExecOutput, error) {
	command := req.Command
	if req.Timeout > 0 {
		secs := int(req.Timeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		command = fmt.Sprintf("timeout --signal=KILL %d sh -c %s", secs, shellQuote(req.Command))
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout+killGrace)
		defer cancel()
	}

	started := time.Now()
	execResp, err := r.cli.ContainerExecCreate(ctx, unitID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		User:         r.cfg.SandboxUser,
		WorkingDir:   r.cfg.WorkspaceDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fault("create exec", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fault("attach exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return nil, fault("read exec output", err)
	}
	if ctx.Err() != nil && req.Timeout > 0 {
		// The grace window elapsed without timeout(1) confirming the kill.
		return nil, fault("unit did not confirm termination", ctx.Err())
	}

	inspect, err := r.cli.ContainerExecInspect(context.WithoutCancel(ctx), execResp.ID)
	if err != nil {
		return nil, fault("inspect exec", err)
	}

	exitCode := inspect.ExitCode
	timedOut := req.Timeout > 0 &&
		timeoutExitCodes[exitCode] &&
		time.Since(started) >= req.Timeout

	return &ExecOutput{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
	}, nil
}

// PutFile implements Runtime. The file travels as a single-entry tar
// archive; ownership is then fixed to the sandbox user, since
// CopyToContainer writes as root.
func (r *DockerRuntime) PutFile(ctx context.Context, unitID, filename string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name:    filename,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}); err != nil {
		return fault("build tar archive", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fault("build tar archive", err)
	}
	if err := tw.Close(); err != nil {
		return fault("build tar archive", err)
	}

	if err := r.cli.CopyToContainer(ctx, unitID, r.cfg.WorkspaceDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fault("copy file into unit", err)
	}

	// chown the topmost created path element so subdirectory uploads end
	// up fully owned by the sandbox user.
	target := path.Join(r.cfg.WorkspaceDir, strings.SplitN(filename, "/", 2)[0])
	chown := fmt.Sprintf("chown -R %s:%s %s", r.cfg.SandboxUser, r.cfg.SandboxUser, shellQuote(target))
	if _, err := r.execAsRoot(ctx, unitID, chown); err != nil {
		return fault("fix file ownership", err)
	}
	return nil
}

// GetFile implements Runtime.
func (r *DockerRuntime) GetFile(ctx context.Context, unitID, filename string) ([]byte, error) {
	full := path.Join(r.cfg.WorkspaceDir, filename)

	rc, _, err := r.cli.CopyFromContainer(ctx, unitID, full)
	if err != nil {
		if strings.Contains(err.Error(), "No such container:path") ||
			strings.Contains(err.Error(), "no such file") {
			return nil, types.Errorf(types.ErrFileNotFound, "file not found in workspace: %s", filename)
		}
		return nil, fault("copy file from unit", err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fault("read tar archive", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, fault("read tar archive", err)
	}
	return data, nil
}

// ListWorkspace implements Runtime. Epoch-style timestamps keep the ls
// output unambiguous to parse.
func (r *DockerRuntime) ListWorkspace(ctx context.Context, unitID string) ([]types.FileInfo, error) {
	out, err := r.Exec(ctx, unitID, ExecRequest{
		Command: fmt.Sprintf("ls -la --time-style=+%%s %s", shellQuote(r.cfg.WorkspaceDir)),
	})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fault(fmt.Sprintf("list workspace: %s", strings.TrimSpace(out.Stderr)), nil)
	}
	return parseLsOutput(out.Stdout), nil
}

// StatWorkspace implements Runtime.
func (r *DockerRuntime) StatWorkspace(ctx context.Context, unitID string) (*WorkspaceStat, error) {
	cmd := fmt.Sprintf("du -sb %s && find %s -type f | wc -l",
		shellQuote(r.cfg.WorkspaceDir), shellQuote(r.cfg.WorkspaceDir))
	out, err := r.Exec(ctx, unitID, ExecRequest{Command: cmd})
	if err != nil {
		return nil, err
	}
	if out.ExitCode != 0 {
		return nil, fault(fmt.Sprintf("stat workspace: %s", strings.TrimSpace(out.Stderr)), nil)
	}

	lines := strings.Split(strings.TrimSpace(out.Stdout), "\n")
	if len(lines) < 2 {
		return nil, fault("stat workspace: unexpected output", nil)
	}
	stat := &WorkspaceStat{}
	if fields := strings.Fields(lines[0]); len(fields) > 0 {
		stat.TotalBytes, _ = strconv.ParseInt(fields[0], 10, 64)
	}
	stat.FileCount, _ = strconv.Atoi(strings.TrimSpace(lines[len(lines)-1]))
	return stat, nil
}

// Destroy implements Runtime.
func (r *DockerRuntime) Destroy(ctx context.Context, unitID string) error {
	err := r.cli.ContainerRemove(ctx, unitID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fault("remove container", err)
	}
	r.logger.Debug("unit destroyed", zap.String("unit_id", shortID(unitID)))
	return nil
}

// Close implements Runtime.
func (r *DockerRuntime) Close() error { return r.cli.Close() }

var _ Runtime = (*DockerRuntime)(nil)

// execAsRoot runs a maintenance command as root, outside the sandbox
// identity. Used only for ownership fixes.
func (r *DockerRuntime) execAsRoot(ctx context.Context, unitID, command string) (*ExecOutput, error) {
	execResp, err := r.cli.ContainerExecCreate(ctx, unitID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		User:         "root",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, err
	}
	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, err
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)

	inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, err
	}
	return &ExecOutput{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// parseLsOutput parses `ls -la --time-style=+%s` output into FileInfo,
// skipping the total line, directories and dot entries.
func parseLsOutput(out string) []types.FileInfo {
	var files []types.FileInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		// perms links owner group size epoch name
		if len(fields) < 7 {
			continue
		}
		perms := fields[0]
		if !strings.HasPrefix(perms, "-") {
			continue
		}
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		epoch, err := strconv.ParseInt(fields[5], 10, 64)
		if err != nil {
			continue
		}
		name := strings.Join(fields[6:], " ")
		files = append(files, types.FileInfo{
			Name:        name,
			Size:        size,
			Modified:    time.Unix(epoch, 0),
			Permissions: perms,
		})
	}
	return files
}

// shellQuote single-quotes s for safe interpolation into sh -c strings.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shortID trims a container id for log fields.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
