package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"

	"launchbox/internal/execution"
	"launchbox/pkg/seccomp"
)

// defaultImages maps each language to its runtime image.
var defaultImages = map[execution.Language]string{
	execution.LangNodeJS:    "node:18-alpine",
	execution.LangPython:    "python:3.11-alpine",
	execution.LangJava:      "eclipse-temurin:21-jdk-alpine",
	execution.LangHTMLCSSJS: "python:3.11-alpine",
}

// keepAlive is the placeholder command keeping a container up so the real
// build and run steps can be issued later via exec.
var keepAlive = []string{"/bin/sh", "-c", "sleep infinity"}

// Config tunes the driver independently of the global configuration.
type Config struct {
	MemoryLimitMB   int64
	CPULimit        float64
	NetworkDisabled bool
	SeccompDisabled bool // Drops the syscall filter; intended for local development only
	PullTimeout     time.Duration
	StopTimeout     time.Duration
	Images          map[string]string // Optional per-language image overrides
}

// Driver wraps the Docker Engine API as the container runtime. Stop and
// remove are best-effort; inspection queries degrade to neutral results so
// cleanup and reconciliation paths never fail loudly.
type Driver struct {
	cli        *client.Client
	cfg        Config
	images     map[execution.Language]string
	seccompOpt string
}

func NewDriver(cfg Config) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	var seccompOpt string
	if !cfg.SeccompDisabled {
		seccompOpt, err = seccomp.ProjectSecurityOpt()
		if err != nil {
			return nil, err
		}
	}

	if cfg.PullTimeout == 0 {
		cfg.PullTimeout = 5 * time.Minute
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}

	images := make(map[execution.Language]string, len(defaultImages))
	for lang, ref := range defaultImages {
		images[lang] = ref
	}
	for lang, ref := range cfg.Images {
		images[execution.Language(lang)] = ref
	}

	return &Driver{cli: cli, cfg: cfg, images: images, seccompOpt: seccompOpt}, nil
}

// Ping reports whether the Docker daemon is reachable.
func (d *Driver) Ping(ctx context.Context) bool {
	_, err := d.cli.Ping(ctx)
	return err == nil
}

// Image returns the image reference used for a language.
func (d *Driver) Image(lang execution.Language) string {
	return d.images[lang]
}

// EnsureImage pulls the language image if it is not present locally.
// Pull failures are fatal to the calling drive step.
func (d *Driver) EnsureImage(ctx context.Context, lang execution.Language) error {
	ref := d.images[lang]
	if ref == "" {
		return fmt.Errorf("no image configured for language %s", lang)
	}

	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		log.Debug().Str("image", ref).Msg("image present")
		return nil
	}

	log.Info().Str("image", ref).Msg("pulling image")
	pullCtx, cancel := context.WithTimeout(ctx, d.cfg.PullTimeout)
	defer cancel()

	reader, err := d.cli.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}

	log.Info().Str("image", ref).Msg("image pulled")
	return nil
}

// CreateContainer materializes a container with the workspace bound at
// /workspace and resource limits applied. The host:container port pair is
// published only for server executions; the container starts with a
// keep-alive command and receives its real work via exec.
func (d *Driver) CreateContainer(ctx context.Context, opts execution.CreateOptions) (string, error) {
	ref := d.images[opts.Language]
	if ref == "" {
		return "", fmt.Errorf("no image configured for language %s", opts.Language)
	}

	envList := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		envList = append(envList, k+"="+v)
	}

	cfg := &container.Config{
		Image:      ref,
		Env:        envList,
		WorkingDir: "/workspace",
		Cmd:        keepAlive,
		Tty:        true,
	}
	hostCfg := &container.HostConfig{
		Binds: []string{opts.WorkspaceDir + ":/workspace"},
		Resources: container.Resources{
			Memory:   d.cfg.MemoryLimitMB * 1024 * 1024,
			NanoCPUs: int64(d.cfg.CPULimit * 1e9),
		},
	}
	if d.seccompOpt != "" {
		hostCfg.SecurityOpt = []string{d.seccompOpt}
	}

	if opts.Server && opts.HostPort != 0 && opts.ContainerPort != 0 {
		port := nat.Port(fmt.Sprintf("%d/tcp", opts.ContainerPort))
		cfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(opts.HostPort)}},
		}
		hostCfg.NetworkMode = "bridge"
	} else if d.cfg.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	} else {
		hostCfg.NetworkMode = "bridge"
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	log.Info().Str("container_id", resp.ID).Str("image", ref).Msg("container created")
	return resp.ID, nil
}

// StartContainer starts a created container.
func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", containerID, err)
	}
	log.Info().Str("container_id", containerID).Msg("container started")
	return nil
}

// ExecCommand runs argv inside a running container, streaming stdout as
// info-level lines and stderr as error-level lines, blocking up to timeout.
// Returns the command's exit code.
func (d *Driver) ExecCommand(ctx context.Context, containerID string, argv []string, timeout time.Duration, logf execution.LogFunc) (int, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	execID, attach, err := d.startExec(execCtx, containerID, argv)
	if err != nil {
		return 0, err
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		done <- copyLines(attach.Reader, logf)
	}()

	select {
	case err := <-done:
		if err != nil && execCtx.Err() == nil {
			return 0, fmt.Errorf("reading command output: %w", err)
		}
	case <-execCtx.Done():
		attach.Close()
		<-done
		return 0, fmt.Errorf("%w after %s: %v", execution.ErrCommandTimeout, timeout, argv)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return 0, fmt.Errorf("inspecting exec %s: %w", execID, err)
	}
	return inspect.ExitCode, nil
}

// ExecCommandAsync launches argv without waiting; output streams to logf
// for the lifetime of the process. Used for long-running server processes.
func (d *Driver) ExecCommandAsync(ctx context.Context, containerID string, argv []string, logf execution.LogFunc) {
	// The stream must outlive the calling drive.
	streamCtx := context.WithoutCancel(ctx)

	_, attach, err := d.startExec(streamCtx, containerID, argv)
	if err != nil {
		log.Error().Err(err).Str("container_id", containerID).Msg("async exec failed to start")
		logf(execution.LevelError, "failed to launch: "+err.Error())
		return
	}

	go func() {
		defer attach.Close()
		if err := copyLines(attach.Reader, logf); err != nil {
			log.Debug().Err(err).Str("container_id", containerID).Msg("async exec stream ended")
		}
	}()
}

func (d *Driver) startExec(ctx context.Context, containerID string, argv []string) (string, *attachedExec, error) {
	created, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   "/workspace",
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("creating exec in %s: %w", containerID, err)
	}

	resp, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", nil, fmt.Errorf("attaching exec %s: %w", created.ID, err)
	}

	return created.ID, &attachedExec{resp.Conn, resp.Reader}, nil
}

// attachedExec narrows a hijacked connection to what the driver needs.
type attachedExec struct {
	conn   io.Closer
	Reader io.Reader
}

func (a *attachedExec) Close() { _ = a.conn.Close() }

// copyLines demuxes the attached stream into per-line log callbacks and
// returns when the process's streams close.
func copyLines(r io.Reader, logf execution.LogFunc) error {
	stdout := newLineWriter(func(line string) { logf(execution.LevelInfo, line) })
	stderr := newLineWriter(func(line string) { logf(execution.LevelError, line) })
	_, err := stdcopy.StdCopy(stdout, stderr, r)
	stdout.Flush()
	stderr.Flush()
	return err
}

// StopContainer stops a container, best-effort. Errors are logged, never
// returned: cleanup must not block execution-state finalization.
func (d *Driver) StopContainer(ctx context.Context, containerID string) {
	seconds := int(d.cfg.StopTimeout.Seconds())
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("container stop failed")
		return
	}
	log.Info().Str("container_id", containerID).Msg("container stopped")
}

// RemoveContainer force-removes a container, best-effort.
func (d *Driver) RemoveContainer(ctx context.Context, containerID string) {
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		log.Warn().Err(err).Str("container_id", containerID).Msg("container remove failed")
		return
	}
	log.Info().Str("container_id", containerID).Msg("container removed")
}

// IsRunning reports whether the container is actually running; false on
// any inspection error.
func (d *Driver) IsRunning(ctx context.Context, containerID string) bool {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// ExitCode returns the container's exit code, or nil on inspection error.
func (d *Driver) ExitCode(ctx context.Context, containerID string) *int {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil || inspect.State == nil {
		return nil
	}
	code := inspect.State.ExitCode
	return &code
}

// Stats samples one-shot resource usage. Best-effort: zeros on failure.
func (d *Driver) Stats(ctx context.Context, containerID string) (cpuMS, memMB int64) {
	resp, err := d.cli.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return 0, 0
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0
	}

	cpuMS = int64(stats.CPUStats.CPUUsage.TotalUsage / 1e6)
	memMB = int64(stats.MemoryStats.Usage / (1 << 20))
	return cpuMS, memMB
}

// Close releases the underlying API client.
func (d *Driver) Close() error {
	return d.cli.Close()
}
