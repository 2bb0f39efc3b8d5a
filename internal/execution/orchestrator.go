package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"launchbox/internal/monitor"
)

// Options tune the orchestrator's drive behavior.
type Options struct {
	AutoStop         time.Duration // Wall-clock budget before the reaper stops a server
	ScriptRunTimeout time.Duration // Bounded wait for a script's run command
	OutputFlushDelay time.Duration // Grace period letting script output drain before inspection
	CleanupDelay     time.Duration // Pause before script container teardown
	AdvertisedHost   string        // Host baked into public URLs; empty auto-detects
}

// DefaultOptions mirror the production configuration defaults.
func DefaultOptions() Options {
	return Options{
		AutoStop:         time.Hour,
		ScriptRunTimeout: 60 * time.Second,
		OutputFlushDelay: 5 * time.Second,
		CleanupDelay:     2 * time.Second,
	}
}

// Orchestrator drives executions from request to terminal state. Start
// returns as soon as the PENDING record is durable; the drive itself runs
// on its own goroutine and reports failure only through the record.
type Orchestrator struct {
	store   Store
	blob    BlobStore
	driver  ContainerDriver
	ports   *PortAllocator
	pub     LogPublisher
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	opts    Options

	wg sync.WaitGroup
}

func NewOrchestrator(store Store, blob BlobStore, driver ContainerDriver, ports *PortAllocator, pub LogPublisher, metrics *monitor.Metrics, opts Options) *Orchestrator {
	return &Orchestrator{
		store:   store,
		blob:    blob,
		driver:  driver,
		ports:   ports,
		pub:     pub,
		metrics: metrics,
		tracer:  monitor.NewTracer(),
		opts:    opts,
	}
}

// Start creates a PENDING execution and begins driving it asynchronously.
// The returned record's id is queryable the instant Start returns. Only
// validation and the fail-fast quota check surface to the caller.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !o.ports.CanAllocateMore(req.UserID) {
		return nil, fmt.Errorf("%w: stop one container first", ErrQuotaExceeded)
	}

	exec := &Execution{
		ID:          uuid.New(),
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Language:    req.Language,
		ProjectType: TypeScript,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution record: %w", err)
	}

	log.Info().
		Str("execution_id", exec.ID.String()).
		Str("project_id", exec.ProjectID.String()).
		Str("language", string(exec.Language)).
		Msg("execution accepted")

	o.wg.Add(1)
	go o.drive(exec.ID)

	return exec, nil
}

// drive runs the full lifecycle of one execution. Every failure inside it
// becomes terminal-state information on the record, never a caller-facing
// error.
func (o *Orchestrator) drive(id uuid.UUID) {
	defer o.wg.Done()

	ctx, span := o.tracer.StartSpan(context.Background(), "drive", monitor.AttrExecID.String(id.String()))
	defer span.End()

	o.metrics.ActiveDrives.Inc()
	defer o.metrics.ActiveDrives.Dec()

	exec, err := o.store.GetExecution(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("execution_id", id.String()).Msg("drive aborted: record unreadable")
		return
	}

	logger := log.With().
		Str("execution_id", exec.ID.String()).
		Str("language", string(exec.Language)).
		Logger()

	start := time.Now()
	driveErr := o.runDrive(ctx, exec)

	if driveErr != nil && errors.Is(driveErr, ErrAlreadyTerminal) {
		// A stop or sweep won the terminal transition mid-drive. The
		// record keeps its terminal status; only tear down whatever
		// this drive materialized before losing.
		logger.Info().Msg("drive superseded by terminal transition")
		o.cleanup(ctx, exec)
		return
	}

	if driveErr != nil {
		logger.Error().Err(driveErr).Msg("drive failed")
		o.pub.Publish(exec.ID, LevelError, "Execution error: "+driveErr.Error())

		now := time.Now().UTC()
		exec.Status = StatusFailed
		exec.ErrorMessage = driveErr.Error()
		exec.CompletedAt = &now
		if exec.ContainerID != "" {
			exec.CPUUsageMS, exec.MemoryUsageMB = o.driver.Stats(ctx, exec.ContainerID)
		}
		if _, err := o.store.CompleteExecution(ctx, exec); err != nil {
			logger.Error().Err(err).Msg("failed to persist FAILED status")
		}
	}

	// Script containers and every failed drive tear down here; a healthy
	// server keeps its container and port until stopped or reaped.
	if exec.ProjectType == TypeScript || driveErr != nil {
		o.cleanup(ctx, exec)
	}

	o.metrics.RecordExecution(string(exec.Language), string(exec.Status), time.Since(start).Seconds())
	logger.Info().Str("status", string(exec.Status)).Msg("drive finished")
}

func (o *Orchestrator) runDrive(ctx context.Context, exec *Execution) error {
	now := time.Now().UTC()
	autoStop := now.Add(o.opts.AutoStop)
	exec.Status = StatusRunning
	exec.StartedAt = &now
	exec.AutoStopAt = &autoStop
	if err := o.persistTransient(ctx, exec, "mark_running"); err != nil {
		return err
	}

	o.pub.Publish(exec.ID, LevelInfo, "Starting execution...")

	workdir, err := o.blob.Fetch(ctx, exec.ProjectID)
	if err != nil {
		return &DriveError{ExecID: exec.ID, Op: "fetch_project", Err: err}
	}
	o.pub.Publish(exec.ID, LevelInfo, "Project files downloaded")

	exec.ProjectType = DetectProjectType(workdir, exec.Language)
	o.pub.Publish(exec.ID, LevelInfo, "Project type detected: "+string(exec.ProjectType))

	env := MergedEnv(workdir)
	env["NODE_ENV"] = "production"
	env["PYTHONUNBUFFERED"] = "1"

	if exec.ProjectType == TypeServer {
		containerPort := ResolvePort(workdir, exec.Language)
		hostPort, err := o.ports.Allocate(exec.UserID, containerPort)
		if err != nil {
			return &DriveError{ExecID: exec.ID, Op: "allocate_port", Err: err}
		}
		o.metrics.PortsLeased.Set(float64(o.ports.TotalLeased()))

		exec.ContainerPort = containerPort
		exec.HostPort = hostPort
		exec.PublicURL = fmt.Sprintf("http://%s:%d", o.advertisedHost(), hostPort)
		env["PORT"] = fmt.Sprintf("%d", containerPort)

		o.pub.Publish(exec.ID, LevelInfo, fmt.Sprintf("Port mapping: localhost:%d -> container:%d", hostPort, containerPort))
		o.pub.Publish(exec.ID, LevelInfo, "Access your application at: "+exec.PublicURL)
	}

	if err := o.persistTransient(ctx, exec, "persist_ports"); err != nil {
		return err
	}

	if err := o.driver.EnsureImage(ctx, exec.Language); err != nil {
		return &DriveError{ExecID: exec.ID, Op: "ensure_image", Err: err}
	}

	containerID, err := o.driver.CreateContainer(ctx, CreateOptions{
		Name:          "launchbox-" + exec.ID.String(),
		Language:      exec.Language,
		WorkspaceDir:  workdir,
		Env:           env,
		HostPort:      exec.HostPort,
		ContainerPort: exec.ContainerPort,
		Server:        exec.ProjectType == TypeServer,
	})
	if err != nil {
		return &DriveError{ExecID: exec.ID, Op: "create_container", Err: err}
	}
	exec.ContainerID = containerID
	if err := o.persistTransient(ctx, exec, "persist_container"); err != nil {
		return err
	}

	if err := o.driver.StartContainer(ctx, containerID); err != nil {
		return &DriveError{ExecID: exec.ID, Op: "start_container", Err: err}
	}
	o.pub.Publish(exec.ID, LevelInfo, "Container started: "+containerID)

	if setup, ok := SetupCommand(exec.Language); ok {
		o.pub.Publish(exec.ID, LevelInfo, "Installing dependencies...")
		if _, err := o.driver.ExecCommand(ctx, containerID, setup.Argv, setup.Timeout, o.logf(exec.ID)); err != nil {
			return &DriveError{ExecID: exec.ID, Op: "setup", Err: err}
		}
	}

	run, err := RunCommand(workdir, exec.Language, exec.ProjectType, exec.ContainerPort, o.opts.ScriptRunTimeout)
	if err != nil {
		return &DriveError{ExecID: exec.ID, Op: "resolve_entry", Err: err}
	}
	o.pub.Publish(exec.ID, LevelInfo, "Running application...")

	if exec.ProjectType == TypeServer {
		o.driver.ExecCommandAsync(ctx, containerID, run.Argv, o.logf(exec.ID))
		o.pub.Publish(exec.ID, LevelInfo, fmt.Sprintf("Server is running. It will auto-stop after %s", o.opts.AutoStop))
		// Status stays RUNNING; the user or the reaper decides the terminal state.
		return nil
	}

	exitCode, err := o.driver.ExecCommand(ctx, containerID, run.Argv, run.Timeout, o.logf(exec.ID))
	if err != nil {
		return &DriveError{ExecID: exec.ID, Op: "run", Err: err}
	}

	// Let trailing output reach the publisher before the verdict.
	if o.opts.OutputFlushDelay > 0 {
		time.Sleep(o.opts.OutputFlushDelay)
	}

	completed := time.Now().UTC()
	exec.ExitCode = &exitCode
	exec.CompletedAt = &completed
	exec.CPUUsageMS, exec.MemoryUsageMB = o.driver.Stats(ctx, containerID)
	if exitCode == 0 {
		exec.Status = StatusSuccess
		o.pub.Publish(exec.ID, LevelInfo, "Script execution completed successfully")
	} else {
		exec.Status = StatusFailed
		exec.ErrorMessage = fmt.Sprintf("script exited with code %d", exitCode)
		o.pub.Publish(exec.ID, LevelError, fmt.Sprintf("Script execution failed with exit code: %d", exitCode))
	}

	if _, err := o.store.CompleteExecution(ctx, exec); err != nil {
		return &DriveError{ExecID: exec.ID, Op: "persist_result", Err: err}
	}
	return nil
}

// persistTransient writes the record's mutable fields, mapping a lost
// status guard to ErrAlreadyTerminal so the drive aborts before touching
// the container runtime again.
func (o *Orchestrator) persistTransient(ctx context.Context, exec *Execution, op string) error {
	won, err := o.store.UpdateExecution(ctx, exec)
	if err != nil {
		return &DriveError{ExecID: exec.ID, Op: op, Err: err}
	}
	if !won {
		return &DriveError{ExecID: exec.ID, Op: op, Err: ErrAlreadyTerminal}
	}
	return nil
}

// cleanup tears down whatever the drive materialized. Every operation here
// is idempotent and best-effort; cleanup failures never block the record
// from staying terminal.
func (o *Orchestrator) cleanup(ctx context.Context, exec *Execution) {
	if o.opts.CleanupDelay > 0 {
		time.Sleep(o.opts.CleanupDelay)
	}

	if exec.ContainerID != "" {
		o.driver.StopContainer(ctx, exec.ContainerID)
		o.driver.RemoveContainer(ctx, exec.ContainerID)
	}
	if exec.HostPort != 0 {
		o.ports.Release(exec.UserID, exec.HostPort)
		o.metrics.PortsLeased.Set(float64(o.ports.TotalLeased()))
	}
	if err := o.blob.Purge(ctx, exec.ProjectID); err != nil {
		log.Warn().Err(err).Str("execution_id", exec.ID.String()).Msg("workspace purge failed")
	}
	o.pub.Publish(exec.ID, LevelInfo, "Container cleaned up")
}

// Stop authorizes the caller, transitions the execution to STOPPED and
// releases its resources. A missing or already-stopped container is not an
// error, and a concurrent reaper sweep races benignly: whichever side wins
// the conditional terminal update emits the final log line.
func (o *Orchestrator) Stop(ctx context.Context, executionID, userID uuid.UUID) error {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.UserID != userID {
		return ErrUnauthorized
	}

	if exec.ContainerID != "" {
		exec.CPUUsageMS, exec.MemoryUsageMB = o.driver.Stats(ctx, exec.ContainerID)
		o.driver.StopContainer(ctx, exec.ContainerID)
		o.driver.RemoveContainer(ctx, exec.ContainerID)
	}
	if exec.HostPort != 0 {
		o.ports.Release(userID, exec.HostPort)
		o.metrics.PortsLeased.Set(float64(o.ports.TotalLeased()))
	}

	now := time.Now().UTC()
	exec.Status = StatusStopped
	exec.CompletedAt = &now
	won, err := o.store.CompleteExecution(ctx, exec)
	if err != nil {
		return fmt.Errorf("stopping execution %s: %w", executionID, err)
	}
	if won {
		o.pub.Publish(executionID, LevelInfo, "Execution stopped by user")
		o.metrics.RecordExecution(string(exec.Language), string(StatusStopped), 0)
	}
	return nil
}

// Get returns an execution, enforcing ownership.
func (o *Orchestrator) Get(ctx context.Context, executionID, userID uuid.UUID) (*Execution, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != userID {
		return nil, ErrUnauthorized
	}
	return exec, nil
}

// ListByProject returns the caller's executions for one project.
func (o *Orchestrator) ListByProject(ctx context.Context, projectID, userID uuid.UUID) ([]Execution, error) {
	execs, err := o.store.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	owned := execs[:0]
	for _, e := range execs {
		if e.UserID == userID {
			owned = append(owned, e)
		}
	}
	return owned, nil
}

// ListRunning returns the caller's currently RUNNING executions.
func (o *Orchestrator) ListRunning(ctx context.Context, userID uuid.UUID) ([]Execution, error) {
	return o.store.ListRunningByUser(ctx, userID)
}

// Logs returns an execution's persisted log lines in publish order.
func (o *Orchestrator) Logs(ctx context.Context, executionID, userID uuid.UUID) ([]LogLine, error) {
	if _, err := o.Get(ctx, executionID, userID); err != nil {
		return nil, err
	}
	return o.store.ListLogs(ctx, executionID)
}

// Wait blocks until every in-flight drive has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown waits up to the context deadline for in-flight drives to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// logf adapts the publisher into the driver's per-line callback.
func (o *Orchestrator) logf(executionID uuid.UUID) LogFunc {
	return func(level LogLevel, line string) {
		o.pub.Publish(executionID, level, line)
	}
}

func (o *Orchestrator) advertisedHost() string {
	if o.opts.AdvertisedHost != "" {
		return o.opts.AdvertisedHost
	}
	return localIP()
}

// localIP finds a non-loopback address for building public URLs.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return "localhost"
}
