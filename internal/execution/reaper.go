package execution

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"launchbox/internal/monitor"
)

// ReaperSchedules are cron specs for the two sweeps.
type ReaperSchedules struct {
	Timeout string // e.g. "@every 1m"
	Orphan  string // e.g. "@every 5m"
}

// Reaper is the background reconciler: it retires RUNNING executions whose
// auto-stop deadline passed and executions whose container died without
// notice. It only observes and retires; it never creates containers or
// ports, and a failure on one execution never aborts the sweep for others.
type Reaper struct {
	store   Store
	driver  ContainerDriver
	ports   *PortAllocator
	pub     LogPublisher
	metrics *monitor.Metrics
	cron    *cron.Cron
}

func NewReaper(store Store, driver ContainerDriver, ports *PortAllocator, pub LogPublisher, metrics *monitor.Metrics) *Reaper {
	return &Reaper{
		store:   store,
		driver:  driver,
		ports:   ports,
		pub:     pub,
		metrics: metrics,
	}
}

// Start schedules both sweeps and returns immediately.
func (r *Reaper) Start(schedules ReaperSchedules) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(schedules.Timeout, func() {
		r.SweepExpired(context.Background())
	}); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(schedules.Orphan, func() {
		r.SweepOrphans(context.Background())
	}); err != nil {
		return err
	}
	r.cron.Start()
	log.Info().
		Str("timeout_sweep", schedules.Timeout).
		Str("orphan_sweep", schedules.Orphan).
		Msg("reaper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// SweepExpired auto-stops every RUNNING execution whose deadline has
// passed. Returns the number retired.
func (r *Reaper) SweepExpired(ctx context.Context) int {
	expired, err := r.store.FindExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("timeout sweep: query failed")
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	log.Info().Int("count", len(expired)).Msg("timeout sweep: found expired executions")

	retired := 0
	for i := range expired {
		exec := &expired[i]
		if r.retire(ctx, exec, StatusStopped, "auto-stopped after timeout") {
			r.pub.Publish(exec.ID, LevelInfo, "Execution auto-stopped: time budget exceeded")
			retired++
		}
	}
	r.metrics.ReaperRetired.WithLabelValues("timeout").Add(float64(retired))
	return retired
}

// SweepOrphans reconciles persisted RUNNING state against runtime-observed
// reality: an execution whose container is no longer actually running is
// marked FAILED and its port released. Returns the number retired.
func (r *Reaper) SweepOrphans(ctx context.Context) int {
	running, err := r.store.FindRunning(ctx)
	if err != nil {
		log.Error().Err(err).Msg("orphan sweep: query failed")
		return 0
	}

	retired := 0
	for i := range running {
		exec := &running[i]
		if exec.ContainerID == "" {
			continue
		}
		if r.driver.IsRunning(ctx, exec.ContainerID) {
			continue
		}

		log.Warn().
			Str("execution_id", exec.ID.String()).
			Str("container_id", exec.ContainerID).
			Msg("orphan sweep: container not running, marking execution failed")

		if r.retire(ctx, exec, StatusFailed, "container stopped unexpectedly") {
			r.pub.Publish(exec.ID, LevelError, "Container stopped unexpectedly")
			retired++
		}
	}
	if retired > 0 {
		r.metrics.ReaperRetired.WithLabelValues("orphan").Add(float64(retired))
	}
	return retired
}

// retire drives one execution to a terminal state with full resource
// cleanup. Returns false when another path already won the transition or
// persistence failed; either way the sweep moves on.
func (r *Reaper) retire(ctx context.Context, exec *Execution, status Status, reason string) bool {
	if exec.ContainerID != "" {
		exec.CPUUsageMS, exec.MemoryUsageMB = r.driver.Stats(ctx, exec.ContainerID)
		if r.driver.IsRunning(ctx, exec.ContainerID) {
			r.driver.StopContainer(ctx, exec.ContainerID)
		}
		r.driver.RemoveContainer(ctx, exec.ContainerID)
	}

	if exec.HostPort != 0 {
		r.ports.Release(exec.UserID, exec.HostPort)
		r.metrics.PortsLeased.Set(float64(r.ports.TotalLeased()))
	}

	now := time.Now().UTC()
	exec.Status = status
	exec.ErrorMessage = reason
	exec.CompletedAt = &now
	won, err := r.store.CompleteExecution(ctx, exec)
	if err != nil {
		log.Error().Err(err).Str("execution_id", exec.ID.String()).Msg("reaper: terminal update failed")
		return false
	}
	return won
}
