package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeStore is an in-memory Store with the same terminal-once semantics
// as the SQL implementation.
type fakeStore struct {
	mu    sync.Mutex
	execs map[uuid.UUID]*Execution
	logs  map[uuid.UUID][]LogLine

	failCreate bool
	failUpdate bool

	// beforeUpdate, when set, runs before UpdateExecution takes the lock.
	// Race tests use it to hold a drive's write until another path commits.
	beforeUpdate func(exec *Execution)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		execs: make(map[uuid.UUID]*Execution),
		logs:  make(map[uuid.UUID][]LogLine),
	}
}

func (s *fakeStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate {
		return errors.New("create failed")
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return nil
}

func (s *fakeStore) GetExecution(_ context.Context, id uuid.UUID) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *exec
	return &cp, nil
}

func (s *fakeStore) UpdateExecution(_ context.Context, exec *Execution) (bool, error) {
	if s.beforeUpdate != nil {
		s.beforeUpdate(exec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpdate {
		return false, errors.New("update failed")
	}
	current, ok := s.execs[exec.ID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status.Terminal() {
		return false, nil
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return true, nil
}

func (s *fakeStore) CompleteExecution(_ context.Context, exec *Execution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.execs[exec.ID]
	if !ok {
		return false, ErrNotFound
	}
	if current.Status.Terminal() {
		return false, nil
	}
	cp := *exec
	s.execs[exec.ID] = &cp
	return true, nil
}

func (s *fakeStore) ListByProject(_ context.Context, projectID uuid.UUID) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, e := range s.execs {
		if e.ProjectID == projectID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) ListRunningByUser(_ context.Context, userID uuid.UUID) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, e := range s.execs {
		if e.UserID == userID && e.Status == StatusRunning {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) FindExpired(_ context.Context, now time.Time) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, e := range s.execs {
		if e.Status == StatusRunning && e.AutoStopAt != nil && e.AutoStopAt.Before(now) {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) FindRunning(_ context.Context) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, e := range s.execs {
		if e.Status == StatusRunning {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (s *fakeStore) ListLogs(_ context.Context, executionID uuid.UUID) ([]LogLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogLine(nil), s.logs[executionID]...), nil
}

func (s *fakeStore) get(id uuid.UUID) *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.execs[id]
	return &cp
}

// fakeBlob serves a fixed workspace directory.
type fakeBlob struct {
	mu       sync.Mutex
	dir      string
	fetchErr error
	purged   []uuid.UUID
}

func (b *fakeBlob) Fetch(_ context.Context, _ uuid.UUID) (string, error) {
	if b.fetchErr != nil {
		return "", b.fetchErr
	}
	return b.dir, nil
}

func (b *fakeBlob) Purge(_ context.Context, projectID uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purged = append(b.purged, projectID)
	return nil
}

// fakeDriver records container lifecycle calls and scripts their outcomes.
type fakeDriver struct {
	mu sync.Mutex

	createErr   error
	startErr    error
	execErr     error
	execExit    int
	execOutput  []string
	running     map[string]bool
	statsCPU    int64
	statsMem    int64
	containerID string

	created []CreateOptions
	execs   [][]string
	asyncs  [][]string
	stopped []string
	removed []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		containerID: "container-1",
		running:     make(map[string]bool),
	}
}

func (d *fakeDriver) EnsureImage(_ context.Context, _ Language) error { return nil }

func (d *fakeDriver) CreateContainer(_ context.Context, opts CreateOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return "", d.createErr
	}
	d.created = append(d.created, opts)
	d.running[d.containerID] = true
	return d.containerID, nil
}

func (d *fakeDriver) StartContainer(_ context.Context, _ string) error {
	return d.startErr
}

func (d *fakeDriver) ExecCommand(_ context.Context, _ string, argv []string, _ time.Duration, logf LogFunc) (int, error) {
	d.mu.Lock()
	d.execs = append(d.execs, argv)
	out := append([]string(nil), d.execOutput...)
	err := d.execErr
	exit := d.execExit
	d.mu.Unlock()

	if err != nil {
		return 0, err
	}
	for _, line := range out {
		logf(LevelInfo, line)
	}
	return exit, nil
}

func (d *fakeDriver) ExecCommandAsync(_ context.Context, _ string, argv []string, _ LogFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asyncs = append(d.asyncs, argv)
}

func (d *fakeDriver) StopContainer(_ context.Context, containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, containerID)
	d.running[containerID] = false
}

func (d *fakeDriver) RemoveContainer(_ context.Context, containerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, containerID)
}

func (d *fakeDriver) IsRunning(_ context.Context, containerID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running[containerID]
}

func (d *fakeDriver) ExitCode(_ context.Context, _ string) *int {
	code := d.execExit
	return &code
}

func (d *fakeDriver) Stats(_ context.Context, _ string) (int64, int64) {
	return d.statsCPU, d.statsMem
}

func (d *fakeDriver) stopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stopped)
}

// fakePublisher collects published lines.
type fakePublisher struct {
	mu    sync.Mutex
	lines []LogLine
}

func (p *fakePublisher) Publish(executionID uuid.UUID, level LogLevel, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, LogLine{
		ExecutionID: executionID,
		Level:       level,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	})
}

func (p *fakePublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.lines))
	for _, l := range p.lines {
		out = append(out, l.Message)
	}
	return out
}

func (p *fakePublisher) contains(msg string) bool {
	for _, m := range p.messages() {
		if m == msg {
			return true
		}
	}
	return false
}

func (p *fakePublisher) dump() string {
	return fmt.Sprintf("%v", p.messages())
}

// fastOptions removes the sleeps that pace production drives.
func fastOptions() Options {
	opts := DefaultOptions()
	opts.OutputFlushDelay = 0
	opts.CleanupDelay = 0
	opts.AdvertisedHost = "testhost"
	return opts
}
