package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"launchbox/internal/monitor"
)

type testHarness struct {
	store  *fakeStore
	blob   *fakeBlob
	driver *fakeDriver
	ports  *PortAllocator
	pub    *fakePublisher
	orch   *Orchestrator
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	h := &testHarness{
		store:  newFakeStore(),
		blob:   &fakeBlob{dir: t.TempDir()},
		driver: newFakeDriver(),
		ports:  NewPortAllocator(3000, 3100, 5),
		pub:    &fakePublisher{},
	}
	h.orch = NewOrchestrator(h.store, h.blob, h.driver, h.ports, h.pub, monitor.NewMetrics(), fastOptions())
	return h
}

// startAndWait runs one full drive synchronously.
func (h *testHarness) startAndWait(t *testing.T, req StartRequest) *Execution {
	t.Helper()
	exec, err := h.orch.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exec.Status != StatusPending {
		t.Errorf("initial status = %s, want PENDING", exec.Status)
	}
	h.orch.Wait()
	return h.store.get(exec.ID)
}

func nodeScriptRequest() StartRequest {
	return StartRequest{ProjectID: uuid.New(), UserID: uuid.New(), Language: LangNodeJS}
}

func TestScriptDriveSuccess(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "index.js", "console.log('hi')")
	h.driver.execOutput = []string{"hi"}

	final := h.startAndWait(t, nodeScriptRequest())

	if final.Status != StatusSuccess {
		t.Fatalf("status = %s, want SUCCESS (logs: %s)", final.Status, h.pub.dump())
	}
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", final.ExitCode)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if final.ProjectType != TypeScript {
		t.Errorf("project type = %s, want SCRIPT", final.ProjectType)
	}

	// Script containers tear down after the run.
	if h.driver.stopCount() != 1 {
		t.Errorf("stop count = %d, want 1", h.driver.stopCount())
	}
	if len(h.blob.purged) != 1 {
		t.Errorf("purge count = %d, want 1", len(h.blob.purged))
	}

	for _, msg := range []string{
		"Starting execution...",
		"Project files downloaded",
		"Running application...",
		"Script execution completed successfully",
	} {
		if !h.pub.contains(msg) {
			t.Errorf("missing log line %q in %s", msg, h.pub.dump())
		}
	}
}

func TestScriptDriveNonZeroExit(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "index.js", "process.exit(3)")
	h.driver.execExit = 3

	final := h.startAndWait(t, nodeScriptRequest())

	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if final.ExitCode == nil || *final.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", final.ExitCode)
	}
	if !h.pub.contains("Script execution failed with exit code: 3") {
		t.Errorf("missing failure log line in %s", h.pub.dump())
	}
}

func TestServerDriveStaysRunning(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "package.json", `{"scripts":{"start":"node server.js"},"dependencies":{"express":"4"}}`)
	writeFile(t, h.blob.dir, "server.js", "")

	req := nodeScriptRequest()
	final := h.startAndWait(t, req)

	if final.Status != StatusRunning {
		t.Fatalf("status = %s, want RUNNING (logs: %s)", final.Status, h.pub.dump())
	}
	if final.ProjectType != TypeServer {
		t.Errorf("project type = %s, want SERVER", final.ProjectType)
	}
	if final.HostPort < 3000 || final.HostPort > 3100 {
		t.Errorf("host port = %d, want in range", final.HostPort)
	}
	if final.ContainerPort != 3000 {
		t.Errorf("container port = %d, want node default 3000", final.ContainerPort)
	}
	if want := "http://testhost:"; !strings.HasPrefix(final.PublicURL, want) {
		t.Errorf("public URL = %q, want prefix %q", final.PublicURL, want)
	}
	if final.AutoStopAt == nil {
		t.Error("AutoStopAt not set")
	}

	// Server containers survive the drive.
	if h.driver.stopCount() != 0 {
		t.Errorf("stop count = %d, want 0", h.driver.stopCount())
	}
	if got := h.ports.LeaseCount(req.UserID); got != 1 {
		t.Errorf("lease count = %d, want 1", got)
	}
	if len(h.driver.asyncs) != 1 {
		t.Errorf("async exec count = %d, want 1", len(h.driver.asyncs))
	}
	if !h.pub.contains("Access your application at: " + final.PublicURL) {
		t.Errorf("missing access log line in %s", h.pub.dump())
	}
}

func TestDriveFetchFailure(t *testing.T) {
	h := newHarness(t)
	h.blob.fetchErr = errors.New("bucket unreachable")

	final := h.startAndWait(t, nodeScriptRequest())

	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "fetch_project") {
		t.Errorf("error message = %q, want fetch_project step named", final.ErrorMessage)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set on failure")
	}
}

func TestDriveNoEntryPoint(t *testing.T) {
	h := newHarness(t)
	// Empty workspace: nothing runnable for a node script.

	final := h.startAndWait(t, nodeScriptRequest())

	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "no entry point") {
		t.Errorf("error message = %q, want entry-point failure", final.ErrorMessage)
	}
}

func TestFailedServerDriveReleasesPort(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "package.json", `{"dependencies":{"express":"4"}}`)
	// No server.js or index.js: entry resolution fails after the port lease.

	req := nodeScriptRequest()
	final := h.startAndWait(t, req)

	if final.Status != StatusFailed {
		t.Fatalf("status = %s, want FAILED", final.Status)
	}
	if got := h.ports.LeaseCount(req.UserID); got != 0 {
		t.Errorf("lease count = %d, want 0 after failed drive", got)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  StartRequest
	}{
		{"nil project", StartRequest{UserID: uuid.New(), Language: LangNodeJS}},
		{"nil user", StartRequest{ProjectID: uuid.New(), Language: LangNodeJS}},
		{"bad language", StartRequest{ProjectID: uuid.New(), UserID: uuid.New(), Language: "RUBY"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.orch.Start(context.Background(), tt.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStartQuotaFailFast(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	for i := 0; i < 5; i++ {
		if _, err := h.ports.Allocate(user, 0); err != nil {
			t.Fatal(err)
		}
	}

	_, err := h.orch.Start(context.Background(), StartRequest{
		ProjectID: uuid.New(), UserID: user, Language: LangNodeJS,
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestStopServer(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "server.js", "")
	writeFile(t, h.blob.dir, "package.json", `{"dependencies":{"express":"4"}}`)

	req := nodeScriptRequest()
	running := h.startAndWait(t, req)
	if running.Status != StatusRunning {
		t.Fatalf("precondition: status = %s", running.Status)
	}

	if err := h.orch.Stop(context.Background(), running.ID, req.UserID); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	final := h.store.get(running.ID)
	if final.Status != StatusStopped {
		t.Errorf("status = %s, want STOPPED", final.Status)
	}
	if got := h.ports.LeaseCount(req.UserID); got != 0 {
		t.Errorf("lease count = %d, want 0", got)
	}
	if h.driver.stopCount() != 1 {
		t.Errorf("stop count = %d, want 1", h.driver.stopCount())
	}
	if !h.pub.contains("Execution stopped by user") {
		t.Errorf("missing stop log line in %s", h.pub.dump())
	}
}

func TestStopIdempotent(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "server.js", "")
	writeFile(t, h.blob.dir, "package.json", `{"dependencies":{"express":"4"}}`)

	req := nodeScriptRequest()
	running := h.startAndWait(t, req)

	if err := h.orch.Stop(context.Background(), running.ID, req.UserID); err != nil {
		t.Fatal(err)
	}
	// A second stop is a no-op, not an error, and the terminal status holds.
	if err := h.orch.Stop(context.Background(), running.ID, req.UserID); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := h.store.get(running.ID).Status; got != StatusStopped {
		t.Errorf("status = %s, want STOPPED", got)
	}
}

// A stop that lands while the drive is still PENDING must stay terminal:
// the drive's mark-RUNNING write loses the status guard, aborts, and never
// creates a container.
func TestStopWhilePendingAbortsDrive(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "index.js", "console.log('hi')")

	stopCommitted := make(chan struct{})
	var once sync.Once
	h.store.beforeUpdate = func(_ *Execution) {
		once.Do(func() { <-stopCommitted })
	}

	req := nodeScriptRequest()
	exec, err := h.orch.Start(context.Background(), req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.orch.Stop(context.Background(), exec.ID, req.UserID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(stopCommitted)
	h.orch.Wait()

	final := h.store.get(exec.ID)
	if final.Status != StatusStopped {
		t.Fatalf("status = %s, want STOPPED to survive the racing drive", final.Status)
	}
	if n := len(h.driver.created); n != 0 {
		t.Errorf("containers created after stop = %d, want 0", n)
	}
}

func TestStopOwnership(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "index.js", "")

	req := nodeScriptRequest()
	final := h.startAndWait(t, req)

	err := h.orch.Stop(context.Background(), final.ID, uuid.New())
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestGetAndLogsOwnership(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "index.js", "")

	req := nodeScriptRequest()
	final := h.startAndWait(t, req)

	if _, err := h.orch.Get(context.Background(), final.ID, req.UserID); err != nil {
		t.Errorf("owner Get: %v", err)
	}
	if _, err := h.orch.Get(context.Background(), final.ID, uuid.New()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger Get err = %v, want ErrUnauthorized", err)
	}
	if _, err := h.orch.Logs(context.Background(), final.ID, uuid.New()); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("stranger Logs err = %v, want ErrUnauthorized", err)
	}
	if _, err := h.orch.Get(context.Background(), uuid.New(), req.UserID); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing Get err = %v, want ErrNotFound", err)
	}
}

func TestListByProjectFiltersOwnership(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "index.js", "")

	projectID := uuid.New()
	mine := StartRequest{ProjectID: projectID, UserID: uuid.New(), Language: LangNodeJS}
	theirs := StartRequest{ProjectID: projectID, UserID: uuid.New(), Language: LangNodeJS}

	h.startAndWait(t, mine)
	h.startAndWait(t, theirs)

	execs, err := h.orch.ListByProject(context.Background(), projectID, mine.UserID)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	if execs[0].UserID != mine.UserID {
		t.Errorf("returned another user's execution")
	}
}

func TestServerPortFromEnvFile(t *testing.T) {
	h := newHarness(t)
	writeFile(t, h.blob.dir, "server.js", "")
	writeFile(t, h.blob.dir, "package.json", `{"dependencies":{"express":"4"}}`)
	writeFile(t, h.blob.dir, ".env", "PORT=3042\n")

	final := h.startAndWait(t, nodeScriptRequest())

	if final.ContainerPort != 3042 {
		t.Errorf("container port = %d, want 3042 from .env", final.ContainerPort)
	}
	// In-range declared port doubles as the preferred host port.
	if final.HostPort != 3042 {
		t.Errorf("host port = %d, want preferred 3042", final.HostPort)
	}

	if len(h.driver.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(h.driver.created))
	}
	opts := h.driver.created[0]
	if opts.Env["PORT"] != "3042" {
		t.Errorf("container env PORT = %q, want 3042", opts.Env["PORT"])
	}
	if !opts.Server {
		t.Error("CreateOptions.Server = false, want true")
	}
}
