package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
)

type fakeIssuer struct{}

func (fakeIssuer) Issue(sess *persistence.Session) (string, error) {
	return "tok-test", nil
}

type execRecord struct {
	Cmd    []string
	Env    []string
	Detach bool
}

type fakeDocker struct {
	mu sync.Mutex

	inspectRunning bool
	inspectErr     error

	setupExit int

	created []string
	started []string
	stopped []string
	removed []string
	execs   []execRecord

	waitCh chan container.WaitResponse
	errCh  chan error
}

func newFakeDocker() *fakeDocker {
	return &fakeDocker{
		waitCh: make(chan container.WaitResponse, 1),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return container.InspectResponse{}, f.inspectErr
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			State: &container.State{Running: f.inspectRunning},
		},
	}, nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, net *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, name)
	return container.CreateResponse{ID: name}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeDocker) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return f.inspectErr
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(ctx context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execRecord{Cmd: opts.Cmd, Env: opts.Env, Detach: opts.Detach})
	return container.ExecCreateResponse{ID: "exec-1"}, nil
}

func (f *fakeDocker) ContainerExecStart(ctx context.Context, execID string, cfg container.ExecStartOptions) error {
	return nil
}

func (f *fakeDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return container.ExecInspect{Running: false, ExitCode: f.setupExit}, nil
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.waitCh, f.errCh
}

func (f *fakeDocker) execScripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.execs {
		out = append(out, strings.Join(e.Cmd, " "))
	}
	return out
}

func testContainerDriver(t *testing.T, api *fakeDocker) (*ContainerDriver, *persistence.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(t.TempDir()+"/relay.db", b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	drv := newContainerDriver(api, store, b, fakeIssuer{}, nil, ContainerDriverConfig{
		Image:        "example/sandbox:test",
		MemoryMB:     512,
		Network:      "bridge",
		AgentCommand: "/usr/local/bin/agent",
		Workdir:      "/workspace",
		RelayBaseURL: "http://relay.test",
	}, nil)
	drv.execPoll = time.Millisecond
	return drv, store, b
}

func TestContainerSpawnFresh(t *testing.T) {
	api := newFakeDocker()
	drv, store, _ := testContainerDriver(t, api)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	sess.GitSources = []persistence.GitSource{{Repo: "https://github.com/acme/widgets", Ref: "main"}}

	if err := drv.Spawn(context.Background(), sess); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if len(api.created) != 1 {
		t.Fatalf("created %d containers, want 1", len(api.created))
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContainerName != api.created[0] {
		t.Errorf("handle %q not stored, got %q", api.created[0], got.ContainerName)
	}

	scripts := api.execScripts()
	if len(scripts) != 2 {
		t.Fatalf("execs = %d, want setup + launch", len(scripts))
	}
	if !strings.Contains(scripts[0], "git clone") {
		t.Errorf("setup script missing clone: %q", scripts[0])
	}
	if !strings.Contains(scripts[1], "exec '/usr/local/bin/agent'") {
		t.Errorf("launch script = %q", scripts[1])
	}
	if !api.execs[1].Detach {
		t.Error("agent launch not detached")
	}
	for _, env := range api.execs[1].Env {
		if strings.HasPrefix(env, "RELAY_WS_URL=") && !strings.HasPrefix(env, "RELAY_WS_URL=ws://relay.test/ws/ingress/ses_") {
			t.Errorf("unexpected ws url: %s", env)
		}
	}
}

func TestContainerSpawnReusesStopped(t *testing.T) {
	api := newFakeDocker()
	drv, store, _ := testContainerDriver(t, api)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	if err := store.SetContainerName(context.Background(), sess.ID, "relay-existing"); err != nil {
		t.Fatal(err)
	}
	sess.ContainerName = "relay-existing"

	if err := drv.Spawn(context.Background(), sess); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if len(api.created) != 0 {
		t.Errorf("created %d containers for an existing handle", len(api.created))
	}
	if len(api.started) != 1 || api.started[0] != "relay-existing" {
		t.Errorf("started = %v, want the existing container", api.started)
	}
}

func TestContainerSpawnKillsStaleAgent(t *testing.T) {
	api := newFakeDocker()
	api.inspectRunning = true
	drv, store, _ := testContainerDriver(t, api)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	sess.ContainerName = "relay-existing"

	if err := drv.Spawn(context.Background(), sess); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	scripts := api.execScripts()
	if len(scripts) < 1 || !strings.Contains(scripts[0], "pkill") {
		t.Errorf("first exec should kill stale agent, got %v", scripts)
	}
	if len(api.started) != 0 {
		t.Error("running container should not be started again")
	}
}

func TestContainerSpawnHandleGone(t *testing.T) {
	api := newFakeDocker()
	api.inspectErr = cerrdefs.ErrNotFound
	drv, store, _ := testContainerDriver(t, api)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	sess.ContainerName = "relay-deleted"

	err := drv.Spawn(context.Background(), sess)
	if !errors.Is(err, ErrHandleGone) {
		t.Fatalf("err = %v, want ErrHandleGone", err)
	}
	if len(api.created) != 0 {
		t.Error("must not recreate a container under a vanished identity")
	}
	got, gerr := store.GetSession(context.Background(), sess.ID)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if got.Status != persistence.SessionFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestContainerSetupFailureAbortsLaunch(t *testing.T) {
	api := newFakeDocker()
	api.setupExit = 1
	drv, store, _ := testContainerDriver(t, api)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)

	if err := drv.Spawn(context.Background(), sess); err == nil {
		t.Fatal("expected setup failure")
	}
	for _, e := range api.execs {
		if e.Detach {
			t.Error("agent launched despite failed setup")
		}
	}
}

func TestContainerExitMapping(t *testing.T) {
	tests := []struct {
		code int64
		want persistence.SessionStatus
	}{
		{0, persistence.SessionCompleted},
		{137, persistence.SessionIdle},
		{143, persistence.SessionIdle},
		{2, persistence.SessionFailed},
	}
	for _, tt := range tests {
		api := newFakeDocker()
		drv, store, b := testContainerDriver(t, api)
		sess := newTestSession(t, store, persistence.EnvironmentDocker)
		if err := store.UpdateSessionStatus(context.Background(), sess.ID, persistence.SessionRunning); err != nil {
			t.Fatal(err)
		}

		sub := b.Subscribe(bus.TopicExecutorExit)
		api.waitCh <- container.WaitResponse{StatusCode: tt.code}
		drv.watchExit(sess.ID, "relay-x")

		got, err := store.GetSession(context.Background(), sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != tt.want {
			t.Errorf("exit %d: status = %s, want %s", tt.code, got.Status, tt.want)
		}
		select {
		case n := <-sub.Ch():
			exited, ok := n.Payload.(bus.ExecutorExited)
			if !ok || exited.ExitCode != int(tt.code) {
				t.Errorf("exit %d: payload = %+v", tt.code, n.Payload)
			}
		case <-time.After(time.Second):
			t.Errorf("exit %d: no executor exit notice", tt.code)
		}
		b.Unsubscribe(sub)
	}
}

func testExitMetrics(t *testing.T) (*otel.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := otel.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test"))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m, reader
}

// exitOutcomeCount reads the sandbox-exit counter for one outcome class.
func exitOutcomeCount(t *testing.T, reader *sdkmetric.ManualReader, outcome string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "relayd.sandbox.exits" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", met.Data)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(otel.AttrOutcome); ok && v.AsString() == outcome {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestContainerExitRecordsOutcome(t *testing.T) {
	api := newFakeDocker()
	drv, store, _ := testContainerDriver(t, api)
	m, reader := testExitMetrics(t)
	drv.metrics = m
	sess := newTestSession(t, store, persistence.EnvironmentDocker)

	api.waitCh <- container.WaitResponse{StatusCode: 143}
	drv.watchExit(sess.ID, "relay-x")

	if got := exitOutcomeCount(t, reader, string(persistence.SessionIdle)); got != 1 {
		t.Errorf("idle exits recorded = %d, want 1", got)
	}
}

func TestContainerStopRetainsHandle(t *testing.T) {
	api := newFakeDocker()
	drv, store, _ := testContainerDriver(t, api)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	if err := store.SetContainerName(context.Background(), sess.ID, "relay-existing"); err != nil {
		t.Fatal(err)
	}
	sess.ContainerName = "relay-existing"

	if err := drv.Stop(context.Background(), sess); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(api.stopped) != 1 {
		t.Fatalf("stopped = %v", api.stopped)
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContainerName != "relay-existing" {
		t.Errorf("handle cleared on stop: %q", got.ContainerName)
	}
}

func TestContainerRemoveClearsHandle(t *testing.T) {
	api := newFakeDocker()
	drv, store, _ := testContainerDriver(t, api)
	sess := newTestSession(t, store, persistence.EnvironmentDocker)
	if err := store.SetContainerName(context.Background(), sess.ID, "relay-existing"); err != nil {
		t.Fatal(err)
	}
	sess.ContainerName = "relay-existing"

	if err := drv.Remove(context.Background(), sess); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(api.removed) != 1 {
		t.Fatalf("removed = %v", api.removed)
	}
	got, err := store.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContainerName != "" {
		t.Errorf("handle not cleared: %q", got.ContainerName)
	}
}
