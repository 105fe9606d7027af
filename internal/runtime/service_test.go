package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenhq/aiden/internal/bus"
	"github.com/aidenhq/aiden/internal/common/config"
	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

// fakeFabric records every call in order and fails where told to.
type fakeFabric struct {
	mu    sync.Mutex
	calls []string

	failCreateTargetGroup bool
	failCreateService     bool
	failForceRedeploy     bool
	failDeletes           bool

	revision          int
	activeDeployments int // ActiveDeployment reports draining this many times
}

func (f *fakeFabric) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeFabric) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeFabric) countCalls(prefix string) int {
	n := 0
	for _, c := range f.callList() {
		if c == prefix {
			n++
		}
	}
	return n
}

func (f *fakeFabric) CreateTargetGroup(ctx context.Context, name string) (string, error) {
	f.record("create_target_group")
	if f.failCreateTargetGroup {
		return "", errors.New("target group refused")
	}
	return "tg/" + name, nil
}

func (f *fakeFabric) CreateListenerRules(ctx context.Context, host, tg string, priority int) (string, string, error) {
	f.record(fmt.Sprintf("create_rules:%d", priority))
	return "rule/http/" + host, "rule/https/" + host, nil
}

func (f *fakeFabric) CreateService(ctx context.Context, name, tg string) (string, error) {
	f.record("create_service")
	if f.failCreateService {
		return "", errors.New("service refused")
	}
	return "svc/" + name, nil
}

func (f *fakeFabric) LatestTaskDefinitionRevision(ctx context.Context) (int, error) {
	f.record("latest_revision")
	return f.revision, nil
}

func (f *fakeFabric) ForceRedeploy(ctx context.Context, serviceName string, revision int) error {
	f.record(fmt.Sprintf("force_redeploy:%d", revision))
	if f.failForceRedeploy {
		return errors.New("redeploy refused")
	}
	return nil
}

func (f *fakeFabric) ActiveDeployment(ctx context.Context, serviceName string) (string, error) {
	f.record("active_deployment")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activeDeployments > 0 {
		f.activeDeployments--
		return "deploy-old", nil
	}
	return "", nil
}

func (f *fakeFabric) DeleteRule(ctx context.Context, handle string) error {
	f.record("delete_rule:" + handle)
	if f.failDeletes {
		return errors.New("delete refused")
	}
	return nil
}

func (f *fakeFabric) DeleteTargetGroup(ctx context.Context, handle string) error {
	f.record("delete_target_group")
	if f.failDeletes {
		return errors.New("delete refused")
	}
	return nil
}

func (f *fakeFabric) DeleteService(ctx context.Context, name string) error {
	f.record("delete_service")
	if f.failDeletes {
		return errors.New("delete refused")
	}
	return nil
}

func (f *fakeFabric) WaitServicesInactive(ctx context.Context, name string) error {
	f.record("wait_services_inactive")
	return nil
}

// fakeProbe fails a configurable number of times per endpoint before
// succeeding. A negative count never succeeds.
type fakeProbe struct {
	mu                     sync.Mutex
	pingFailures           int
	controllerPingFailures int
}

func (p *fakeProbe) fail(counter *int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *counter < 0 {
		return errors.New("unreachable")
	}
	if *counter > 0 {
		*counter--
		return errors.New("not yet")
	}
	return nil
}

func (p *fakeProbe) Ping(ctx context.Context, baseURL string) error {
	return p.fail(&p.pingFailures)
}

func (p *fakeProbe) ControllerPing(ctx context.Context, baseURL string) error {
	return p.fail(&p.controllerPingFailures)
}

func testFabricConfig() config.FabricConfig {
	return config.FabricConfig{
		VPCID:                "vpc-test",
		HTTPListenerARN:      "http-listener",
		HTTPSListenerARN:     "https-listener",
		Cluster:              "test-cluster",
		TaskDefinitionFamily: "test-agent-runtime",
		HostDomain:           "aiden.test",
		SubdomainTemplate:    "runtime-%d",
		TargetGroupPrefix:    "test-tg",
		ServicePrefix:        "test-runtime",
	}
}

func newTestService(t *testing.T, fab *fakeFabric, probe Probe) (*Service, *tasks.Engine, *store.Store) {
	t.Helper()
	st, err := store.OpenSQLiteInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := tasks.New(bus.NewMemory(logger.Default()), st, 4, nil, logger.Default())
	polls := Polls{Interval: time.Millisecond, Budget: 3}
	svc := NewService(st, fab, probe, engine,
		testFabricConfig(), config.PoolConfig{IdleSize: 1, Increment: 2}, polls, nil, logger.Default())

	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return svc, engine, st
}

func waitForStatus(t *testing.T, engine *tasks.Engine, taskID string, want v1.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, _, err := engine.Status(context.Background(), taskID)
		return err == nil && status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
}

func TestCreateHappyPath(t *testing.T) {
	fab := &fakeFabric{}
	probe := &fakeProbe{controllerPingFailures: 2} // up on the third attempt
	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	created, err := svc.Create(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, created.Runtime.ServiceNo)
	assert.Equal(t, "https://runtime-1.aiden.test", created.Runtime.URL)
	assert.False(t, created.Runtime.Started, "row is visible before provisioning converges")

	waitForStatus(t, engine, created.TaskID, v1.TaskSuccess)

	rt, err := st.GetRuntime(ctx, created.Runtime.ID)
	require.NoError(t, err)
	assert.True(t, rt.Started)
	require.NotNil(t, rt.TargetGroupHandle)
	require.NotNil(t, rt.HTTPRuleHandle)
	require.NotNil(t, rt.HTTPSRuleHandle)
	require.NotNil(t, rt.ServiceHandle)
	assert.Equal(t, "tg/test-tg-1", *rt.TargetGroupHandle)
	assert.Equal(t, "svc/test-runtime-1", *rt.ServiceHandle)

	calls := fab.callList()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, "create_target_group", calls[0])
	assert.Equal(t, "create_rules:110", calls[1], "priority is 100 + 10*service_no")
	assert.Equal(t, "create_service", calls[2])
}

func TestCreateRollbackOnPollTimeout(t *testing.T) {
	fab := &fakeFabric{}
	probe := &fakeProbe{controllerPingFailures: -1} // never comes up
	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	created, err := svc.Create(ctx)
	require.NoError(t, err)
	waitForStatus(t, engine, created.TaskID, v1.TaskFailure)

	_, err = st.GetRuntime(ctx, created.Runtime.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "row must be reclaimed after rollback")

	// Compensation releases exactly what was created, service first.
	assert.Equal(t, 1, fab.countCalls("delete_service"))
	assert.Equal(t, 1, fab.countCalls("wait_services_inactive"))
	assert.Equal(t, 1, fab.countCalls("delete_target_group"))

	calls := fab.callList()
	deleteServiceAt, deleteTGAt := -1, -1
	for i, c := range calls {
		switch c {
		case "delete_service":
			deleteServiceAt = i
		case "delete_target_group":
			deleteTGAt = i
		}
	}
	assert.Less(t, deleteServiceAt, deleteTGAt, "service is released before the target group")
}

func TestCreateMidSagaFailureReleasesEarlierSteps(t *testing.T) {
	fab := &fakeFabric{failCreateService: true}
	probe := &fakeProbe{}
	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	created, err := svc.Create(ctx)
	require.NoError(t, err)
	waitForStatus(t, engine, created.TaskID, v1.TaskFailure)

	_, err = st.GetRuntime(ctx, created.Runtime.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// No service was created, so none is deleted; the rules and target
	// group that were created are.
	assert.Equal(t, 0, fab.countCalls("delete_service"))
	assert.Equal(t, 1, fab.countCalls("delete_target_group"))
}

func TestCreateAllocatesSequentialServiceNumbers(t *testing.T) {
	fab := &fakeFabric{}
	probe := &fakeProbe{}
	svc, engine, _ := newTestService(t, fab, probe)
	ctx := context.Background()

	first, err := svc.Create(ctx)
	require.NoError(t, err)
	second, err := svc.Create(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Runtime.ServiceNo)
	assert.Equal(t, 2, second.Runtime.ServiceNo)

	waitForStatus(t, engine, first.TaskID, v1.TaskSuccess)
	waitForStatus(t, engine, second.TaskID, v1.TaskSuccess)
}

func TestUpdateRollRestartsDetachedAgent(t *testing.T) {
	fab := &fakeFabric{revision: 7, activeDeployments: 2}
	probe := &fakeProbe{}
	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	started := make(chan tasks.AgentStartPayload, 1)
	engine.Register(tasks.AgentStart, func(taskCtx context.Context, task *tasks.Task) error {
		var p tasks.AgentStartPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return err
		}
		started <- p
		return nil
	})

	created, err := svc.Create(ctx)
	require.NoError(t, err)
	waitForStatus(t, engine, created.TaskID, v1.TaskSuccess)

	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "ag", OwnerID: "o", CharacterJSON: "{}"}))
	require.NoError(t, st.BindAgent(ctx, "ag", created.Runtime.ID, "ext"))

	update, err := svc.Update(ctx, created.Runtime.ID)
	require.NoError(t, err)
	waitForStatus(t, engine, update.TaskID, v1.TaskSuccess)

	select {
	case p := <-started:
		assert.Equal(t, "ag", p.AgentID)
		assert.Equal(t, created.Runtime.ID, p.RuntimeID)
	case <-time.After(2 * time.Second):
		t.Fatal("detached agent was never restarted")
	}

	rt, err := st.GetRuntime(ctx, created.Runtime.ID)
	require.NoError(t, err)
	assert.True(t, rt.Started)
	assert.Equal(t, 1, fab.countCalls("force_redeploy:7"))

	rec, err := st.LatestAgentStartByAgent(ctx, "ag")
	require.NoError(t, err)
	require.NotNil(t, rec, "restart must be recorded for single-flight")
}

func TestUpdateFailureEscalatesToTeardown(t *testing.T) {
	fab := &fakeFabric{revision: 3, failForceRedeploy: true}
	probe := &fakeProbe{}
	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	created, err := svc.Create(ctx)
	require.NoError(t, err)
	waitForStatus(t, engine, created.TaskID, v1.TaskSuccess)

	update, err := svc.Update(ctx, created.Runtime.ID)
	require.NoError(t, err)
	waitForStatus(t, engine, update.TaskID, v1.TaskFailure)

	require.Eventually(t, func() bool {
		_, err := st.GetRuntime(ctx, created.Runtime.ID)
		return errors.Is(err, store.ErrNotFound)
	}, 2*time.Second, 5*time.Millisecond, "failed update must tear the runtime down")
}

func TestDeleteSwallowsFabricErrors(t *testing.T) {
	fab := &fakeFabric{}
	probe := &fakeProbe{}
	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	created, err := svc.Create(ctx)
	require.NoError(t, err)
	waitForStatus(t, engine, created.TaskID, v1.TaskSuccess)

	fab.failDeletes = true
	deleted, err := svc.Delete(ctx, created.Runtime.ID)
	require.NoError(t, err)
	waitForStatus(t, engine, deleted.TaskID, v1.TaskSuccess)

	_, err = st.GetRuntime(ctx, created.Runtime.ID)
	assert.ErrorIs(t, err, store.ErrNotFound,
		"row is reclaimed even when the provider refuses the deletes")
}

// blockingProbe parks ControllerPing until released, pinning the create
// task in STARTED.
type blockingProbe struct {
	release chan struct{}
}

func (p *blockingProbe) Ping(ctx context.Context, baseURL string) error { return nil }

func (p *blockingProbe) ControllerPing(ctx context.Context, baseURL string) error {
	<-p.release
	return nil
}

func TestLifecycleSingleFlight(t *testing.T) {
	fab := &fakeFabric{}
	probe := &blockingProbe{release: make(chan struct{})}
	defer close(probe.release)

	svc, engine, _ := newTestService(t, fab, probe)
	ctx := context.Background()

	created, err := svc.Create(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _, err := engine.Status(ctx, created.TaskID)
		return err == nil && status == v1.TaskStarted
	}, 2*time.Second, 5*time.Millisecond)

	// The create task is in flight; further lifecycle verbs must be
	// rejected.
	_, err = svc.Update(ctx, created.Runtime.ID)
	assert.True(t, apperrors.IsConflict(err), "update during create: %v", err)

	_, err = svc.Delete(ctx, created.Runtime.ID)
	assert.True(t, apperrors.IsConflict(err), "delete during create: %v", err)
}

func TestCleanupSkipsRuntimesWithLifecycleInFlight(t *testing.T) {
	fab := &fakeFabric{}
	probe := &blockingProbe{release: make(chan struct{})}
	releaseOnce := sync.OnceFunc(func() { close(probe.release) })
	defer releaseOnce()

	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	first, err := svc.Create(ctx)
	require.NoError(t, err)
	second, err := svc.Create(ctx)
	require.NoError(t, err)

	for _, taskID := range []string{first.TaskID, second.TaskID} {
		id := taskID
		require.Eventually(t, func() bool {
			status, _, err := engine.Status(ctx, id)
			return err == nil && status == v1.TaskStarted
		}, 2*time.Second, 5*time.Millisecond)
	}

	// Two unattached rows against a pool bound of one, but both create
	// sagas are still converging; neither may be torn down underneath
	// its saga.
	require.NoError(t, svc.CleanupIdleRuntimes(ctx))
	for _, id := range []string{first.Runtime.ID, second.Runtime.ID} {
		rec, err := st.LatestRuntimeTask(ctx, store.TaskRuntimeDelete, id)
		require.NoError(t, err)
		assert.Nil(t, rec, "no teardown submitted while the create is in flight")
	}
	assert.Equal(t, 0, fab.countCalls("delete_service"))
	assert.Equal(t, 0, fab.countCalls("delete_target_group"))

	releaseOnce()
	waitForStatus(t, engine, first.TaskID, v1.TaskSuccess)
	waitForStatus(t, engine, second.TaskID, v1.TaskSuccess)

	rt, err := st.GetRuntime(ctx, second.Runtime.ID)
	require.NoError(t, err)
	assert.True(t, rt.Started, "the pinned create must still converge")
}

func TestCleanupIdleRuntimes(t *testing.T) {
	fab := &fakeFabric{}
	probe := &fakeProbe{}
	svc, engine, st := newTestService(t, fab, probe)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		created, err := svc.Create(ctx)
		require.NoError(t, err)
		waitForStatus(t, engine, created.TaskID, v1.TaskSuccess)
		ids = append(ids, created.Runtime.ID)
	}

	require.NoError(t, svc.CleanupIdleRuntimes(ctx))

	// Pool bound is 1: two surplus runtimes are torn down.
	require.Eventually(t, func() bool {
		remaining, err := st.ListRuntimes(ctx, false)
		return err == nil && len(remaining) == 1
	}, 2*time.Second, 5*time.Millisecond)

	remaining, err := st.ListRuntimes(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ids[0], remaining[0].ID, "lowest service numbers are kept")
}
