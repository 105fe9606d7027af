package health

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenhq/aiden/internal/bus"
	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/controller"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

type fakeProbe struct {
	mu            sync.Mutex
	pingErr       error
	controllerErr error
	status        *controller.CharacterStatus
	statusErr     error
	pings         int
}

func (f *fakeProbe) Ping(ctx context.Context, baseURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeProbe) ControllerPing(ctx context.Context, baseURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.controllerErr
}

func (f *fakeProbe) CharacterStatus(ctx context.Context, baseURL string) (*controller.CharacterStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeProbe) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

type fakeRuntimeOps struct {
	mu      sync.Mutex
	deletes []string
	busy    map[string]bool
}

func (f *fakeRuntimeOps) SubmitDelete(ctx context.Context, runtimeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, runtimeID)
	return "task-" + runtimeID, nil
}

func (f *fakeRuntimeOps) LifecycleInFlight(ctx context.Context, runtimeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy[runtimeID], nil
}

func (f *fakeRuntimeOps) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deletes)
}

type fakeStarter struct {
	mu     sync.Mutex
	starts [][2]string
	err    error
}

func (f *fakeStarter) Start(ctx context.Context, agentID, runtimeID string) (*v1.AgentStartTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.starts = append(f.starts, [2]string{agentID, runtimeID})
	return &v1.AgentStartTask{TaskID: "t", AgentID: agentID, RuntimeID: runtimeID}, nil
}

func newTestReconciler(t *testing.T, probe *fakeProbe, ops *fakeRuntimeOps, starter *fakeStarter) (*Reconciler, *store.Store, *bus.Memory) {
	t.Helper()
	st, err := store.OpenSQLiteInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.NewMemory(logger.Default())
	engine := tasks.New(b, st, 4, nil, logger.Default())
	r := NewReconciler(st, engine, probe, ops, starter, time.Hour, nil, logger.Default())
	return r, st, b
}

func seedRuntime(t *testing.T, st *store.Store, id string, serviceNo int) {
	t.Helper()
	require.NoError(t, st.CreateRuntime(context.Background(), &store.Runtime{
		ID: id, ServiceNo: serviceNo, URL: "https://runtime.test", Started: true,
	}))
	require.NoError(t, st.SetRuntimeStarted(context.Background(), id, true))
}

func runtimeTask(t *testing.T, runtimeID string) *tasks.Task {
	t.Helper()
	payload, err := json.Marshal(tasks.RuntimePayload{RuntimeID: runtimeID})
	require.NoError(t, err)
	return &tasks.Task{ID: "test-task", Name: tasks.HealthRuntime, Payload: payload}
}

func agentTask(t *testing.T, agentID string) *tasks.Task {
	t.Helper()
	payload, err := json.Marshal(tasks.AgentHealthPayload{AgentID: agentID})
	require.NoError(t, err)
	return &tasks.Task{ID: "test-task", Name: tasks.HealthAgent, Payload: payload}
}

func TestRuntimeFailureEscalation(t *testing.T) {
	probe := &fakeProbe{pingErr: errors.New("no route to host")}
	ops := &fakeRuntimeOps{}
	r, st, _ := newTestReconciler(t, probe, ops, &fakeStarter{})
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)

	// Failures up to the delete threshold only log.
	for i := 0; i < DeleteThreshold; i++ {
		require.NoError(t, r.handleRuntime(ctx, runtimeTask(t, "rt-1")))
	}
	assert.Equal(t, 0, ops.deleteCount(), "no teardown at the threshold itself")

	// The next failure crosses it.
	require.NoError(t, r.handleRuntime(ctx, runtimeTask(t, "rt-1")))
	require.Equal(t, 1, ops.deleteCount())
	assert.Equal(t, "rt-1", ops.deletes[0])

	rt, err := st.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, DeleteThreshold+1, rt.FailedHealthchecks)
}

func TestRuntimeControllerDownAlsoCounts(t *testing.T) {
	probe := &fakeProbe{controllerErr: errors.New("controller not ready")}
	r, st, _ := newTestReconciler(t, probe, &fakeRuntimeOps{}, &fakeStarter{})
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)

	require.NoError(t, r.handleRuntime(ctx, runtimeTask(t, "rt-1")))

	rt, err := st.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, rt.FailedHealthchecks)
}

func TestRuntimeCheckSkippedWhileLifecycleInFlight(t *testing.T) {
	probe := &fakeProbe{pingErr: errors.New("down")}
	ops := &fakeRuntimeOps{busy: map[string]bool{"rt-1": true}}
	r, st, _ := newTestReconciler(t, probe, ops, &fakeStarter{})
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)

	require.NoError(t, r.handleRuntime(ctx, runtimeTask(t, "rt-1")))

	assert.Equal(t, 0, probe.pingCount(), "a busy runtime is not probed")
	rt, err := st.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rt.FailedHealthchecks)
}

func TestRuntimeRecoveryResetsCounter(t *testing.T) {
	probe := &fakeProbe{pingErr: errors.New("down")}
	r, st, _ := newTestReconciler(t, probe, &fakeRuntimeOps{}, &fakeStarter{})
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)

	require.NoError(t, r.handleRuntime(ctx, runtimeTask(t, "rt-1")))
	require.NoError(t, r.handleRuntime(ctx, runtimeTask(t, "rt-1")))

	probe.mu.Lock()
	probe.pingErr = nil
	probe.mu.Unlock()
	require.NoError(t, r.handleRuntime(ctx, runtimeTask(t, "rt-1")))

	rt, err := st.GetRuntime(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, rt.FailedHealthchecks)
	assert.NotNil(t, rt.LastHealthcheck)
}

func TestRuntimeVanishedIsNotAnError(t *testing.T) {
	r, _, _ := newTestReconciler(t, &fakeProbe{}, &fakeRuntimeOps{}, &fakeStarter{})
	require.NoError(t, r.handleRuntime(context.Background(), runtimeTask(t, "ghost")))
}

func TestAgentHealthyNoAction(t *testing.T) {
	ext := "ext-1"
	probe := &fakeProbe{status: &controller.CharacterStatus{Running: true, AgentID: &ext}}
	starter := &fakeStarter{}
	r, st, _ := newTestReconciler(t, probe, &fakeRuntimeOps{}, starter)
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "ag-1", OwnerID: "o", CharacterJSON: "{}"}))
	require.NoError(t, st.BindAgent(ctx, "ag-1", "rt-1", "ext-1"))

	require.NoError(t, r.handleAgent(ctx, agentTask(t, "ag-1")))
	assert.Empty(t, starter.starts)
}

func TestAgentNotRunningIsRestarted(t *testing.T) {
	probe := &fakeProbe{status: &controller.CharacterStatus{Running: false}}
	starter := &fakeStarter{}
	r, st, _ := newTestReconciler(t, probe, &fakeRuntimeOps{}, starter)
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "ag-1", OwnerID: "o", CharacterJSON: "{}"}))
	require.NoError(t, st.BindAgent(ctx, "ag-1", "rt-1", "ext-1"))

	require.NoError(t, r.handleAgent(ctx, agentTask(t, "ag-1")))
	require.Len(t, starter.starts, 1)
	assert.Equal(t, [2]string{"ag-1", "rt-1"}, starter.starts[0])
}

func TestAgentIdentityDriftIsRestarted(t *testing.T) {
	other := "somebody-else"
	probe := &fakeProbe{status: &controller.CharacterStatus{Running: true, AgentID: &other}}
	starter := &fakeStarter{}
	r, st, _ := newTestReconciler(t, probe, &fakeRuntimeOps{}, starter)
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "ag-1", OwnerID: "o", CharacterJSON: "{}"}))
	require.NoError(t, st.BindAgent(ctx, "ag-1", "rt-1", "ext-1"))

	require.NoError(t, r.handleAgent(ctx, agentTask(t, "ag-1")))
	require.Len(t, starter.starts, 1)
}

func TestAgentWithoutRecordedIdentityIsNotDrifted(t *testing.T) {
	// Bound without a reported identity: the controller assigning one
	// later is not drift, there is nothing recorded to compare against.
	ext := "assigned-later"
	probe := &fakeProbe{status: &controller.CharacterStatus{Running: true, AgentID: &ext}}
	starter := &fakeStarter{}
	r, st, _ := newTestReconciler(t, probe, &fakeRuntimeOps{}, starter)
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "ag-1", OwnerID: "o", CharacterJSON: "{}"}))
	require.NoError(t, st.BindAgent(ctx, "ag-1", "rt-1", ""))

	require.NoError(t, r.handleAgent(ctx, agentTask(t, "ag-1")))
	assert.Empty(t, starter.starts)
}

func TestAgentDriftConflictCountsAsHandled(t *testing.T) {
	probe := &fakeProbe{statusErr: errors.New("status unavailable")}
	starter := &fakeStarter{err: apperrors.Conflict("start already in flight")}
	r, st, _ := newTestReconciler(t, probe, &fakeRuntimeOps{}, starter)
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "ag-1", OwnerID: "o", CharacterJSON: "{}"}))
	require.NoError(t, st.BindAgent(ctx, "ag-1", "rt-1", "ext-1"))

	require.NoError(t, r.handleAgent(ctx, agentTask(t, "ag-1")))
}

func TestAgentWithoutRuntimeIsIgnored(t *testing.T) {
	starter := &fakeStarter{}
	r, st, _ := newTestReconciler(t, &fakeProbe{}, &fakeRuntimeOps{}, starter)
	ctx := context.Background()
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "ag-1", OwnerID: "o", CharacterJSON: "{}"}))

	require.NoError(t, r.handleAgent(ctx, agentTask(t, "ag-1")))
	assert.Empty(t, starter.starts)
}

func TestSweepSubmitsOneCheckPerRuntime(t *testing.T) {
	r, st, b := newTestReconciler(t, &fakeProbe{}, &fakeRuntimeOps{}, &fakeStarter{})
	ctx := context.Background()
	seedRuntime(t, st, "rt-1", 1)
	seedRuntime(t, st, "rt-2", 2)

	// Observe the dispatch subject from a separate queue group so the
	// engine (not started here) does not consume anything.
	var mu sync.Mutex
	var seen []string
	_, err := b.QueueSubscribe("tasks.dispatch", "observer", func(ctx context.Context, data []byte) {
		var task tasks.Task
		if json.Unmarshal(data, &task) == nil {
			mu.Lock()
			seen = append(seen, task.Name)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	require.NoError(t, r.Sweep(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{tasks.HealthRuntime, tasks.HealthRuntime}, seen)
}
