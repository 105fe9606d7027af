// Package tasks is the asynchronous task engine: named, idempotent jobs
// dispatched through the bus and tracked in the store's status table.
// Delivery is at-least-once; every handler must be safe to re-execute.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aidenhq/aiden/internal/bus"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/metrics"
	"github.com/aidenhq/aiden/internal/store"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

// Subject and queue group the engine dispatches through. Queue-group
// consumption gives one delivery per message across all workers.
const (
	dispatchSubject = "tasks.dispatch"
	workerQueue     = "workers"
)

// pendingPickupWindow bounds how long a PENDING entry blocks single-flight
// checks. A dispatch message that was lost would otherwise hold its key
// forever.
const pendingPickupWindow = 5 * time.Minute

// Task is one unit of work handed to a handler. Handlers re-hydrate
// entities by id from the payload; nothing is shared by reference.
type Task struct {
	ID      string          `json:"task_id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// HandlerFunc executes one task body.
type HandlerFunc func(ctx context.Context, t *Task) error

// Engine dispatches named tasks through the bus and records their status
// in the store. Status is observable as PENDING immediately after Submit
// returns.
type Engine struct {
	bus     bus.Bus
	store   *store.Store
	logger  *logger.Logger
	metrics *metrics.Metrics
	workers int

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	pendingWindow time.Duration

	sub bus.Subscription
	sem chan struct{}

	stopMu  sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates an engine. workers bounds concurrent task executions.
func New(b bus.Bus, st *store.Store, workers int, m *metrics.Metrics, log *logger.Logger) *Engine {
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		bus:           b,
		store:         st,
		logger:        log.WithFields(zap.String("component", "tasks")),
		metrics:       m,
		workers:       workers,
		handlers:      make(map[string]HandlerFunc),
		pendingWindow: pendingPickupWindow,
		sem:           make(chan struct{}, workers),
	}
}

// Register binds a handler to a task name. Must be called before Start.
func (e *Engine) Register(name string, handler HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// Submit persists a PENDING status for a new task and publishes it for
// execution. The returned id is the caller's retrieval handle.
func (e *Engine) Submit(ctx context.Context, name string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task payload: %w", err)
	}

	task := Task{
		ID:      uuid.New().String(),
		Name:    name,
		Payload: data,
	}

	if err := e.store.UpsertTaskStatus(ctx, task.ID, v1.TaskPending, ""); err != nil {
		return "", err
	}

	msg, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := e.bus.Publish(ctx, dispatchSubject, msg); err != nil {
		return "", fmt.Errorf("failed to dispatch task: %w", err)
	}

	e.logger.Debug("task submitted",
		zap.String("task_id", task.ID),
		zap.String("task", name))
	return task.ID, nil
}

// Status returns the current status of a task. A submitted task the
// workers have not picked up yet reads as PENDING; an id that was never
// submitted returns store.ErrNotFound.
func (e *Engine) Status(ctx context.Context, taskID string) (v1.TaskStatus, string, error) {
	return e.store.GetTaskStatus(ctx, taskID)
}

// InFlight reports whether a recorded task still owns its single-flight
// key. An id with no status row, or a PENDING entry older than the pickup
// window (its dispatch message is gone), does not block new submissions.
func (e *Engine) InFlight(ctx context.Context, taskID string) (bool, error) {
	row, err := e.store.GetTaskStatusRow(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	status := v1.TaskStatus(row.Status)
	if status == v1.TaskPending && time.Since(row.UpdatedAt) > e.pendingWindow {
		return false, nil
	}
	return status.InFlight(), nil
}

// Start subscribes the worker pool to the dispatch subject.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.bus.QueueSubscribe(dispatchSubject, workerQueue, func(msgCtx context.Context, data []byte) {
		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			e.logger.Error("dropping undecodable task", zap.Error(err))
			return
		}

		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		// A delivery racing Stop must not slip past the wg.Wait there:
		// the Add and the stopped check are one critical section.
		e.stopMu.Lock()
		if e.stopped {
			e.stopMu.Unlock()
			<-e.sem
			return
		}
		e.wg.Add(1)
		e.stopMu.Unlock()
		go func() {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.run(ctx, &task)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe workers: %w", err)
	}

	e.sub = sub
	e.logger.Info("task workers started", zap.Int("workers", e.workers))
	return nil
}

// Stop unsubscribes and waits for in-flight task bodies to finish. A
// delivery that raced the unsubscribe is dropped rather than started; its
// status row stays PENDING and ages out of the pickup window.
func (e *Engine) Stop() {
	if e.sub != nil {
		_ = e.sub.Unsubscribe()
	}
	e.stopMu.Lock()
	e.stopped = true
	e.stopMu.Unlock()
	e.wg.Wait()
}

// Wait blocks until every in-flight task body has returned. Used by
// tests to observe quiesced state.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context, task *Task) {
	e.mu.RLock()
	handler, ok := e.handlers[task.Name]
	e.mu.RUnlock()

	log := e.logger.WithTaskID(task.ID).WithFields(zap.String("task", task.Name))
	if !ok {
		log.Error("no handler registered")
		_ = e.store.UpsertTaskStatus(ctx, task.ID, v1.TaskFailure, "no handler registered for "+task.Name)
		return
	}

	if err := e.store.UpsertTaskStatus(ctx, task.ID, v1.TaskStarted, ""); err != nil {
		log.Error("failed to mark task started", zap.Error(err))
	}

	start := time.Now()
	err := handler(ctx, task)
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.TaskDuration.WithLabelValues(task.Name).Observe(elapsed.Seconds())
	}

	if err != nil {
		log.Error("task failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		if e.metrics != nil {
			e.metrics.TasksExecuted.WithLabelValues(task.Name, string(v1.TaskFailure)).Inc()
		}
		_ = e.store.UpsertTaskStatus(ctx, task.ID, v1.TaskFailure, err.Error())
		return
	}

	log.Info("task succeeded", zap.Duration("elapsed", elapsed))
	if e.metrics != nil {
		e.metrics.TasksExecuted.WithLabelValues(task.Name, string(v1.TaskSuccess)).Inc()
	}
	_ = e.store.UpsertTaskStatus(ctx, task.ID, v1.TaskSuccess, "")
}
