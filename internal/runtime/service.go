// Package runtime owns the runtime lifecycle: provisioning sagas,
// zero-downtime updates, teardown, the service-number allocator, and the
// idle-pool bound.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aidenhq/aiden/internal/common/config"
	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/controller"
	"github.com/aidenhq/aiden/internal/fabric"
	"github.com/aidenhq/aiden/internal/metrics"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

// allocatorRetries bounds how often a submit path re-runs the
// service-number allocator after losing the UNIQUE race.
const allocatorRetries = 5

// Probe is the slice of the controller client the runtime lifecycle
// needs for readiness polling.
type Probe interface {
	Ping(ctx context.Context, baseURL string) error
	ControllerPing(ctx context.Context, baseURL string) error
}

var _ Probe = (*controller.Client)(nil)

// Polls is the cadence and budget for readiness polling. Tests shrink
// these.
type Polls struct {
	Interval time.Duration
	Budget   int
}

// DefaultPolls is the production cadence: 15 s between attempts, 40
// attempts (10 minutes).
func DefaultPolls() Polls {
	return Polls{Interval: 15 * time.Second, Budget: 40}
}

// Service drives runtime lifecycle operations. Submit paths run in the
// request tier; task bodies run on worker slots.
type Service struct {
	store      *store.Store
	fabric     fabric.Fabric
	controller Probe
	engine     *tasks.Engine
	cfg        config.FabricConfig
	pool       config.PoolConfig
	polls      Polls
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// NewService builds the service and registers its task handlers.
func NewService(
	st *store.Store,
	fab fabric.Fabric,
	probe Probe,
	engine *tasks.Engine,
	cfg config.FabricConfig,
	pool config.PoolConfig,
	polls Polls,
	m *metrics.Metrics,
	log *logger.Logger,
) *Service {
	s := &Service{
		store:      st,
		fabric:     fab,
		controller: probe,
		engine:     engine,
		cfg:        cfg,
		pool:       pool,
		polls:      polls,
		metrics:    m,
		logger:     log.WithFields(zap.String("component", "runtime")),
	}
	engine.Register(tasks.RuntimeCreate, s.handleCreate)
	engine.Register(tasks.RuntimeUpdate, s.handleUpdate)
	engine.Register(tasks.RuntimeDelete, s.handleDelete)
	return s
}

// Create allocates a service number, inserts the runtime row, and
// submits provisioning. The row (with its number and URL) is observable
// before the task runs. The allocator races across concurrent creates;
// the UNIQUE constraint picks the winner and the loser retries.
func (s *Service) Create(ctx context.Context) (*v1.RuntimeCreateTask, error) {
	var rt *store.Runtime
	for attempt := 0; attempt < allocatorRetries; attempt++ {
		no, err := s.store.NextFreeServiceNo(ctx)
		if err != nil {
			return nil, apperrors.Internal("failed to allocate service number", err)
		}

		candidate := &store.Runtime{
			ID:        uuid.New().String(),
			ServiceNo: no,
			URL:       s.cfg.RuntimeURL(no),
		}
		err = s.store.CreateRuntime(ctx, candidate)
		if err == nil {
			rt = candidate
			break
		}
		if errors.Is(err, store.ErrServiceNoTaken) {
			continue
		}
		return nil, apperrors.Internal("failed to create runtime", err)
	}
	if rt == nil {
		return nil, apperrors.Conflict("service number allocation kept losing; retry")
	}

	taskID, err := s.engine.Submit(ctx, tasks.RuntimeCreate, tasks.RuntimePayload{RuntimeID: rt.ID})
	if err != nil {
		return nil, apperrors.Internal("failed to submit runtime create", err)
	}
	if err := s.store.RecordRuntimeTask(ctx, store.TaskRuntimeCreate, taskID, rt.ID); err != nil {
		return nil, apperrors.Internal("failed to record runtime create task", err)
	}

	s.logger.Info("runtime create submitted",
		zap.String("runtime_id", rt.ID),
		zap.Int("service_no", rt.ServiceNo),
		zap.String("task_id", taskID))
	return &v1.RuntimeCreateTask{TaskID: taskID, Runtime: PublicRuntime(rt)}, nil
}

// Update submits a zero-downtime task-definition roll. Rejected while
// any lifecycle task for the runtime is still in flight.
func (s *Service) Update(ctx context.Context, runtimeID string) (*v1.RuntimeUpdateTask, error) {
	if _, err := s.store.GetRuntime(ctx, runtimeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("runtime", runtimeID)
		}
		return nil, apperrors.Internal("failed to load runtime", err)
	}

	inFlight, err := s.LifecycleInFlight(ctx, runtimeID)
	if err != nil {
		return nil, apperrors.Internal("failed to check lifecycle tasks", err)
	}
	if inFlight {
		return nil, apperrors.Conflict("runtime already has a PENDING/STARTED lifecycle task")
	}

	taskID, err := s.engine.Submit(ctx, tasks.RuntimeUpdate, tasks.RuntimePayload{RuntimeID: runtimeID})
	if err != nil {
		return nil, apperrors.Internal("failed to submit runtime update", err)
	}
	if err := s.store.RecordRuntimeTask(ctx, store.TaskRuntimeUpdate, taskID, runtimeID); err != nil {
		return nil, apperrors.Internal("failed to record runtime update task", err)
	}
	return &v1.RuntimeUpdateTask{TaskID: taskID, RuntimeID: runtimeID}, nil
}

// Delete submits teardown. Rejected while any lifecycle task for the
// runtime is still in flight; internal compensation bypasses this guard
// through SubmitDelete.
func (s *Service) Delete(ctx context.Context, runtimeID string) (*v1.RuntimeDeleteTask, error) {
	if _, err := s.store.GetRuntime(ctx, runtimeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("runtime", runtimeID)
		}
		return nil, apperrors.Internal("failed to load runtime", err)
	}

	inFlight, err := s.LifecycleInFlight(ctx, runtimeID)
	if err != nil {
		return nil, apperrors.Internal("failed to check lifecycle tasks", err)
	}
	if inFlight {
		return nil, apperrors.Conflict("runtime already has a PENDING/STARTED lifecycle task")
	}

	taskID, err := s.SubmitDelete(ctx, runtimeID)
	if err != nil {
		return nil, apperrors.Internal("failed to submit runtime delete", err)
	}
	return &v1.RuntimeDeleteTask{TaskID: taskID, RuntimeID: runtimeID}, nil
}

// SubmitDelete enqueues teardown without the single-flight guard. Used
// by compensation paths and the health reconciler's escalation.
func (s *Service) SubmitDelete(ctx context.Context, runtimeID string) (string, error) {
	taskID, err := s.engine.Submit(ctx, tasks.RuntimeDelete, tasks.RuntimePayload{RuntimeID: runtimeID})
	if err != nil {
		return "", err
	}
	if err := s.store.RecordRuntimeTask(ctx, store.TaskRuntimeDelete, taskID, runtimeID); err != nil {
		return "", err
	}
	return taskID, nil
}

// LifecycleInFlight reports whether the runtime's most recent
// create/update/delete task is still PENDING or STARTED.
func (s *Service) LifecycleInFlight(ctx context.Context, runtimeID string) (bool, error) {
	rec, err := s.store.LatestRuntimeLifecycleTask(ctx, runtimeID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	return s.engine.InFlight(ctx, rec.TaskID)
}

// CleanupIdleRuntimes submits teardown for unattached runtimes above the
// warm-pool bound. Highest service numbers go first. Runtimes that have
// not finished provisioning, or whose latest lifecycle task is still in
// flight, are owned by that task and are skipped.
func (s *Service) CleanupIdleRuntimes(ctx context.Context) error {
	unused, err := s.store.ListRuntimes(ctx, true)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.IdleRuntimes.Set(float64(len(unused)))
	}

	surplus := len(unused) - s.pool.IdleSize
	for i := len(unused) - 1; i >= 0 && surplus > 0; i-- {
		rt := unused[i]
		if !rt.Started {
			continue
		}
		busy, err := s.LifecycleInFlight(ctx, rt.ID)
		if err != nil {
			s.logger.Error("failed to check lifecycle tasks",
				zap.String("runtime_id", rt.ID), zap.Error(err))
			continue
		}
		if busy {
			continue
		}
		if _, err := s.SubmitDelete(ctx, rt.ID); err != nil {
			s.logger.Error("failed to submit idle runtime delete",
				zap.String("runtime_id", rt.ID), zap.Error(err))
			continue
		}
		surplus--
		s.logger.Info("idle runtime teardown submitted",
			zap.String("runtime_id", rt.ID),
			zap.Int("service_no", rt.ServiceNo))
	}
	return nil
}

// GrowPool submits the configured number of runtime creates. Returns the
// ids of the created rows.
func (s *Service) GrowPool(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, s.pool.Increment)
	for i := 0; i < s.pool.Increment; i++ {
		created, err := s.Create(ctx)
		if err != nil {
			return ids, err
		}
		ids = append(ids, created.Runtime.ID)
	}
	return ids, nil
}

// PublicRuntime converts a store row to its API representation.
func PublicRuntime(r *store.Runtime) v1.Runtime {
	return v1.Runtime{
		ID:                 r.ID,
		ServiceNo:          r.ServiceNo,
		URL:                r.URL,
		Started:            r.Started,
		LastHealthcheck:    r.LastHealthcheck,
		FailedHealthchecks: r.FailedHealthchecks,
		CreatedAt:          r.CreatedAt,
	}
}
