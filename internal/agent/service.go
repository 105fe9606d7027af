// Package agent owns the agent lifecycle: admission, start/stop against
// a runtime's controller, and the single-flight rules that keep one
// start in flight per agent and per runtime.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/controller"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

// Non-admin owners get one agent.
const maxAgentsPerOwner = 1

// Controller is the slice of the controller client the agent lifecycle
// drives.
type Controller interface {
	CharacterStatus(ctx context.Context, baseURL string) (*controller.CharacterStatus, error)
	StartCharacter(ctx context.Context, baseURL string, characterJSON json.RawMessage, envFile string) error
	StopCharacter(ctx context.Context, baseURL string) error
}

var _ Controller = (*controller.Client)(nil)

// RuntimePool is the slice of the runtime service the agent lifecycle
// needs: pool growth on empty, the shared lifecycle guard, and the
// post-stop shrink.
type RuntimePool interface {
	GrowPool(ctx context.Context) ([]string, error)
	LifecycleInFlight(ctx context.Context, runtimeID string) (bool, error)
	CleanupIdleRuntimes(ctx context.Context) error
}

// Polls is the cadence and budget for character readiness polling.
type Polls struct {
	Interval time.Duration
	Budget   int
}

// DefaultPolls is the production cadence: 10 s between attempts, 60
// attempts (10 minutes).
func DefaultPolls() Polls {
	return Polls{Interval: 10 * time.Second, Budget: 60}
}

// Service drives agent lifecycle operations.
type Service struct {
	store      *store.Store
	controller Controller
	engine     *tasks.Engine
	runtimes   RuntimePool
	polls      Polls
	logger     *logger.Logger
}

// NewService builds the service and registers the agent.start handler.
func NewService(
	st *store.Store,
	ctrl Controller,
	engine *tasks.Engine,
	runtimes RuntimePool,
	polls Polls,
	log *logger.Logger,
) *Service {
	s := &Service{
		store:      st,
		controller: ctrl,
		engine:     engine,
		runtimes:   runtimes,
		polls:      polls,
		logger:     log.WithFields(zap.String("component", "agent")),
	}
	engine.Register(tasks.AgentStart, s.handleStart)
	return s
}

// Create admits a new agent. Non-admin owners are capped at one agent;
// admins bypass the cap.
func (s *Service) Create(ctx context.Context, ownerID string, admin bool, req v1.AgentBase) (*store.Agent, error) {
	if len(req.CharacterJSON) == 0 || !json.Valid(req.CharacterJSON) {
		return nil, apperrors.ValidationError("character_json", "must be valid JSON")
	}

	if !admin {
		count, err := s.store.CountAgentsByOwner(ctx, ownerID)
		if err != nil {
			return nil, apperrors.Internal("failed to count agents", err)
		}
		if count >= maxAgentsPerOwner {
			return nil, apperrors.Conflict("owner already has an agent")
		}
	}

	agent := &store.Agent{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		CharacterJSON: string(req.CharacterJSON),
		EnvFile:       req.EnvFile,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, apperrors.Internal("failed to create agent", err)
	}
	s.logger.Info("agent created",
		zap.String("agent_id", agent.ID),
		zap.String("owner_id", ownerID))
	return agent, nil
}

// Start submits an agent start on a specific runtime. Single-flight on
// both the agent and the runtime: a PENDING/STARTED start for either
// rejects with a conflict, as does an in-flight runtime lifecycle task.
func (s *Service) Start(ctx context.Context, agentID, runtimeID string) (*v1.AgentStartTask, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("agent", agentID)
		}
		return nil, apperrors.Internal("failed to load agent", err)
	}
	if _, err := s.store.GetRuntime(ctx, runtimeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("runtime", runtimeID)
		}
		return nil, apperrors.Internal("failed to load runtime", err)
	}

	byAgent, err := s.store.LatestAgentStartByAgent(ctx, agentID)
	if err != nil {
		return nil, apperrors.Internal("failed to check agent start tasks", err)
	}
	if inFlight, err := s.recordInFlight(ctx, byAgent); err != nil {
		return nil, err
	} else if inFlight {
		return nil, apperrors.Conflict("agent already has a PENDING/STARTED start task")
	}

	byRuntime, err := s.store.LatestAgentStartByRuntime(ctx, runtimeID)
	if err != nil {
		return nil, apperrors.Internal("failed to check runtime start tasks", err)
	}
	if inFlight, err := s.recordInFlight(ctx, byRuntime); err != nil {
		return nil, err
	} else if inFlight {
		return nil, apperrors.Conflict("runtime already has a PENDING/STARTED start task")
	}

	lifecycleBusy, err := s.runtimes.LifecycleInFlight(ctx, runtimeID)
	if err != nil {
		return nil, apperrors.Internal("failed to check runtime lifecycle tasks", err)
	}
	if lifecycleBusy {
		return nil, apperrors.Conflict("runtime has a PENDING/STARTED lifecycle task")
	}

	taskID, err := s.engine.Submit(ctx, tasks.AgentStart, tasks.AgentStartPayload{
		AgentID:   agentID,
		RuntimeID: runtimeID,
	})
	if err != nil {
		return nil, apperrors.Internal("failed to submit agent start", err)
	}
	if err := s.store.RecordAgentStartTask(ctx, taskID, agentID, runtimeID); err != nil {
		return nil, apperrors.Internal("failed to record agent start task", err)
	}

	s.logger.Info("agent start submitted",
		zap.String("agent_id", agentID),
		zap.String("runtime_id", runtimeID),
		zap.String("task_id", taskID))
	return &v1.AgentStartTask{TaskID: taskID, AgentID: agentID, RuntimeID: runtimeID}, nil
}

// StartAnywhere starts the agent on the first started, unattached
// runtime. With none available it grows the pool and reports 503; the
// caller retries once provisioning converges.
func (s *Service) StartAnywhere(ctx context.Context, agentID string) (*v1.AgentStartTask, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("agent", agentID)
		}
		return nil, apperrors.Internal("failed to load agent", err)
	}

	unused, err := s.store.ListRuntimes(ctx, true)
	if err != nil {
		return nil, apperrors.Internal("failed to list runtimes", err)
	}
	for _, rt := range unused {
		if rt.Started {
			return s.Start(ctx, agentID, rt.ID)
		}
	}

	if _, err := s.runtimes.GrowPool(ctx); err != nil {
		s.logger.Error("pool grow failed", zap.Error(err))
	}
	return nil, apperrors.PoolEmpty()
}

// Stop synchronously stops the agent's character and detaches it. The
// controller call happens in-process; a controller failure surfaces as a
// 500 and leaves the binding intact.
func (s *Service) Stop(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("agent", agentID)
		}
		return nil, apperrors.Internal("failed to load agent", err)
	}
	if agent.RuntimeID == nil {
		return nil, apperrors.NotFound("runtime for agent", agentID)
	}

	rt, err := s.store.GetRuntime(ctx, *agent.RuntimeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("runtime", *agent.RuntimeID)
		}
		return nil, apperrors.Internal("failed to load runtime", err)
	}

	if err := s.controller.StopCharacter(ctx, rt.URL); err != nil {
		return nil, apperrors.Internal("failed to stop character", err)
	}
	if err := s.store.DetachAgent(ctx, agentID); err != nil {
		return nil, apperrors.Internal("failed to detach agent", err)
	}

	// Shrink the warm pool if this freed a surplus runtime.
	if err := s.runtimes.CleanupIdleRuntimes(ctx); err != nil {
		s.logger.Warn("idle pool cleanup failed", zap.Error(err))
	}

	s.logger.Info("agent stopped",
		zap.String("agent_id", agentID),
		zap.String("runtime_id", rt.ID))
	return s.store.GetAgent(ctx, agentID)
}

func (s *Service) recordInFlight(ctx context.Context, rec *store.TaskRecord) (bool, error) {
	if rec == nil {
		return false, nil
	}
	inFlight, err := s.engine.InFlight(ctx, rec.TaskID)
	if err != nil {
		return false, apperrors.Internal("failed to read task status", err)
	}
	return inFlight, nil
}

// handleStart is the agent.start task body. Idempotent: it re-fetches
// both entities, stops whatever the runtime is running, evicts stale
// bindings, starts the character, and polls until the controller reports
// it running.
func (s *Service) handleStart(ctx context.Context, t *tasks.Task) error {
	var payload tasks.AgentStartPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("bad agent start payload: %w", err)
	}

	agent, err := s.store.GetAgent(ctx, payload.AgentID)
	if err != nil {
		return fmt.Errorf("failed to load agent %s: %w", payload.AgentID, err)
	}
	rt, err := s.store.GetRuntime(ctx, payload.RuntimeID)
	if err != nil {
		return fmt.Errorf("failed to load runtime %s: %w", payload.RuntimeID, err)
	}

	log := s.logger.WithAgentID(agent.ID).WithRuntimeID(rt.ID).WithTaskID(t.ID)

	// Whatever is running there now is not ours; stop it and clear any
	// stale binding before starting.
	if err := s.controller.StopCharacter(ctx, rt.URL); err != nil {
		return fmt.Errorf("failed to stop previous character: %w", err)
	}
	if err := s.store.DetachAgentsFromRuntime(ctx, rt.ID); err != nil {
		return err
	}

	if err := s.controller.StartCharacter(ctx, rt.URL, json.RawMessage(agent.CharacterJSON), agent.EnvFile); err != nil {
		return fmt.Errorf("failed to start character: %w", err)
	}
	log.Info("character start issued")

	for attempt := 1; attempt <= s.polls.Budget; attempt++ {
		status, err := s.controller.CharacterStatus(ctx, rt.URL)
		if err == nil && status.Running {
			externalID := ""
			if status.AgentID != nil {
				externalID = *status.AgentID
			}
			if err := s.store.BindAgent(ctx, agent.ID, rt.ID, externalID); err != nil {
				return err
			}
			log.Info("character running",
				zap.String("external_agent_id", externalID),
				zap.Int("attempts", attempt))
			return nil
		}

		if attempt == s.polls.Budget {
			break
		}
		select {
		case <-time.After(s.polls.Interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("character did not report running after %d attempts", s.polls.Budget)
}
