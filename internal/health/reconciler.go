// Package health runs the periodic reconciliation loop: probe every
// runtime, escalate persistent failures, and restart agents that
// drifted from their expected runtime.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aidenhq/aiden/internal/common/errors"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/controller"
	"github.com/aidenhq/aiden/internal/metrics"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

// Escalation thresholds on consecutive probe failures. Between the two,
// the runtime is left for an operator to repair; past the second it is
// torn down.
const (
	UpdateThreshold = 3
	DeleteThreshold = 5
)

// Probe is the controller-client slice the reconciler uses.
type Probe interface {
	Ping(ctx context.Context, baseURL string) error
	ControllerPing(ctx context.Context, baseURL string) error
	CharacterStatus(ctx context.Context, baseURL string) (*controller.CharacterStatus, error)
}

var _ Probe = (*controller.Client)(nil)

// RuntimeOps is the runtime-service slice the reconciler escalates
// through.
type RuntimeOps interface {
	SubmitDelete(ctx context.Context, runtimeID string) (string, error)
	LifecycleInFlight(ctx context.Context, runtimeID string) (bool, error)
}

// AgentStarter re-submits a drifted agent. A conflict means a start is
// already in flight and counts as handled.
type AgentStarter interface {
	Start(ctx context.Context, agentID, runtimeID string) (*v1.AgentStartTask, error)
}

// Reconciler fans a health task out per runtime on a fixed cadence. The
// individual checks run on worker slots and are idempotent; overlapping
// ticks converge rather than conflict.
type Reconciler struct {
	store      *store.Store
	engine     *tasks.Engine
	controller Probe
	runtimes   RuntimeOps
	agents     AgentStarter
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewReconciler builds the reconciler and registers its task handlers.
func NewReconciler(
	st *store.Store,
	engine *tasks.Engine,
	probe Probe,
	runtimes RuntimeOps,
	agents AgentStarter,
	interval time.Duration,
	m *metrics.Metrics,
	log *logger.Logger,
) *Reconciler {
	r := &Reconciler{
		store:      st,
		engine:     engine,
		controller: probe,
		runtimes:   runtimes,
		agents:     agents,
		interval:   interval,
		metrics:    m,
		logger:     log.WithFields(zap.String("component", "health")),
		stopCh:     make(chan struct{}),
	}
	engine.Register(tasks.HealthRuntime, r.handleRuntime)
	engine.Register(tasks.HealthAgent, r.handleAgent)
	return r
}

// Start launches the ticker loop.
func (r *Reconciler) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.Sweep(ctx); err != nil {
					r.logger.Error("health sweep failed", zap.Error(err))
				}
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	r.logger.Info("health reconciler started", zap.Duration("interval", r.interval))
}

// Stop halts the ticker loop. In-flight checks finish on worker slots.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// Sweep enqueues one runtime health check per live runtime.
func (r *Reconciler) Sweep(ctx context.Context) error {
	ids, err := r.store.ListRuntimeIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := r.engine.Submit(ctx, tasks.HealthRuntime, tasks.RuntimePayload{RuntimeID: id}); err != nil {
			r.logger.Error("failed to submit runtime health check",
				zap.String("runtime_id", id), zap.Error(err))
		}
	}
	r.logger.Debug("health sweep submitted", zap.Int("runtimes", len(ids)))
	return nil
}

// handleRuntime probes one runtime and escalates on repeated failure.
func (r *Reconciler) handleRuntime(ctx context.Context, t *tasks.Task) error {
	var payload tasks.RuntimePayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("bad runtime health payload: %w", err)
	}

	log := r.logger.WithRuntimeID(payload.RuntimeID)

	// A lifecycle task in flight owns the runtime; checking now would
	// race its state transitions.
	busy, err := r.runtimes.LifecycleInFlight(ctx, payload.RuntimeID)
	if err != nil {
		return err
	}
	if busy {
		log.Debug("skipping health check, lifecycle task in flight")
		return nil
	}

	rt, err := r.store.GetRuntime(ctx, payload.RuntimeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	probeErr := r.controller.Ping(ctx, rt.URL)
	if probeErr == nil {
		probeErr = r.controller.ControllerPing(ctx, rt.URL)
	}

	if probeErr != nil {
		if r.metrics != nil {
			r.metrics.HealthcheckFailures.Inc()
		}
		count, err := r.store.IncrementFailedHealthchecks(ctx, rt.ID)
		if err != nil {
			return err
		}
		log.Warn("runtime health check failed",
			zap.Int("failed_healthchecks", count),
			zap.Error(probeErr))

		switch {
		case count > DeleteThreshold:
			if _, err := r.runtimes.SubmitDelete(ctx, rt.ID); err != nil {
				return fmt.Errorf("failed to submit teardown: %w", err)
			}
			log.Info("teardown submitted for dead runtime")
		case count > UpdateThreshold:
			log.Warn("runtime persistently unhealthy, operator repair window")
		}
		return nil
	}

	if err := r.store.MarkHealthcheckPassed(ctx, rt.ID); err != nil {
		return err
	}

	agent, err := r.store.AgentForRuntime(ctx, rt.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if _, err := r.engine.Submit(ctx, tasks.HealthAgent, tasks.AgentHealthPayload{AgentID: agent.ID}); err != nil {
		return fmt.Errorf("failed to submit agent health check: %w", err)
	}
	return nil
}

// handleAgent verifies the bound agent's character is running and is the
// one we started; anything else re-submits the start.
func (r *Reconciler) handleAgent(ctx context.Context, t *tasks.Task) error {
	var payload tasks.AgentHealthPayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("bad agent health payload: %w", err)
	}

	agent, err := r.store.GetAgent(ctx, payload.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if agent.RuntimeID == nil {
		return nil
	}

	rt, err := r.store.GetRuntime(ctx, *agent.RuntimeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	log := r.logger.WithAgentID(agent.ID).WithRuntimeID(rt.ID)

	status, err := r.controller.CharacterStatus(ctx, rt.URL)
	drifted := err != nil || !status.Running
	if !drifted && agent.ExternalAgentID != nil {
		if status.AgentID == nil || *status.AgentID != *agent.ExternalAgentID {
			drifted = true
		}
	}
	if !drifted {
		return nil
	}

	log.Info("agent drift detected, resubmitting start")
	if _, err := r.agents.Start(ctx, agent.ID, rt.ID); err != nil {
		if apperrors.IsConflict(err) {
			// A start is already in flight; that is the repair.
			return nil
		}
		return fmt.Errorf("failed to resubmit agent start: %w", err)
	}
	return nil
}
