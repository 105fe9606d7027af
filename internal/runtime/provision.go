package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
)

// listener-rule priorities are spaced by service number so rules never
// collide across runtimes.
func rulePriority(serviceNo int) int {
	return 100 + 10*serviceNo
}

// handleCreate is the provisioning saga. Each step persists its handle
// before the next begins, so compensation releases exactly what was
// created. Order is load-bearing: target group, then rules, then
// service, so the service's first healthy targets are immediately
// routable.
func (s *Service) handleCreate(ctx context.Context, t *tasks.Task) error {
	var payload tasks.RuntimePayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("bad runtime create payload: %w", err)
	}

	rt, err := s.store.GetRuntime(ctx, payload.RuntimeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Row already gone; nothing to provision.
			return nil
		}
		return err
	}

	log := s.logger.WithRuntimeID(rt.ID).WithTaskID(t.ID)
	if err := s.provision(ctx, rt, log); err != nil {
		log.Error("provisioning failed, tearing down", zap.Error(err))
		s.teardown(ctx, rt.ID, log)
		return err
	}

	if s.metrics != nil {
		s.metrics.RuntimesProvisioned.Inc()
	}
	log.Info("runtime provisioned", zap.Int("service_no", rt.ServiceNo))
	return nil
}

func (s *Service) provision(ctx context.Context, rt *store.Runtime, log *logger.Logger) error {
	// Re-executions skip steps whose handle is already persisted.
	tgHandle := rt.TargetGroupHandle
	if tgHandle == nil {
		handle, err := s.fabric.CreateTargetGroup(ctx, s.cfg.TargetGroupName(rt.ServiceNo))
		if err != nil {
			return err
		}
		if err := s.store.SetRuntimeHandles(ctx, rt.ID, &handle, nil, nil, nil); err != nil {
			return err
		}
		tgHandle = &handle
		log.Debug("target group created", zap.String("handle", handle))
	}

	if rt.HTTPRuleHandle == nil || rt.HTTPSRuleHandle == nil {
		httpRule, httpsRule, err := s.fabric.CreateListenerRules(
			ctx, s.cfg.HostPattern(rt.ServiceNo), *tgHandle, rulePriority(rt.ServiceNo))
		if err != nil {
			return err
		}
		if err := s.store.SetRuntimeHandles(ctx, rt.ID, nil, &httpRule, &httpsRule, nil); err != nil {
			return err
		}
		log.Debug("listener rules created",
			zap.String("http_rule", httpRule),
			zap.String("https_rule", httpsRule))
	}

	if rt.ServiceHandle == nil {
		handle, err := s.fabric.CreateService(ctx, s.cfg.ServiceName(rt.ServiceNo), *tgHandle)
		if err != nil {
			return err
		}
		if err := s.store.SetRuntimeHandles(ctx, rt.ID, nil, nil, nil, &handle); err != nil {
			return err
		}
		log.Debug("service created", zap.String("handle", handle))
	}

	if err := s.pollUntil(ctx, "controller ping", func(pollCtx context.Context) error {
		return s.controller.ControllerPing(pollCtx, rt.URL)
	}); err != nil {
		return err
	}

	return s.store.SetRuntimeStarted(ctx, rt.ID, true)
}

// handleDelete is teardown. Every step skips a nil handle, and failures
// are logged and swallowed so a partially-provisioned runtime can always
// be reclaimed.
func (s *Service) handleDelete(ctx context.Context, t *tasks.Task) error {
	var payload tasks.RuntimePayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("bad runtime delete payload: %w", err)
	}
	s.teardown(ctx, payload.RuntimeID, s.logger.WithRuntimeID(payload.RuntimeID).WithTaskID(t.ID))
	return nil
}

func (s *Service) teardown(ctx context.Context, runtimeID string, log *logger.Logger) {
	rt, err := s.store.GetRuntime(ctx, runtimeID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error("failed to load runtime for teardown", zap.Error(err))
		}
		return
	}

	if rt.ServiceHandle != nil {
		name := s.cfg.ServiceName(rt.ServiceNo)
		if err := s.fabric.DeleteService(ctx, name); err != nil {
			log.Warn("failed to delete service", zap.Error(err))
		} else if err := s.fabric.WaitServicesInactive(ctx, name); err != nil {
			log.Warn("failed waiting for service drain", zap.Error(err))
		}
	}

	if rt.HTTPRuleHandle != nil {
		if err := s.fabric.DeleteRule(ctx, *rt.HTTPRuleHandle); err != nil {
			log.Warn("failed to delete http rule", zap.Error(err))
		}
	}
	if rt.HTTPSRuleHandle != nil {
		if err := s.fabric.DeleteRule(ctx, *rt.HTTPSRuleHandle); err != nil {
			log.Warn("failed to delete https rule", zap.Error(err))
		}
	}
	if rt.TargetGroupHandle != nil {
		if err := s.fabric.DeleteTargetGroup(ctx, *rt.TargetGroupHandle); err != nil {
			log.Warn("failed to delete target group", zap.Error(err))
		}
	}

	if err := s.store.DetachAgentsFromRuntime(ctx, rt.ID); err != nil {
		log.Warn("failed to detach agents", zap.Error(err))
	}
	if err := s.store.DeleteRuntime(ctx, rt.ID); err != nil {
		log.Error("failed to delete runtime row", zap.Error(err))
		return
	}

	if s.metrics != nil {
		s.metrics.RuntimesDeleted.Inc()
	}
	log.Info("runtime torn down", zap.Int("service_no", rt.ServiceNo))
}

// handleUpdate rolls the runtime onto the latest task-definition
// revision without dropping its routing. A bound agent is detached for
// the roll and restarted afterwards; any failure escalates to teardown.
func (s *Service) handleUpdate(ctx context.Context, t *tasks.Task) error {
	var payload tasks.RuntimePayload
	if err := json.Unmarshal(t.Payload, &payload); err != nil {
		return fmt.Errorf("bad runtime update payload: %w", err)
	}

	rt, err := s.store.GetRuntime(ctx, payload.RuntimeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	log := s.logger.WithRuntimeID(rt.ID).WithTaskID(t.ID)
	detachedAgentID, err := s.roll(ctx, rt, log)
	if err != nil {
		log.Error("update failed, submitting teardown", zap.Error(err))
		if _, delErr := s.SubmitDelete(ctx, rt.ID); delErr != nil {
			log.Error("failed to submit teardown", zap.Error(delErr))
		}
		return err
	}

	if detachedAgentID != "" {
		startID, err := s.engine.Submit(ctx, tasks.AgentStart, tasks.AgentStartPayload{
			AgentID:   detachedAgentID,
			RuntimeID: rt.ID,
		})
		if err != nil {
			return fmt.Errorf("failed to resubmit agent start: %w", err)
		}
		if err := s.store.RecordAgentStartTask(ctx, startID, detachedAgentID, rt.ID); err != nil {
			return fmt.Errorf("failed to record agent start task: %w", err)
		}
		log.Info("agent restart submitted after roll",
			zap.String("agent_id", detachedAgentID),
			zap.String("task_id", startID))
	}
	return nil
}

func (s *Service) roll(ctx context.Context, rt *store.Runtime, log *logger.Logger) (string, error) {
	revision, err := s.fabric.LatestTaskDefinitionRevision(ctx)
	if err != nil {
		return "", err
	}

	detachedAgentID := ""
	if agent, err := s.store.AgentForRuntime(ctx, rt.ID); err == nil {
		detachedAgentID = agent.ID
		if err := s.store.DetachAgent(ctx, agent.ID); err != nil {
			return "", err
		}
		log.Info("agent detached for roll", zap.String("agent_id", agent.ID))
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	if err := s.store.SetRuntimeStarted(ctx, rt.ID, false); err != nil {
		return detachedAgentID, err
	}

	serviceName := s.cfg.ServiceName(rt.ServiceNo)
	if err := s.fabric.ForceRedeploy(ctx, serviceName, revision); err != nil {
		return detachedAgentID, err
	}
	log.Info("redeploy forced", zap.Int("revision", revision))

	// Old deployment must drain before the runtime is probed, otherwise
	// the ping may hit the outgoing task.
	if err := s.pollUntil(ctx, "deployment drain", func(pollCtx context.Context) error {
		deployment, err := s.fabric.ActiveDeployment(pollCtx, serviceName)
		if err != nil {
			return err
		}
		if deployment != "" {
			return fmt.Errorf("deployment %s still active", deployment)
		}
		return nil
	}); err != nil {
		return detachedAgentID, err
	}

	if err := s.pollUntil(ctx, "runtime ping", func(pollCtx context.Context) error {
		return s.controller.Ping(pollCtx, rt.URL)
	}); err != nil {
		return detachedAgentID, err
	}

	if err := s.store.SetRuntimeStarted(ctx, rt.ID, true); err != nil {
		return detachedAgentID, err
	}
	return detachedAgentID, nil
}

// pollUntil retries probe on the service cadence until it succeeds or
// the budget is exhausted. No database work happens inside.
func (s *Service) pollUntil(ctx context.Context, phase string, probe func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.polls.Budget; attempt++ {
		if lastErr = probe(ctx); lastErr == nil {
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
	return fmt.Errorf("%s: budget of %d attempts exhausted: %w", phase, s.polls.Budget, lastErr)
}
