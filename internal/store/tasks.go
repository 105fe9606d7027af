package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/aidenhq/aiden/pkg/api/v1"
)

var runtimeTaskTables = map[TaskKind]string{
	TaskRuntimeCreate: "runtime_create_tasks",
	TaskRuntimeUpdate: "runtime_update_tasks",
	TaskRuntimeDelete: "runtime_delete_tasks",
}

// RecordRuntimeTask ties a task-engine handle to a runtime lifecycle
// invocation.
func (s *Store) RecordRuntimeTask(ctx context.Context, kind TaskKind, taskID, runtimeID string) error {
	table, ok := runtimeTaskTables[kind]
	if !ok {
		return fmt.Errorf("not a runtime task kind: %s", kind)
	}
	query := s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (task_id, runtime_id, created_at) VALUES (?, ?, ?)`, table))
	if _, err := s.db.ExecContext(ctx, query, taskID, runtimeID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record %s task: %w", kind, err)
	}
	return nil
}

// RecordAgentStartTask ties a task-engine handle to an agent-start
// invocation on a specific runtime.
func (s *Store) RecordAgentStartTask(ctx context.Context, taskID, agentID, runtimeID string) error {
	query := s.db.Rebind(`
		INSERT INTO agent_start_tasks (task_id, agent_id, runtime_id, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, taskID, agentID, runtimeID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record agent start task: %w", err)
	}
	return nil
}

// LatestRuntimeTask returns the most recent task record of one kind for a
// runtime, or nil when none exists. The most recent record is
// authoritative; older ones are history.
func (s *Store) LatestRuntimeTask(ctx context.Context, kind TaskKind, runtimeID string) (*TaskRecord, error) {
	table, ok := runtimeTaskTables[kind]
	if !ok {
		return nil, fmt.Errorf("not a runtime task kind: %s", kind)
	}
	var rec TaskRecord
	query := s.db.Rebind(fmt.Sprintf(`
		SELECT task_id, runtime_id, '' AS agent_id, created_at FROM %s
		WHERE runtime_id = ? ORDER BY created_at DESC LIMIT 1`, table))
	if err := s.db.GetContext(ctx, &rec, query, runtimeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest %s task: %w", kind, err)
	}
	return &rec, nil
}

// LatestRuntimeLifecycleTask returns the most recent create/update/delete
// record across all three kinds for a runtime, or nil.
func (s *Store) LatestRuntimeLifecycleTask(ctx context.Context, runtimeID string) (*TaskRecord, error) {
	var rec TaskRecord
	query := s.db.Rebind(`
		SELECT task_id, runtime_id, '' AS agent_id, created_at FROM (
			SELECT task_id, runtime_id, created_at FROM runtime_create_tasks WHERE runtime_id = ?
			UNION ALL
			SELECT task_id, runtime_id, created_at FROM runtime_update_tasks WHERE runtime_id = ?
			UNION ALL
			SELECT task_id, runtime_id, created_at FROM runtime_delete_tasks WHERE runtime_id = ?
		) lifecycle
		ORDER BY created_at DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &rec, query, runtimeID, runtimeID, runtimeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest lifecycle task: %w", err)
	}
	return &rec, nil
}

// LatestAgentStartByAgent returns the most recent agent-start record for
// an agent, or nil.
func (s *Store) LatestAgentStartByAgent(ctx context.Context, agentID string) (*TaskRecord, error) {
	return s.latestAgentStart(ctx, "agent_id", agentID)
}

// LatestAgentStartByRuntime returns the most recent agent-start record
// targeting a runtime, or nil.
func (s *Store) LatestAgentStartByRuntime(ctx context.Context, runtimeID string) (*TaskRecord, error) {
	return s.latestAgentStart(ctx, "runtime_id", runtimeID)
}

func (s *Store) latestAgentStart(ctx context.Context, column, id string) (*TaskRecord, error) {
	var rec TaskRecord
	query := s.db.Rebind(fmt.Sprintf(`
		SELECT task_id, agent_id, runtime_id, created_at FROM agent_start_tasks
		WHERE %s = ? ORDER BY created_at DESC LIMIT 1`, column))
	if err := s.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest agent start task: %w", err)
	}
	return &rec, nil
}

// LatestAgentStartFor returns the most recent agent-start record matching
// the given agent and/or runtime filters, or nil. Empty strings are
// wildcards.
func (s *Store) LatestAgentStartFor(ctx context.Context, agentID, runtimeID string) (*TaskRecord, error) {
	var rec TaskRecord
	query := s.db.Rebind(`
		SELECT task_id, agent_id, runtime_id, created_at FROM agent_start_tasks
		WHERE (? = '' OR agent_id = ?) AND (? = '' OR runtime_id = ?)
		ORDER BY created_at DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &rec, query, agentID, agentID, runtimeID, runtimeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest agent start task: %w", err)
	}
	return &rec, nil
}

// UpsertTaskStatus writes the engine-owned status entry for a task.
func (s *Store) UpsertTaskStatus(ctx context.Context, taskID string, status v1.TaskStatus, errMsg string) error {
	query := s.db.Rebind(`
		INSERT INTO task_statuses (task_id, status, error, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, taskID, string(status), errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert task status: %w", err)
	}
	return nil
}

// GetTaskStatus returns the status and error string for a task. Submit
// writes the PENDING row before dispatching, so a missing row means the
// id was never submitted and returns ErrNotFound.
func (s *Store) GetTaskStatus(ctx context.Context, taskID string) (v1.TaskStatus, string, error) {
	row, err := s.GetTaskStatusRow(ctx, taskID)
	if err != nil {
		return "", "", err
	}
	return v1.TaskStatus(row.Status), row.Error, nil
}

// GetTaskStatusRow returns the full status row for a task, including the
// last transition time, or ErrNotFound.
func (s *Store) GetTaskStatusRow(ctx context.Context, taskID string) (*TaskStatusRow, error) {
	var row TaskStatusRow
	query := s.db.Rebind(`SELECT * FROM task_statuses WHERE task_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, taskID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	return &row, nil
}
