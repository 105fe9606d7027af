package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAgent inserts an agent row.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	query := s.db.Rebind(`
		INSERT INTO agents (id, owner_id, character_json, env_file, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, a.ID, a.OwnerID, a.CharacterJSON, a.EnvFile, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	query := s.db.Rebind(`SELECT * FROM agents WHERE id = ?`)
	if err := s.db.GetContext(ctx, &a, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

// ListAgentsByOwner returns the agents owned by a user.
func (s *Store) ListAgentsByOwner(ctx context.Context, ownerID string) ([]Agent, error) {
	var agents []Agent
	query := s.db.Rebind(`SELECT * FROM agents WHERE owner_id = ? ORDER BY created_at`)
	if err := s.db.SelectContext(ctx, &agents, query, ownerID); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	return agents, nil
}

// CountAgentsByOwner counts the agents owned by a user. Used for the
// per-owner admission cap.
func (s *Store) CountAgentsByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int
	query := s.db.Rebind(`SELECT COUNT(*) FROM agents WHERE owner_id = ?`)
	if err := s.db.GetContext(ctx, &count, query, ownerID); err != nil {
		return 0, fmt.Errorf("failed to count agents: %w", err)
	}
	return count, nil
}

// AgentForRuntime returns the agent bound to a runtime, or ErrNotFound.
func (s *Store) AgentForRuntime(ctx context.Context, runtimeID string) (*Agent, error) {
	var a Agent
	query := s.db.Rebind(`SELECT * FROM agents WHERE runtime_id = ?`)
	if err := s.db.GetContext(ctx, &a, query, runtimeID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent for runtime: %w", err)
	}
	return &a, nil
}

// UpdateAgent patches character_json and/or env_file. Nil fields are left
// untouched.
func (s *Store) UpdateAgent(ctx context.Context, id string, characterJSON, envFile *string) error {
	query := s.db.Rebind(`
		UPDATE agents SET
			character_json = COALESCE(?, character_json),
			env_file = COALESCE(?, env_file),
			updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, characterJSON, envFile, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return requireRowAffected(res)
}

// BindAgent attaches an agent to a runtime and records the external id
// the in-container controller assigned. An empty external id is stored
// as NULL: the controller reported no identity, so there is none to
// compare against later.
func (s *Store) BindAgent(ctx context.Context, agentID, runtimeID, externalAgentID string) error {
	query := s.db.Rebind(`
		UPDATE agents SET runtime_id = ?, external_agent_id = NULLIF(?, ''), updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, runtimeID, externalAgentID, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to bind agent: %w", err)
	}
	return requireRowAffected(res)
}

// DetachAgent clears an agent's runtime binding.
func (s *Store) DetachAgent(ctx context.Context, agentID string) error {
	query := s.db.Rebind(`
		UPDATE agents SET runtime_id = NULL, external_agent_id = NULL, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), agentID)
	if err != nil {
		return fmt.Errorf("failed to detach agent: %w", err)
	}
	return requireRowAffected(res)
}

// DetachAgentsFromRuntime clears any binding pointing at a runtime.
// Used before starting a character to evict stale rows.
func (s *Store) DetachAgentsFromRuntime(ctx context.Context, runtimeID string) error {
	query := s.db.Rebind(`
		UPDATE agents SET runtime_id = NULL, external_agent_id = NULL, updated_at = ?
		WHERE runtime_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), runtimeID); err != nil {
		return fmt.Errorf("failed to detach agents from runtime: %w", err)
	}
	return nil
}

// DeleteAgent removes an agent row.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM agents WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	return requireRowAffected(res)
}
