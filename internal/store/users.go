package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateUser inserts a user row.
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	u.CreatedAt = time.Now().UTC()
	if u.Role == "" {
		u.Role = RoleUser
	}
	query := s.db.Rebind(`
		INSERT INTO users (id, dynamic_id, role, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.DynamicID, u.Role, u.CreatedAt); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpsertUser inserts or refreshes a user row. Called on authenticated
// requests to keep the identity-provider mapping current.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	u.CreatedAt = time.Now().UTC()
	if u.Role == "" {
		u.Role = RoleUser
	}
	query := s.db.Rebind(`
		INSERT INTO users (id, dynamic_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET dynamic_id = excluded.dynamic_id, role = excluded.role`)
	if _, err := s.db.ExecContext(ctx, query, u.ID, u.DynamicID, u.Role, u.CreatedAt); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	query := s.db.Rebind(`SELECT * FROM users WHERE id = ?`)
	if err := s.db.GetContext(ctx, &u, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

// GetUserByDynamicID resolves the identity-provider id to a user row.
func (s *Store) GetUserByDynamicID(ctx context.Context, dynamicID string) (*User, error) {
	var u User
	query := s.db.Rebind(`SELECT * FROM users WHERE dynamic_id = ?`)
	if err := s.db.GetContext(ctx, &u, query, dynamicID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user by dynamic id: %w", err)
	}
	return &u, nil
}
