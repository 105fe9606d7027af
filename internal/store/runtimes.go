package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// CreateRuntime inserts a runtime row. A unique-constraint failure on
// service_no is surfaced as ErrServiceNoTaken so the allocator retries.
func (s *Store) CreateRuntime(ctx context.Context, r *Runtime) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	query := s.db.Rebind(`
		INSERT INTO runtimes (id, service_no, url, started, failed_healthchecks, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query, r.ID, r.ServiceNo, r.URL, r.Started, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrServiceNoTaken
		}
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	return nil
}

// GetRuntime fetches a runtime by id.
func (s *Store) GetRuntime(ctx context.Context, id string) (*Runtime, error) {
	var r Runtime
	query := s.db.Rebind(`SELECT * FROM runtimes WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get runtime: %w", err)
	}
	return &r, nil
}

// ListRuntimes returns all runtimes. With unusedOnly, only runtimes with
// no bound agent are returned.
func (s *Store) ListRuntimes(ctx context.Context, unusedOnly bool) ([]Runtime, error) {
	query := `SELECT * FROM runtimes ORDER BY service_no`
	if unusedOnly {
		query = `
			SELECT r.* FROM runtimes r
			LEFT JOIN agents a ON a.runtime_id = r.id
			WHERE a.id IS NULL
			ORDER BY r.service_no`
	}
	var runtimes []Runtime
	if err := s.db.SelectContext(ctx, &runtimes, query); err != nil {
		return nil, fmt.Errorf("failed to list runtimes: %w", err)
	}
	return runtimes, nil
}

// ListRuntimeIDs returns the ids of all runtimes.
func (s *Store) ListRuntimeIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM runtimes ORDER BY service_no`); err != nil {
		return nil, fmt.Errorf("failed to list runtime ids: %w", err)
	}
	return ids, nil
}

// NextFreeServiceNo returns the smallest positive integer not held by any
// live runtime. The UNIQUE constraint on service_no resolves allocator
// races; the loser retries from here.
func (s *Store) NextFreeServiceNo(ctx context.Context) (int, error) {
	var taken []int
	if err := s.db.SelectContext(ctx, &taken, `SELECT service_no FROM runtimes`); err != nil {
		return 0, fmt.Errorf("failed to load service numbers: %w", err)
	}
	sort.Ints(taken)

	next := 1
	for _, n := range taken {
		if n == next {
			next++
		} else if n > next {
			break
		}
	}
	return next, nil
}

// SetRuntimeHandles persists whichever cloud-resource handles are non-nil.
// Handles are written immediately after they are obtained so teardown
// never has to re-discover them.
func (s *Store) SetRuntimeHandles(ctx context.Context, id string, targetGroup, httpRule, httpsRule, service *string) error {
	query := s.db.Rebind(`
		UPDATE runtimes SET
			target_group_handle = COALESCE(?, target_group_handle),
			http_rule_handle = COALESCE(?, http_rule_handle),
			https_rule_handle = COALESCE(?, https_rule_handle),
			service_handle = COALESCE(?, service_handle),
			updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, targetGroup, httpRule, httpsRule, service, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to persist runtime handles: %w", err)
	}
	return requireRowAffected(res)
}

// SetRuntimeStarted flips the started flag.
func (s *Store) SetRuntimeStarted(ctx context.Context, id string, started bool) error {
	query := s.db.Rebind(`UPDATE runtimes SET started = ?, updated_at = ? WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, started, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update runtime started flag: %w", err)
	}
	return requireRowAffected(res)
}

// MarkHealthcheckPassed resets the failure counter and stamps the check
// time.
func (s *Store) MarkHealthcheckPassed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`
		UPDATE runtimes SET failed_healthchecks = 0, last_healthcheck = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to record healthcheck: %w", err)
	}
	return requireRowAffected(res)
}

// IncrementFailedHealthchecks bumps the failure counter and returns the
// new value.
func (s *Store) IncrementFailedHealthchecks(ctx context.Context, id string) (int, error) {
	query := s.db.Rebind(`
		UPDATE runtimes SET failed_healthchecks = failed_healthchecks + 1, updated_at = ?
		WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return 0, fmt.Errorf("failed to increment healthcheck failures: %w", err)
	}

	var count int
	sel := s.db.Rebind(`SELECT failed_healthchecks FROM runtimes WHERE id = ?`)
	if err := s.db.GetContext(ctx, &count, sel, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read healthcheck failures: %w", err)
	}
	return count, nil
}

// DeleteRuntime removes the runtime row. Deleting a missing row is not an
// error; teardown is idempotent.
func (s *Store) DeleteRuntime(ctx context.Context, id string) error {
	query := s.db.Rebind(`DELETE FROM runtimes WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete runtime: %w", err)
	}
	return nil
}

func requireRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
