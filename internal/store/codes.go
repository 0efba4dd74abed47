// ABOUTME: SQLite store methods for the access-code directory rows
// ABOUTME: Codes are reference data managed out of band; the core only reads them

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetAccessCode retrieves an access code entry. Returns ErrNotFound if the
// code does not exist or is inactive.
func (s *SQLiteStore) GetAccessCode(ctx context.Context, code string) (*AccessCode, error) {
	query := `
		SELECT code, agent_code, display_name, restricted_phone, active, created_at
		FROM access_codes
		WHERE code = ? AND active = 1
	`

	var ac AccessCode
	var active int
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&ac.Code,
		&ac.AgentCode,
		&ac.DisplayName,
		&ac.RestrictedPhone,
		&active,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying access code: %w", err)
	}

	ac.Active = active != 0
	if ac.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ac, nil
}

// PutAccessCode inserts or replaces an access code entry.
func (s *SQLiteStore) PutAccessCode(ctx context.Context, code *AccessCode) error {
	query := `
		INSERT INTO access_codes (code, agent_code, display_name, restricted_phone, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			agent_code = excluded.agent_code,
			display_name = excluded.display_name,
			restricted_phone = excluded.restricted_phone,
			active = excluded.active
	`

	_, err := s.db.ExecContext(ctx, query,
		code.Code,
		code.AgentCode,
		code.DisplayName,
		code.RestrictedPhone,
		boolToInt(code.Active),
		code.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting access code: %w", err)
	}
	return nil
}
