package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// License is the singleton license record. WorkspacesEnabled may only be
// true while Licensed is true; the coordinator enforces that invariant and
// this layer persists whatever it is handed.
type License struct {
	Licensed          bool
	Email             string
	Key               string
	LastValidatedAt   time.Time
	WorkspacesEnabled bool
}

// License returns the current license record.
func (s *Store) License(ctx context.Context) (License, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT licensed, email, license_key, last_validated_at, workspaces_enabled
		FROM license WHERE id = 1`)

	var (
		lic           License
		licensed      int
		enabled       int
		lastValidated string
	)
	if err := row.Scan(&licensed, &lic.Email, &lic.Key, &lastValidated, &enabled); err != nil {
		return License{}, fmt.Errorf("store: load license: %w", err)
	}
	lic.Licensed = licensed != 0
	lic.WorkspacesEnabled = enabled != 0
	lic.LastValidatedAt = parseTime(lastValidated)
	return lic, nil
}

// SaveLicense replaces the license record.
func (s *Store) SaveLicense(ctx context.Context, lic License) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE license SET
				licensed = ?,
				email = ?,
				license_key = ?,
				last_validated_at = ?,
				workspaces_enabled = ?,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = 1`,
			boolToInt(lic.Licensed), lic.Email, lic.Key,
			formatTime(lic.LastValidatedAt), boolToInt(lic.WorkspacesEnabled))
		return err
	})
}

// SetWorkspacesEnabled flips the workspaces flag without touching the rest
// of the license record.
func (s *Store) SetWorkspacesEnabled(ctx context.Context, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE license SET workspaces_enabled = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = 1`, boolToInt(enabled))
	if err != nil {
		return fmt.Errorf("store: set workspaces enabled: %w", err)
	}
	return nil
}

// ClearLicense resets the license record to its unlicensed defaults.
func (s *Store) ClearLicense(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE license SET
			licensed = 0,
			email = '',
			license_key = '',
			last_validated_at = '',
			workspaces_enabled = 0,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("store: clear license: %w", err)
	}
	return nil
}
