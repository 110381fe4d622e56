package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Credential blobs are opaque to this layer: the secrets package encrypts
// token payloads before handing them over and decrypts them on the way out.

// Credential returns the stored blob for an endpoint key.
func (s *Store) Credential(ctx context.Context, endpointKey string) (string, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM credentials WHERE endpoint_key = ?`, endpointKey).Scan(&blob)
	if err == sql.ErrNoRows {
		return "", NotFoundError{Entity: "credential", Key: endpointKey}
	}
	if err != nil {
		return "", fmt.Errorf("store: load credential %s: %w", endpointKey, err)
	}
	return blob, nil
}

// SetCredential inserts or replaces the blob for an endpoint key.
func (s *Store) SetCredential(ctx context.Context, endpointKey, blob string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (endpoint_key, blob) VALUES (?, ?)
		ON CONFLICT(endpoint_key) DO UPDATE SET
			blob = excluded.blob,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		endpointKey, blob)
	if err != nil {
		return fmt.Errorf("store: set credential %s: %w", endpointKey, err)
	}
	return nil
}

// DeleteCredential removes the blob for an endpoint key. Absent keys are
// not an error.
func (s *Store) DeleteCredential(ctx context.Context, endpointKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE endpoint_key = ?`, endpointKey); err != nil {
		return fmt.Errorf("store: delete credential %s: %w", endpointKey, err)
	}
	return nil
}
