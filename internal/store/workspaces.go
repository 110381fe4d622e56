package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const activeWorkspaceKey = "active_workspace"

// Workspace is a persisted workspace record. Local workspaces point at a
// directory on disk; remote ones carry a named-tunnel token instead.
type Workspace struct {
	ID          string
	Name        string
	Path        string
	Port        int
	IsLocal     bool
	TunnelToken string
	TunnelURL   string
	LastUsedAt  time.Time
}

// SaveWorkspace inserts or replaces a workspace record.
func (s *Store) SaveWorkspace(ctx context.Context, ws Workspace) error {
	if ws.ID == "" {
		return fmt.Errorf("store: save workspace: id is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, path, port, is_local, tunnel_token, tunnel_url, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				path = excluded.path,
				port = excluded.port,
				is_local = excluded.is_local,
				tunnel_token = excluded.tunnel_token,
				tunnel_url = excluded.tunnel_url,
				last_used_at = excluded.last_used_at,
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
			ws.ID, ws.Name, ws.Path, ws.Port, boolToInt(ws.IsLocal), ws.TunnelToken, ws.TunnelURL, formatTime(ws.LastUsedAt))
		return err
	})
}

// Workspace returns a single workspace by id.
func (s *Store) Workspace(ctx context.Context, id string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, port, is_local, tunnel_token, tunnel_url, last_used_at
		FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return Workspace{}, NotFoundError{Entity: "workspace", Key: id}
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("store: load workspace %s: %w", id, err)
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces ordered by most recent use.
func (s *Store) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, port, is_local, tunnel_token, tunnel_url, last_used_at
		FROM workspaces ORDER BY last_used_at DESC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes a workspace record. Deleting the active workspace
// clears the active marker as well.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return NotFoundError{Entity: "workspace", Key: id}
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ? AND value = ?`, activeWorkspaceKey, id)
		return err
	})
}

// TouchWorkspace updates a workspace's last-used timestamp.
func (s *Store) TouchWorkspace(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET last_used_at = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("store: touch workspace %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return NotFoundError{Entity: "workspace", Key: id}
	}
	return nil
}

// SetActiveWorkspace records which workspace the UI last selected. An empty
// id clears the marker.
func (s *Store) SetActiveWorkspace(ctx context.Context, id string) error {
	if id == "" {
		return s.DeleteSetting(ctx, activeWorkspaceKey)
	}
	return s.SetSetting(ctx, activeWorkspaceKey, id)
}

// ActiveWorkspaceID returns the last selected workspace id, or empty when
// none is recorded.
func (s *Store) ActiveWorkspaceID(ctx context.Context) (string, error) {
	id, err := s.Setting(ctx, activeWorkspaceKey)
	if IsNotFound(err) {
		return "", nil
	}
	return id, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkspace(row rowScanner) (Workspace, error) {
	var (
		ws       Workspace
		isLocal  int
		lastUsed string
	)
	if err := row.Scan(&ws.ID, &ws.Name, &ws.Path, &ws.Port, &isLocal, &ws.TunnelToken, &ws.TunnelURL, &lastUsed); err != nil {
		return Workspace{}, err
	}
	ws.IsLocal = isLocal != 0
	ws.LastUsedAt = parseTime(lastUsed)
	return ws, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
