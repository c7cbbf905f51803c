package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServerSettings holds per-server defaults: where to announce new Entities,
// the announcement template, and the default permission template.
type ServerSettings struct {
	ServerID          string
	AnnounceChannelID string
	// AnnounceMessage uses the placeholder grammar documented in
	// discord.RenderAnnouncement. Empty means the built-in default.
	AnnounceMessage   string
	DefaultTemplateID string
}

// GetServerSettings returns the settings row, or zero-valued settings when
// none were ever saved for the server.
func (s *Store) GetServerSettings(ctx context.Context, serverID string) (*ServerSettings, error) {
	set := &ServerSettings{ServerID: serverID}
	err := s.db.QueryRowContext(ctx, `
		SELECT announce_channel_id, announce_message, default_template_id
		FROM server_settings WHERE server_id = ?
	`, serverID).Scan(&set.AnnounceChannelID, &set.AnnounceMessage, &set.DefaultTemplateID)
	if errors.Is(err, sql.ErrNoRows) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server settings: %w", err)
	}
	return set, nil
}

// SaveServerSettings upserts the settings row.
func (s *Store) SaveServerSettings(ctx context.Context, set *ServerSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_settings (server_id, announce_channel_id, announce_message, default_template_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			announce_channel_id = excluded.announce_channel_id,
			announce_message = excluded.announce_message,
			default_template_id = excluded.default_template_id
	`, set.ServerID, set.AnnounceChannelID, set.AnnounceMessage, set.DefaultTemplateID)
	if err != nil {
		return fmt.Errorf("failed to save server settings: %w", err)
	}
	return nil
}

// ServerTemplate is a reusable (channels, tools) preset for a server.
type ServerTemplate struct {
	ID        string
	ServerID  string
	Name      string
	Channels  []string
	Tools     []string
	CreatedAt time.Time
}

// CreateServerTemplate inserts a new template and returns its id.
func (s *Store) CreateServerTemplate(ctx context.Context, t *ServerTemplate) error {
	if t.Name == "" {
		return fmt.Errorf("%w: template name must not be empty", ErrInvalid)
	}
	t.ID = uuid.New().String()
	t.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_templates (id, server_id, name, channels, tools, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.ID, t.ServerID, t.Name, encodeSet(t.Channels), encodeSet(t.Tools), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create server template: %w", err)
	}
	return nil
}

// GetServerTemplate retrieves a template by id.
func (s *Store) GetServerTemplate(ctx context.Context, id string) (*ServerTemplate, error) {
	t := &ServerTemplate{}
	var channels, tools string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, server_id, name, channels, tools, created_at
		FROM server_templates WHERE id = ?
	`, id).Scan(&t.ID, &t.ServerID, &t.Name, &channels, &tools, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: template %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server template: %w", err)
	}
	t.Channels = decodeSet(channels)
	t.Tools = decodeSet(tools)
	return t, nil
}

// ListServerTemplates returns all templates for a server.
func (s *Store) ListServerTemplates(ctx context.Context, serverID string) ([]*ServerTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, name, channels, tools, created_at
		FROM server_templates WHERE server_id = ? ORDER BY created_at
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list server templates: %w", err)
	}
	defer rows.Close()

	var out []*ServerTemplate
	for rows.Next() {
		t := &ServerTemplate{}
		var channels, tools string
		if err := rows.Scan(&t.ID, &t.ServerID, &t.Name, &channels, &tools, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server template: %w", err)
		}
		t.Channels = decodeSet(channels)
		t.Tools = decodeSet(tools)
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteServerTemplate removes a template and detaches any bound rows.
func (s *Store) DeleteServerTemplate(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete template: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE entity_servers SET template_id = '' WHERE template_id = ?`, id); err != nil {
		return fmt.Errorf("detach template bindings: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM server_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: template %s", ErrNotFound, id)
	}
	return tx.Commit()
}

// ApplyTemplate copies the template's channels and tools onto the
// EntityServer row. With bind=true the row records the template id so future
// template edits propagate; a one-shot apply leaves the binding empty.
// Watch/blocked sets are pruned to the new whitelist either way.
func (s *Store) ApplyTemplate(ctx context.Context, entityID, serverID, templateID string, bind bool) error {
	t, err := s.GetServerTemplate(ctx, templateID)
	if err != nil {
		return err
	}
	if t.ServerID != serverID {
		return fmt.Errorf("%w: template %s belongs to another server", ErrInvalid, templateID)
	}
	es, err := s.GetEntityServer(ctx, entityID, serverID)
	if err != nil {
		return err
	}

	watch := es.WatchChannels
	blocked := es.BlockedChannels
	if len(t.Channels) > 0 {
		watch = setIntersect(watch, t.Channels)
		blocked = setIntersect(blocked, t.Channels)
	}

	binding := ""
	if bind {
		binding = templateID
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE entity_servers
		SET channels = ?, tools = ?, watch_channels = ?, blocked_channels = ?, template_id = ?
		WHERE entity_id = ? AND server_id = ?
	`, encodeSet(t.Channels), encodeSet(t.Tools), encodeSet(watch), encodeSet(blocked),
		binding, entityID, serverID)
	if err != nil {
		return fmt.Errorf("failed to apply template: %w", err)
	}
	return nil
}

// UpdateServerTemplate persists new channel/tool sets for the template and
// propagates them to every EntityServer row still bound to it.
func (s *Store) UpdateServerTemplate(ctx context.Context, t *ServerTemplate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE server_templates SET name = ?, channels = ?, tools = ? WHERE id = ?
	`, t.Name, encodeSet(t.Channels), encodeSet(t.Tools), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update server template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: template %s", ErrNotFound, t.ID)
	}

	bound, err := s.listEntityServers(ctx,
		`SELECT `+entityServerColumns+` FROM entity_servers WHERE template_id = ?`, t.ID)
	if err != nil {
		return err
	}
	for _, es := range bound {
		if err := s.ApplyTemplate(ctx, es.EntityID, es.ServerID, t.ID, true); err != nil {
			return fmt.Errorf("propagate template to %s/%s: %w", es.EntityID, es.ServerID, err)
		}
	}
	return nil
}
