package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EntityServer is the per-(Entity, server) permission row. Channels and
// Tools form the admin ceiling (empty set means "all"); WatchChannels and
// BlockedChannels are owner tuning and always live inside the ceiling.
type EntityServer struct {
	EntityID string
	ServerID string
	// Channels is the admin channel whitelist. Empty means every channel.
	Channels []string
	// Tools is the admin tool whitelist. Empty means every tool.
	Tools []string
	// WatchChannels marks channels where the Entity auto-responds.
	WatchChannels []string
	// BlockedChannels marks read-only channels. Disjoint from WatchChannels.
	BlockedChannels []string
	// RoleID is the mentionable Discord role auto-created for the Entity.
	RoleID string
	// AnnounceChannelID overrides the server's announcement channel.
	AnnounceChannelID string
	// TemplateID is set when the row is bound to a server template; edits to
	// the template propagate until a manual change detaches the binding.
	TemplateID string
	CreatedAt  time.Time
}

// ChannelVisible reports whether the admin whitelist admits the channel.
func (es *EntityServer) ChannelVisible(channelID string) bool {
	return len(es.Channels) == 0 || setContains(es.Channels, channelID)
}

// ToolAllowed reports whether the admin tool whitelist admits the tool.
func (es *EntityServer) ToolAllowed(name string) bool {
	return len(es.Tools) == 0 || setContains(es.Tools, name)
}

// CreateEntityServer inserts the permission row. A duplicate insert is
// idempotent: the existing row wins and a warning is logged.
func (s *Store) CreateEntityServer(ctx context.Context, es *EntityServer) error {
	if err := checkTiers(es.Channels, es.WatchChannels, es.BlockedChannels); err != nil {
		return err
	}
	es.CreatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO entity_servers (entity_id, server_id, channels, tools,
		                            watch_channels, blocked_channels, role_id,
		                            announce_channel_id, template_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, server_id) DO NOTHING
	`, es.EntityID, es.ServerID, encodeSet(es.Channels), encodeSet(es.Tools),
		encodeSet(es.WatchChannels), encodeSet(es.BlockedChannels), es.RoleID,
		es.AnnounceChannelID, es.TemplateID, es.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create entity server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("store: duplicate entity server insert ignored",
			"entity", es.EntityID, "server", es.ServerID)
	}
	return nil
}

const entityServerColumns = `entity_id, server_id, channels, tools,
	watch_channels, blocked_channels, role_id, announce_channel_id,
	template_id, created_at`

func scanEntityServer(row interface{ Scan(...any) error }) (*EntityServer, error) {
	es := &EntityServer{}
	var channels, tools, watch, blocked string
	err := row.Scan(
		&es.EntityID, &es.ServerID, &channels, &tools,
		&watch, &blocked, &es.RoleID, &es.AnnounceChannelID,
		&es.TemplateID, &es.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	es.Channels = decodeSet(channels)
	es.Tools = decodeSet(tools)
	es.WatchChannels = decodeSet(watch)
	es.BlockedChannels = decodeSet(blocked)
	return es, nil
}

// GetEntityServer retrieves one permission row.
func (s *Store) GetEntityServer(ctx context.Context, entityID, serverID string) (*EntityServer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityServerColumns+` FROM entity_servers WHERE entity_id = ? AND server_id = ?`,
		entityID, serverID)
	es, err := scanEntityServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s on server %s", ErrNotFound, entityID, serverID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity server: %w", err)
	}
	return es, nil
}

// ListEntityServers returns every permission row for an Entity.
func (s *Store) ListEntityServers(ctx context.Context, entityID string) ([]*EntityServer, error) {
	return s.listEntityServers(ctx,
		`SELECT `+entityServerColumns+` FROM entity_servers WHERE entity_id = ?`, entityID)
}

func (s *Store) listEntityServers(ctx context.Context, query string, args ...any) ([]*EntityServer, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity servers: %w", err)
	}
	defer rows.Close()

	var out []*EntityServer
	for rows.Next() {
		es, err := scanEntityServer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity server: %w", err)
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// SetAdminPermissions replaces the admin ceiling. Existing watch and blocked
// sets are pruned to the new whitelist so the containment invariant is
// re-established before commit, and any template binding is detached.
func (s *Store) SetAdminPermissions(ctx context.Context, entityID, serverID string, channels, tools []string) error {
	es, err := s.GetEntityServer(ctx, entityID, serverID)
	if err != nil {
		return err
	}

	watch := es.WatchChannels
	blocked := es.BlockedChannels
	if len(channels) > 0 {
		watch = setIntersect(watch, channels)
		blocked = setIntersect(blocked, channels)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE entity_servers
		SET channels = ?, tools = ?, watch_channels = ?, blocked_channels = ?, template_id = ''
		WHERE entity_id = ? AND server_id = ?
	`, encodeSet(channels), encodeSet(tools), encodeSet(watch), encodeSet(blocked),
		entityID, serverID)
	if err != nil {
		return fmt.Errorf("failed to set admin permissions: %w", err)
	}
	return nil
}

// SetOwnerChannels replaces the owner watch/blocked tuning. Both sets must
// sit inside the admin whitelist and be disjoint.
func (s *Store) SetOwnerChannels(ctx context.Context, entityID, serverID string, watch, blocked []string) error {
	es, err := s.GetEntityServer(ctx, entityID, serverID)
	if err != nil {
		return err
	}
	if err := checkTiers(es.Channels, watch, blocked); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE entity_servers SET watch_channels = ?, blocked_channels = ?
		WHERE entity_id = ? AND server_id = ?
	`, encodeSet(watch), encodeSet(blocked), entityID, serverID)
	if err != nil {
		return fmt.Errorf("failed to set owner channels: %w", err)
	}
	return nil
}

// SetEntityServerRole records the auto-created Discord role id.
func (s *Store) SetEntityServerRole(ctx context.Context, entityID, serverID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE entity_servers SET role_id = ? WHERE entity_id = ? AND server_id = ?
	`, roleID, entityID, serverID)
	if err != nil {
		return fmt.Errorf("failed to set role id: %w", err)
	}
	return nil
}

// DeleteEntityServer removes the permission row. Role cleanup on Discord is
// the caller's responsibility (best-effort, outside the transaction).
func (s *Store) DeleteEntityServer(ctx context.Context, entityID, serverID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entity_servers WHERE entity_id = ? AND server_id = ?`,
		entityID, serverID)
	if err != nil {
		return fmt.Errorf("failed to delete entity server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: entity %s on server %s", ErrNotFound, entityID, serverID)
	}
	return nil
}

// ChannelEntity pairs an active Entity with its permission row for a server.
type ChannelEntity struct {
	Entity *Entity
	Server *EntityServer
}

// EntitiesForChannel returns every active Entity whose whitelist admits the
// channel. The query is driven by the entity_servers.server_id index; the
// channel membership check runs over the (small) per-server result set, never
// over all entities.
func (s *Store) EntitiesForChannel(ctx context.Context, serverID, channelID string) ([]*ChannelEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.`+entityColumnsQualified("e")+`,
		       es.channels, es.tools, es.watch_channels, es.blocked_channels,
		       es.role_id, es.announce_channel_id, es.template_id, es.created_at
		FROM entity_servers es
		JOIN entities e ON e.id = es.entity_id
		WHERE es.server_id = ? AND e.active = 1
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities for channel: %w", err)
	}
	defer rows.Close()

	var out []*ChannelEntity
	for rows.Next() {
		e := &Entity{}
		es := &EntityServer{ServerID: serverID}
		var active, notifyAddr, notifyTrig int
		var triggers, channels, tools, watch, blocked string
		err := rows.Scan(
			&e.ID, &e.Name, &e.AvatarURL, &e.Description, &e.AccentColor, &e.Platform,
			&e.OwnerID, &e.OwnerName, &e.KeyHash, &e.KeySalt, &active,
			&triggers, &notifyAddr, &notifyTrig, &e.CreatedAt,
			&channels, &tools, &watch, &blocked,
			&es.RoleID, &es.AnnounceChannelID, &es.TemplateID, &es.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel entity: %w", err)
		}
		e.Active = active != 0
		e.NotifyAddressed = notifyAddr != 0
		e.NotifyTriggered = notifyTrig != 0
		e.Triggers = decodeSet(triggers)
		es.EntityID = e.ID
		es.Channels = decodeSet(channels)
		es.Tools = decodeSet(tools)
		es.WatchChannels = decodeSet(watch)
		es.BlockedChannels = decodeSet(blocked)

		if !es.ChannelVisible(channelID) {
			continue
		}
		out = append(out, &ChannelEntity{Entity: e, Server: es})
	}
	return out, rows.Err()
}

// RoleEntityMap returns role_id -> entity_id for active Entities on the
// server, used to resolve @-mentions of Entity roles.
func (s *Store) RoleEntityMap(ctx context.Context, serverID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT es.role_id, es.entity_id
		FROM entity_servers es
		JOIN entities e ON e.id = es.entity_id
		WHERE es.server_id = ? AND e.active = 1 AND es.role_id != ''
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role map: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var roleID, entityID string
		if err := rows.Scan(&roleID, &entityID); err != nil {
			return nil, fmt.Errorf("failed to scan role map: %w", err)
		}
		out[roleID] = entityID
	}
	return out, rows.Err()
}

// checkTiers validates the two-tier containment invariant:
// watch ⊆ channels, blocked ⊆ channels (when the whitelist is non-empty),
// and watch ∩ blocked = ∅.
func checkTiers(channels, watch, blocked []string) error {
	if len(channels) > 0 {
		if !setSubset(watch, channels) {
			return fmt.Errorf("%w: watch channels outside the admin whitelist", ErrInvalid)
		}
		if !setSubset(blocked, channels) {
			return fmt.Errorf("%w: blocked channels outside the admin whitelist", ErrInvalid)
		}
	}
	if overlap := setIntersect(watch, blocked); len(overlap) > 0 {
		return fmt.Errorf("%w: channels both watched and blocked: %v", ErrInvalid, overlap)
	}
	return nil
}

// entityColumnsQualified prefixes the entity column list with a table alias.
func entityColumnsQualified(alias string) string {
	return `id, ` + alias + `.name, ` + alias + `.avatar_url, ` + alias + `.description, ` +
		alias + `.accent_color, ` + alias + `.platform, ` + alias + `.owner_id, ` +
		alias + `.owner_name, ` + alias + `.key_hash, ` + alias + `.key_salt, ` +
		alias + `.active, ` + alias + `.triggers, ` + alias + `.notify_addressed, ` +
		alias + `.notify_triggered, ` + alias + `.created_at`
}
