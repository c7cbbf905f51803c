package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/arachne-mcp/arachne/common/retry"
)

// EnsureRole creates the mentionable server role that gives an Entity an
// @-handle, returning the role id. accentColor is an optional "#rrggbb"
// hex string.
func (g *Gateway) EnsureRole(ctx context.Context, serverID, name, accentColor string) (string, error) {
	mentionable := true
	params := &discordgo.RoleParams{
		Name:        name,
		Mentionable: &mentionable,
	}
	if c, ok := HexColor(accentColor); ok {
		params.Color = &c
	}

	role, err := g.Session.GuildRoleCreate(serverID, params, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create role %q on server %s: %w", name, serverID, err)
	}
	slog.Info("discord: created entity role", "server", serverID, "role", role.ID, "name", name)
	return role.ID, nil
}

// DeleteRole removes an Entity's role. Best-effort: the caller's primary
// operation (leaving the server, deleting the Entity) has already
// committed, so failure is logged and swallowed.
func (g *Gateway) DeleteRole(ctx context.Context, serverID, roleID string) {
	if roleID == "" {
		return
	}
	err := retry.Do(ctx, dmRetry, func() error {
		return g.Session.GuildRoleDelete(serverID, roleID, discordgo.WithContext(ctx))
	})
	if err != nil {
		slog.Warn("discord: role deletion failed", "server", serverID, "role", roleID, "err", err)
	}
}

// RoleMention renders the mention syntax for a role id.
func RoleMention(roleID string) string {
	return "<@&" + roleID + ">"
}

// UserMention renders the mention syntax for a user id.
func UserMention(userID string) string {
	return "<@" + userID + ">"
}

// Announce posts a join announcement to the channel as the bot itself
// (not through the webhook proxy, so it reads as a server event rather
// than an Entity speaking).
func (g *Gateway) Announce(ctx context.Context, channelID, tmpl string, data AnnounceData) error {
	if tmpl == "" {
		tmpl = DefaultAnnounceTemplate
	}
	content := RenderAnnouncement(tmpl, data)
	if strings.TrimSpace(content) == "" {
		return nil
	}
	_, err := g.Session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("announce on channel %s: %w", channelID, err)
	}
	return nil
}

// HexColor accepts "#rrggbb" or "rrggbb" and returns the integer color
// Discord expects.
func HexColor(s string) (int, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return int(v), true
}
