package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arachne-mcp/arachne/internal/arachne/discord"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

// roleManager is the slice of the gateway onboarding needs.
type roleManager interface {
	EnsureRole(ctx context.Context, serverID, name, accentColor string) (string, error)
	DeleteRole(ctx context.Context, serverID, roleID string)
	Announce(ctx context.Context, channelID, tmpl string, data discord.AnnounceData) error
}

// Onboarder runs the Entity-joins-server lifecycle: the permission row,
// the mentionable role, and the join announcement. It backs the dashboard
// and the server-request approval path.
type Onboarder struct {
	store   *store.Store
	discord roleManager
}

func NewOnboarder(st *store.Store, d roleManager) *Onboarder {
	return &Onboarder{store: st, discord: d}
}

// AddEntityToServer creates the EntityServer row, then the role and the
// announcement. The row is the source of truth; role and announcement
// failures degrade the experience but do not roll it back.
func (o *Onboarder) AddEntityToServer(ctx context.Context, es *store.EntityServer) error {
	entity, err := o.store.GetEntity(ctx, es.EntityID)
	if err != nil {
		return err
	}

	if err := o.store.CreateEntityServer(ctx, es); err != nil {
		return err
	}

	roleID, err := o.discord.EnsureRole(ctx, es.ServerID, entity.Name, entity.AccentColor)
	if err != nil {
		slog.Warn("onboard: role creation failed", "entity", es.EntityID, "server", es.ServerID, "err", err)
	} else if err := o.store.SetEntityServerRole(ctx, es.EntityID, es.ServerID, roleID); err != nil {
		return fmt.Errorf("store role id: %w", err)
	}

	o.announce(ctx, entity, es, roleID)
	return nil
}

// RemoveEntityFromServer deletes the permission row and cleans up the
// role best-effort.
func (o *Onboarder) RemoveEntityFromServer(ctx context.Context, entityID, serverID string) error {
	es, err := o.store.GetEntityServer(ctx, entityID, serverID)
	if err != nil {
		return err
	}
	if err := o.store.DeleteEntityServer(ctx, entityID, serverID); err != nil {
		return err
	}
	o.discord.DeleteRole(ctx, serverID, es.RoleID)
	return nil
}

// ApproveRequest resolves a pending server request and onboards the
// Entity with the server's default template, when one is configured.
func (o *Onboarder) ApproveRequest(ctx context.Context, requestID, reviewerID string) error {
	req, err := o.store.GetServerRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := o.store.ResolveServerRequest(ctx, requestID, store.RequestApproved, reviewerID); err != nil {
		return err
	}

	var channels, tools []string
	settings, err := o.store.GetServerSettings(ctx, req.ServerID)
	if err == nil && settings.DefaultTemplateID != "" {
		if tmpl, err := o.store.GetServerTemplate(ctx, settings.DefaultTemplateID); err == nil {
			channels, tools = tmpl.Channels, tmpl.Tools
		}
	}
	return o.AddEntityToServer(ctx, &store.EntityServer{
		EntityID: req.EntityID,
		ServerID: req.ServerID,
		Channels: channels,
		Tools:    tools,
	})
}

// RejectRequest resolves a pending server request without onboarding.
func (o *Onboarder) RejectRequest(ctx context.Context, requestID, reviewerID string) error {
	return o.store.ResolveServerRequest(ctx, requestID, store.RequestRejected, reviewerID)
}

// announce posts the join announcement. The row's AnnounceChannelID
// overrides the server-wide setting; with neither set the announcement
// is skipped. Best-effort.
func (o *Onboarder) announce(ctx context.Context, entity *store.Entity, es *store.EntityServer, roleID string) {
	settings, err := o.store.GetServerSettings(ctx, es.ServerID)
	if err != nil {
		return
	}
	channelID := es.AnnounceChannelID
	if channelID == "" {
		channelID = settings.AnnounceChannelID
	}
	if channelID == "" {
		return
	}

	data := discord.AnnounceData{
		Name:     entity.Name,
		Platform: entity.Platform,
		Owner:    entity.OwnerName,
	}
	if roleID != "" {
		data.Mention = discord.RoleMention(roleID)
	}
	if entity.OwnerID != "" {
		data.OwnerMention = discord.UserMention(entity.OwnerID)
	}

	if err := o.discord.Announce(ctx, channelID, settings.AnnounceMessage, data); err != nil {
		slog.Warn("onboard: announcement failed",
			"entity", entity.ID, "server", es.ServerID, "err", err)
	}
}
