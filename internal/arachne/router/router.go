// Package router fans inbound gateway events out to per-Entity queues.
// It runs synchronously in the gateway's dispatch goroutine, so the
// per-Entity enqueue order matches delivery order; anything slow (owner
// notifications) is pushed to a background goroutine.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/arachne-mcp/arachne/internal/arachne/bus"
	"github.com/arachne-mcp/arachne/internal/arachne/discord"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

// excerptLimit bounds the content excerpt in owner notification DMs.
const excerptLimit = 200

// notifyTimeout bounds one background owner DM, including retries.
const notifyTimeout = 30 * time.Second

type registry interface {
	EntitiesForChannel(ctx context.Context, serverID, channelID string) ([]*store.ChannelEntity, error)
	RoleEntityMap(ctx context.Context, serverID string) (map[string]string, error)
}

type enqueuer interface {
	Enqueue(entityID string, m bus.Message, key []byte)
}

type keySource interface {
	Get(entityID string) []byte
}

type attributor interface {
	OwnsWebhook(webhookID string) bool
}

// notifier is the slice of the gateway the router needs for side effects.
type notifier interface {
	BotUserID() string
	ChannelName(channelID string) string
	NotifyOwner(ctx context.Context, ownerID, content string)
}

// Router drives the inbound pipeline: discard, candidate lookup, tag
// computation, enqueue, owner notification.
type Router struct {
	reg    registry
	queues enqueuer
	keys   keySource
	proxy  attributor
	notify notifier
}

func New(reg registry, queues enqueuer, keys keySource, proxy attributor, notify notifier) *Router {
	return &Router{reg: reg, queues: queues, keys: keys, proxy: proxy, notify: notify}
}

// Dispatch routes one gateway message event. It never returns an error:
// routing failures are logged and the event is dropped, because the
// gateway cannot be asked to redeliver.
func (r *Router) Dispatch(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == r.notify.BotUserID() {
		return
	}
	if m.WebhookID != "" && r.proxy.OwnsWebhook(m.WebhookID) {
		return
	}
	// Direct messages have no guild and are not routed to Entities.
	if m.GuildID == "" {
		return
	}

	candidates, err := r.reg.EntitiesForChannel(ctx, m.GuildID, m.ChannelID)
	if err != nil {
		slog.Error("router: candidate lookup failed",
			"server", m.GuildID, "channel", m.ChannelID, "err", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	// Role mentions resolve to Entities through the per-server role map.
	// Fetched once per event, only when the message mentions any role.
	var roleOwners map[string]string
	if len(m.MentionRoles) > 0 {
		roleOwners, err = r.reg.RoleEntityMap(ctx, m.GuildID)
		if err != nil {
			slog.Warn("router: role map lookup failed", "server", m.GuildID, "err", err)
		}
	}

	channelName := r.notify.ChannelName(m.ChannelID)
	loweredContent := strings.ToLower(m.Content)

	for _, c := range candidates {
		e, es := c.Entity, c.Server
		// The hot-path query already enforced the whitelist; recheck anyway.
		if !es.ChannelVisible(m.ChannelID) {
			continue
		}

		// A blocked channel still routes, but suppresses the auto-response
		// tags so the Entity stays read-only there.
		blocked := contains(es.BlockedChannels, m.ChannelID)

		var addressed, triggered, watch bool
		if !blocked {
			addressed = mentionsEntity(roleOwners, m.MentionRoles, e.ID)
			triggered = matchesTrigger(loweredContent, e.Triggers)
			watch = contains(es.WatchChannels, m.ChannelID)
		}

		r.queues.Enqueue(e.ID, bus.Message{
			ID:          m.ID,
			ChannelID:   m.ChannelID,
			ChannelName: channelName,
			ServerID:    m.GuildID,
			AuthorID:    m.Author.ID,
			AuthorName:  m.Author.Username,
			Content:     m.Content,
			Addressed:   addressed,
			Triggered:   triggered,
			Watch:       watch,
		}, r.keys.Get(e.ID))

		if (addressed && e.NotifyAddressed) || (triggered && e.NotifyTriggered) {
			go r.notifyOwner(e, m, channelName, addressed)
		}
	}
}

// notifyOwner DMs the Entity's owner about an addressed or triggered
// message. Runs on its own goroutine with its own deadline so a slow DM
// never stalls fan-out.
func (r *Router) notifyOwner(e *store.Entity, m *discordgo.MessageCreate, channelName string, addressed bool) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	reason := "was triggered"
	if addressed {
		reason = "was mentioned"
	}
	if channelName == "" {
		channelName = m.ChannelID
	}

	content := fmt.Sprintf("**%s** %s by **%s** in #%s:\n> %s\n%s",
		e.Name, reason, m.Author.Username, channelName,
		excerpt(m.Content), discord.DeepLink(m.GuildID, m.ChannelID, m.ID))

	r.notify.NotifyOwner(ctx, e.OwnerID, content)
}

func mentionsEntity(roleOwners map[string]string, mentionedRoles []string, entityID string) bool {
	for _, roleID := range mentionedRoles {
		if roleOwners[roleID] == entityID {
			return true
		}
	}
	return false
}

// matchesTrigger reports whether any trigger is a case-folded substring
// of the content. loweredContent is pre-lowered once per event.
func matchesTrigger(loweredContent string, triggers []string) bool {
	for _, t := range triggers {
		if t == "" {
			continue
		}
		if strings.Contains(loweredContent, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func excerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptLimit {
		return content
	}
	return string(runes[:excerptLimit]) + "…"
}
