// Package discord adapts the shared bot connection: the gateway session the
// router consumes, the per-channel webhook proxy that lets Entities post
// under their own name and avatar, Entity role lifecycle, and the
// announcement template renderer.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// webhookName is the name of the shared webhook Arachne creates per channel.
const webhookName = "arachne-proxy"

// attributionTTL bounds how long message → entity attribution is retained.
const attributionTTL = 15 * time.Minute

// webhookAPI is the slice of the discordgo session the proxy needs.
type webhookAPI interface {
	ChannelWebhooks(channelID string, options ...discordgo.RequestOption) ([]*discordgo.Webhook, error)
	WebhookCreate(channelID, name, avatar string, options ...discordgo.RequestOption) (*discordgo.Webhook, error)
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	WebhookMessageEdit(webhookID, token, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Identity is the per-post override applied to the shared webhook.
type Identity struct {
	EntityID  string
	Name      string
	AvatarURL string
}

// acquire tracks one in-flight webhook acquisition. Concurrent posts to the
// same channel coalesce on the done channel so at most one network round
// trip runs per channel.
type acquire struct {
	done chan struct{}
	wh   *discordgo.Webhook
	err  error
}

type attribution struct {
	entityID  string
	expiresAt time.Time
}

// Proxy lazily acquires one shared webhook per channel and rewrites each
// outbound post with the Entity's identity. It records message → entity
// attribution so the router can credit later events (edits, reactions) to
// the originating Entity, and so inbound echoes of our own webhooks are
// discarded.
type Proxy struct {
	api webhookAPI

	mu       sync.Mutex
	webhooks map[string]*discordgo.Webhook // channel id -> resolved webhook
	pending  map[string]*acquire           // channel id -> in-flight acquire
	owned    map[string]struct{}           // webhook ids this process controls
	messages map[string]attribution        // message id -> origin entity
}

// NewProxy creates a Proxy on top of a discordgo session (or a test fake).
func NewProxy(api webhookAPI) *Proxy {
	return &Proxy{
		api:      api,
		webhooks: make(map[string]*discordgo.Webhook),
		pending:  make(map[string]*acquire),
		owned:    make(map[string]struct{}),
		messages: make(map[string]attribution),
	}
}

// webhook returns the channel's shared webhook, acquiring it on first use.
// Concurrent callers for the same channel collapse onto a single acquire.
func (p *Proxy) webhook(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	p.mu.Lock()
	if wh, ok := p.webhooks[channelID]; ok {
		p.mu.Unlock()
		return wh, nil
	}
	if a, ok := p.pending[channelID]; ok {
		p.mu.Unlock()
		select {
		case <-a.done:
			return a.wh, a.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a := &acquire{done: make(chan struct{})}
	p.pending[channelID] = a
	p.mu.Unlock()

	wh, err := p.findOrCreate(ctx, channelID)

	p.mu.Lock()
	delete(p.pending, channelID)
	if err == nil {
		p.webhooks[channelID] = wh
		p.owned[wh.ID] = struct{}{}
	}
	p.mu.Unlock()

	a.wh, a.err = wh, err
	close(a.done)
	return wh, err
}

// findOrCreate reuses an existing arachne-proxy webhook on the channel when
// one survives from an earlier process, otherwise creates a fresh one.
func (p *Proxy) findOrCreate(ctx context.Context, channelID string) (*discordgo.Webhook, error) {
	existing, err := p.api.ChannelWebhooks(channelID, discordgo.WithContext(ctx))
	if err == nil {
		for _, wh := range existing {
			if wh.Name == webhookName && wh.Token != "" {
				return wh, nil
			}
		}
	}

	wh, err := p.api.WebhookCreate(channelID, webhookName, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create webhook for channel %s: %w", channelID, err)
	}
	return wh, nil
}

// OwnsWebhook reports whether the webhook id belongs to this process.
func (p *Proxy) OwnsWebhook(webhookID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.owned[webhookID]
	return ok
}

// EntityForMessage resolves a message id posted through this proxy to the
// originating Entity. Lookup is by id, not time, so reactions arriving
// before the send call returns still attribute correctly.
func (p *Proxy) EntityForMessage(messageID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.messages[messageID]
	if !ok || time.Now().After(a.expiresAt) {
		return "", false
	}
	return a.entityID, true
}

func (p *Proxy) recordMessage(messageID, entityID string) {
	if messageID == "" {
		return
	}
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	// Opportunistic prune keeps the map bounded without a dedicated timer.
	if len(p.messages) > 4096 {
		for id, a := range p.messages {
			if now.After(a.expiresAt) {
				delete(p.messages, id)
			}
		}
	}
	p.messages[messageID] = attribution{entityID: entityID, expiresAt: now.Add(attributionTTL)}
}

// cacheBust appends a timestamp query parameter to the avatar URL. Discord
// caches webhook avatars aggressively; without this, avatar changes take
// hours to propagate.
func cacheBust(avatarURL string) string {
	if avatarURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(avatarURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%st=%d", avatarURL, sep, time.Now().Unix())
}

var (
	// Text posts may ping users, never @everyone or roles.
	mentionUsersOnly = &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
	}
	// Embeds ping nobody.
	mentionNone = &discordgo.MessageAllowedMentions{
		Parse: []discordgo.AllowedMentionType{},
	}
)

// SendText posts a text message to the channel under the Entity's identity
// and records attribution. Webhooks cannot set message_reference, so thread
// replies are not supported here.
func (p *Proxy) SendText(ctx context.Context, channelID string, id Identity, content string) (*discordgo.Message, error) {
	return p.execute(ctx, channelID, id, &discordgo.WebhookParams{
		Content:         content,
		AllowedMentions: mentionUsersOnly,
	})
}

// SendFile posts a file attachment with optional accompanying text.
func (p *Proxy) SendFile(ctx context.Context, channelID string, id Identity, filename string, data []byte, content string) (*discordgo.Message, error) {
	return p.execute(ctx, channelID, id, &discordgo.WebhookParams{
		Content:         content,
		AllowedMentions: mentionUsersOnly,
		Files: []*discordgo.File{
			{Name: filename, Reader: bytes.NewReader(data)},
		},
	})
}

// SendEmbed posts an embed. All mentions are disabled for embeds.
func (p *Proxy) SendEmbed(ctx context.Context, channelID string, id Identity, embed *discordgo.MessageEmbed) (*discordgo.Message, error) {
	return p.execute(ctx, channelID, id, &discordgo.WebhookParams{
		Embeds:          []*discordgo.MessageEmbed{embed},
		AllowedMentions: mentionNone,
	})
}

func (p *Proxy) execute(ctx context.Context, channelID string, id Identity, params *discordgo.WebhookParams) (*discordgo.Message, error) {
	wh, err := p.webhook(ctx, channelID)
	if err != nil {
		return nil, err
	}

	params.Username = id.Name
	params.AvatarURL = cacheBust(id.AvatarURL)

	msg, err := p.api.WebhookExecute(wh.ID, wh.Token, true, params, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("webhook execute on channel %s: %w", channelID, err)
	}
	p.recordMessage(msg.ID, id.EntityID)

	slog.Debug("proxy: posted via webhook",
		"channel", channelID, "entity", id.EntityID, "message", msg.ID)
	return msg, nil
}

// Edit rewrites the content of a message previously posted through the
// proxy. Only the originating Entity may edit its own messages; callers
// enforce that via EntityForMessage.
func (p *Proxy) Edit(ctx context.Context, channelID, messageID, content string) (*discordgo.Message, error) {
	wh, err := p.webhook(ctx, channelID)
	if err != nil {
		return nil, err
	}
	msg, err := p.api.WebhookMessageEdit(wh.ID, wh.Token, messageID, &discordgo.WebhookEdit{
		Content: &content,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("webhook edit message %s: %w", messageID, err)
	}
	return msg, nil
}
