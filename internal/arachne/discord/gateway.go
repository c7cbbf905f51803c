package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/arachne-mcp/arachne/common/retry"
)

// dmRetry covers the best-effort calls (owner notifications, role
// deletion) that should survive a transient gateway hiccup.
var dmRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
}

// Gateway owns the single shared bot connection. Inbound message events
// fan out to a registered handler (the router); the REST side serves the
// webhook proxy, role lifecycle, and the MCP tool bodies.
type Gateway struct {
	Session *discordgo.Session

	mu           sync.RWMutex
	channelNames map[string]string
}

// NewGateway creates the session with the intents Arachne needs. Open
// must be called before events flow.
func NewGateway(botToken string) (*Gateway, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	s.StateEnabled = true

	return &Gateway{
		Session:      s,
		channelNames: make(map[string]string),
	}, nil
}

// OnMessage registers the inbound message handler. Register before Open
// so no events are missed.
func (g *Gateway) OnMessage(fn func(m *discordgo.MessageCreate)) {
	g.Session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		fn(m)
	})
}

// Open connects to the gateway.
func (g *Gateway) Open() error {
	if err := g.Session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	slog.Info("discord: gateway connected", "user", g.BotUserID())
	return nil
}

// Close shuts down the gateway connection.
func (g *Gateway) Close() error {
	return g.Session.Close()
}

// BotUserID returns the connected bot's own user id, empty before Open.
func (g *Gateway) BotUserID() string {
	if g.Session.State != nil && g.Session.State.User != nil {
		return g.Session.State.User.ID
	}
	return ""
}

// ChannelName resolves a channel id to its current name, first from the
// session state cache, then REST. Results are memoized; a rename shows
// the stale name until the process restarts, which is acceptable for
// queue metadata.
func (g *Gateway) ChannelName(channelID string) string {
	g.mu.RLock()
	name, ok := g.channelNames[channelID]
	g.mu.RUnlock()
	if ok {
		return name
	}

	ch, err := g.Session.State.Channel(channelID)
	if err != nil {
		ch, err = g.Session.Channel(channelID)
	}
	if err != nil || ch == nil {
		return ""
	}

	g.mu.Lock()
	g.channelNames[channelID] = ch.Name
	g.mu.Unlock()
	return ch.Name
}

// NotifyOwner DMs the owner. Failures are logged, not returned: owner
// notifications are best-effort side effects of routing.
func (g *Gateway) NotifyOwner(ctx context.Context, ownerID, content string) {
	err := retry.Do(ctx, dmRetry, func() error {
		ch, err := g.Session.UserChannelCreate(ownerID, discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		_, err = g.Session.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		slog.Warn("discord: owner notification failed", "owner", ownerID, "err", err)
	}
}

// DeepLink builds the canonical message URL for owner notifications.
func DeepLink(serverID, channelID, messageID string) string {
	return fmt.Sprintf("https://discord.com/channels/%s/%s/%s", serverID, channelID, messageID)
}
