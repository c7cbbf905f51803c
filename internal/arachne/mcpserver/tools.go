package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/arachne-mcp/arachne/internal/arachne/bus"
	"github.com/arachne-mcp/arachne/internal/arachne/discord"
)

// toolClass describes which arguments the capability gate checks before a
// tool body runs.
type toolClass struct {
	// gateChannel requires a permitted channel_id argument.
	gateChannel bool
	// gateServer requires a permitted server_id argument.
	gateServer bool
	// send additionally rejects blocked channels.
	send bool
}

type toolHandler func(ctx context.Context, req mcp.CallToolRequest, sess *session, caps *capabilities) (*mcp.CallToolResult, error)

type toolSpec struct {
	tool    mcp.Tool
	class   toolClass
	handler toolHandler
}

// registerTools builds the per-request catalog. Tools outside the admin
// whitelist are not registered at all, so they are invisible to
// tools/list; channel and server arguments are gated per call.
func (s *Server) registerTools(ctx context.Context, srv *mcpsrv.MCPServer, sess *session) error {
	caps, err := s.loadCapabilities(ctx, sess.entity.ID)
	if err != nil {
		return err
	}

	for _, spec := range s.catalog() {
		if !caps.toolAllowed(spec.tool.Name) {
			continue
		}
		spec := spec
		srv.AddTool(spec.tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if spec.class.gateChannel {
				channelID, err := req.RequireString("channel_id")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				if !caps.channelAllowed(channelID) {
					return mcp.NewToolResultError("channel is outside this entity's permitted channels"), nil
				}
				if spec.class.send && caps.channelBlocked(channelID) {
					return mcp.NewToolResultError("channel is blocked for this entity"), nil
				}
			}
			if spec.class.gateServer {
				serverID, err := req.RequireString("server_id")
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				if !caps.serverAllowed(serverID) {
					return mcp.NewToolResultError("entity is not registered on this server"), nil
				}
			}
			return spec.handler(ctx, req, sess, caps)
		})
	}
	return nil
}

// catalog lists every tool the endpoint can publish, grouped as Reading,
// Messaging, Reactions, Threads/Forums, Channel Management,
// Server/Identity, Members/Roles, Utilities.
func (s *Server) catalog() []toolSpec {
	channelArg := func() mcp.ToolOption {
		return mcp.WithString("channel_id", mcp.Required(), mcp.Description("Discord channel id"))
	}
	serverArg := func() mcp.ToolOption {
		return mcp.WithString("server_id", mcp.Required(), mcp.Description("Discord server id"))
	}
	messageArg := func() mcp.ToolOption {
		return mcp.WithString("message_id", mcp.Required(), mcp.Description("Discord message id"))
	}

	return []toolSpec{
		// --- Reading ---
		{
			tool: mcp.NewTool("read_messages",
				mcp.WithDescription("Read this entity's queued inbound messages. Messages expire after the queue TTL; use get_channel_history for anything older."),
				mcp.WithString("channel_id", mcp.Description("Only return messages from this channel")),
				mcp.WithNumber("limit", mcp.Description("Maximum number of messages to return")),
				mcp.WithBoolean("triggered_only", mcp.Description("Only return messages that matched a trigger word")),
			),
			handler: s.toolReadMessages,
		},
		{
			tool: mcp.NewTool("get_channel_history",
				mcp.WithDescription("Fetch recent messages from a channel via Discord, independent of the queue."),
				channelArg(),
				mcp.WithNumber("limit", mcp.Description("Number of messages, max 100")),
				mcp.WithString("before", mcp.Description("Only messages before this message id")),
			),
			class:   toolClass{gateChannel: true},
			handler: s.toolChannelHistory,
		},
		{
			tool: mcp.NewTool("get_message",
				mcp.WithDescription("Fetch a single message by id."),
				channelArg(), messageArg(),
			),
			class:   toolClass{gateChannel: true},
			handler: s.toolGetMessage,
		},
		{
			tool: mcp.NewTool("get_pinned_messages",
				mcp.WithDescription("List the pinned messages of a channel."),
				channelArg(),
			),
			class:   toolClass{gateChannel: true},
			handler: s.toolPinnedMessages,
		},

		// --- Messaging ---
		{
			tool: mcp.NewTool("send_message",
				mcp.WithDescription("Post a message to a channel under this entity's name and avatar. Webhook posts cannot reply to threads."),
				channelArg(),
				mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolSendMessage,
		},
		{
			tool: mcp.NewTool("send_file",
				mcp.WithDescription("Post a file attachment under this entity's identity."),
				channelArg(),
				mcp.WithString("filename", mcp.Required(), mcp.Description("Attachment file name")),
				mcp.WithString("data_base64", mcp.Required(), mcp.Description("File bytes, base64-encoded")),
				mcp.WithString("content", mcp.Description("Optional accompanying text")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolSendFile,
		},
		{
			tool: mcp.NewTool("send_embed",
				mcp.WithDescription("Post a rich embed under this entity's identity. Embeds never ping anyone."),
				channelArg(),
				mcp.WithString("title", mcp.Required(), mcp.Description("Embed title")),
				mcp.WithString("description", mcp.Description("Embed body text")),
				mcp.WithString("color", mcp.Description("Hex color like #7b2d8e; defaults to the entity accent color")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolSendEmbed,
		},
		{
			tool: mcp.NewTool("edit_message",
				mcp.WithDescription("Edit a message this entity previously posted."),
				channelArg(), messageArg(),
				mcp.WithString("content", mcp.Required(), mcp.Description("Replacement text")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolEditMessage,
		},
		{
			tool: mcp.NewTool("delete_message",
				mcp.WithDescription("Delete a message this entity previously posted."),
				channelArg(), messageArg(),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolDeleteMessage,
		},
		{
			tool: mcp.NewTool("introduce",
				mcp.WithDescription("Post this entity's profile card to a channel."),
				channelArg(),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolIntroduce,
		},

		// --- Reactions ---
		{
			tool: mcp.NewTool("add_reaction",
				mcp.WithDescription("React to a message. Use the raw emoji, or name:id for custom emoji."),
				channelArg(), messageArg(),
				mcp.WithString("emoji", mcp.Required(), mcp.Description("Emoji to add")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolAddReaction,
		},
		{
			tool: mcp.NewTool("remove_reaction",
				mcp.WithDescription("Remove the bot's reaction from a message."),
				channelArg(), messageArg(),
				mcp.WithString("emoji", mcp.Required(), mcp.Description("Emoji to remove")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolRemoveReaction,
		},
		{
			tool: mcp.NewTool("get_reactions",
				mcp.WithDescription("List the users who reacted to a message with an emoji."),
				channelArg(), messageArg(),
				mcp.WithString("emoji", mcp.Required(), mcp.Description("Emoji to inspect")),
			),
			class:   toolClass{gateChannel: true},
			handler: s.toolGetReactions,
		},

		// --- Threads / Forums ---
		{
			tool: mcp.NewTool("create_thread",
				mcp.WithDescription("Start a thread in a channel, optionally attached to a message."),
				channelArg(),
				mcp.WithString("name", mcp.Required(), mcp.Description("Thread name")),
				mcp.WithString("message_id", mcp.Description("Message to attach the thread to")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolCreateThread,
		},
		{
			tool: mcp.NewTool("list_threads",
				mcp.WithDescription("List the active threads of a server."),
				serverArg(),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolListThreads,
		},
		{
			tool: mcp.NewTool("archive_thread",
				mcp.WithDescription("Archive a thread."),
				channelArg(),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolArchiveThread,
		},
		{
			tool: mcp.NewTool("create_forum_post",
				mcp.WithDescription("Open a new post in a forum channel."),
				channelArg(),
				mcp.WithString("name", mcp.Required(), mcp.Description("Post title")),
				mcp.WithString("content", mcp.Required(), mcp.Description("Post body")),
			),
			class:   toolClass{gateChannel: true, send: true},
			handler: s.toolCreateForumPost,
		},

		// --- Channel Management ---
		{
			tool: mcp.NewTool("list_channels",
				mcp.WithDescription("List the channels of a server."),
				serverArg(),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolListChannels,
		},
		{
			tool: mcp.NewTool("create_channel",
				mcp.WithDescription("Create a text channel on a server."),
				serverArg(),
				mcp.WithString("name", mcp.Required(), mcp.Description("Channel name")),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolCreateChannel,
		},
		{
			tool: mcp.NewTool("edit_channel",
				mcp.WithDescription("Rename a channel or change its topic."),
				channelArg(),
				mcp.WithString("name", mcp.Description("New channel name")),
				mcp.WithString("topic", mcp.Description("New channel topic")),
			),
			class:   toolClass{gateChannel: true},
			handler: s.toolEditChannel,
		},
		{
			tool: mcp.NewTool("delete_channel",
				mcp.WithDescription("Delete a channel."),
				channelArg(),
			),
			class:   toolClass{gateChannel: true},
			handler: s.toolDeleteChannel,
		},

		// --- Server / Identity ---
		{
			tool: mcp.NewTool("list_servers",
				mcp.WithDescription("List the servers this entity is registered on, with its permissions there."),
			),
			handler: s.toolListServers,
		},
		{
			tool: mcp.NewTool("get_server_info",
				mcp.WithDescription("Fetch a server's name, member count, and metadata."),
				serverArg(),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolServerInfo,
		},
		{
			tool: mcp.NewTool("update_profile",
				mcp.WithDescription("Update this entity's display name, avatar, description, or accent color."),
				mcp.WithString("name", mcp.Description("New display name")),
				mcp.WithString("avatar_url", mcp.Description("New avatar URL")),
				mcp.WithString("description", mcp.Description("New description")),
				mcp.WithString("accent_color", mcp.Description("New accent color, hex")),
			),
			handler: s.toolUpdateProfile,
		},
		{
			tool: mcp.NewTool("leave_server",
				mcp.WithDescription("Remove this entity from a server. Its role is deleted best-effort."),
				serverArg(),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolLeaveServer,
		},

		// --- Members / Roles ---
		{
			tool: mcp.NewTool("list_members",
				mcp.WithDescription("List the members of a server."),
				serverArg(),
				mcp.WithNumber("limit", mcp.Description("Maximum number of members, max 1000")),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolListMembers,
		},
		{
			tool: mcp.NewTool("get_member",
				mcp.WithDescription("Fetch one member of a server."),
				serverArg(),
				mcp.WithString("user_id", mcp.Required(), mcp.Description("Discord user id")),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolGetMember,
		},
		{
			tool: mcp.NewTool("list_roles",
				mcp.WithDescription("List the roles of a server."),
				serverArg(),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolListRoles,
		},
		{
			tool: mcp.NewTool("add_role",
				mcp.WithDescription("Grant a role to a member."),
				serverArg(),
				mcp.WithString("user_id", mcp.Required(), mcp.Description("Discord user id")),
				mcp.WithString("role_id", mcp.Required(), mcp.Description("Role id to grant")),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolAddRole,
		},
		{
			tool: mcp.NewTool("remove_role",
				mcp.WithDescription("Remove a role from a member."),
				serverArg(),
				mcp.WithString("user_id", mcp.Required(), mcp.Description("Discord user id")),
				mcp.WithString("role_id", mcp.Required(), mcp.Description("Role id to remove")),
			),
			class:   toolClass{gateServer: true},
			handler: s.toolRemoveRole,
		},

		// --- Utilities ---
		{
			tool: mcp.NewTool("whoami",
				mcp.WithDescription("Describe this entity: profile, authentication mode, and current grants."),
			),
			handler: s.toolWhoami,
		},
	}
}

// --- Reading ---

// queuedMessageView is the JSON shape read_messages returns.
type queuedMessageView struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	ServerID    string    `json:"server_id"`
	AuthorID    string    `json:"author_id"`
	AuthorName  string    `json:"author_name"`
	Content     string    `json:"content"`
	Addressed   bool      `json:"addressed"`
	Triggered   bool      `json:"triggered"`
	Watch       bool      `json:"watch"`
	ReceivedAt  time.Time `json:"received_at"`
}

func (s *Server) toolReadMessages(_ context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	msgs := s.queues.Read(sess.entity.ID, bus.ReadOptions{
		ChannelID:     req.GetString("channel_id", ""),
		Limit:         req.GetInt("limit", 0),
		Key:           sess.msgKey,
		TriggeredOnly: req.GetBool("triggered_only", false),
	})

	out := make([]queuedMessageView, len(msgs))
	for i, m := range msgs {
		out[i] = queuedMessageView{
			ID:          m.ID,
			ChannelID:   m.ChannelID,
			ChannelName: m.ChannelName,
			ServerID:    m.ServerID,
			AuthorID:    m.AuthorID,
			AuthorName:  m.AuthorName,
			Content:     m.Content,
			Addressed:   m.Addressed,
			Triggered:   m.Triggered,
			Watch:       m.Watch,
			ReceivedAt:  m.ReceivedAt,
		}
	}
	return jsonResult(out)
}

func (s *Server) toolChannelHistory(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	limit := req.GetInt("limit", 50)
	if limit > 100 {
		limit = 100
	}
	msgs, err := s.rest.ChannelMessages(channelID, limit, req.GetString("before", ""), "", "", discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch history: %v", err)), nil
	}
	return jsonResult(msgs)
}

func (s *Server) toolGetMessage(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	messageID, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, err := s.rest.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch message: %v", err)), nil
	}
	return jsonResult(msg)
}

func (s *Server) toolPinnedMessages(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	msgs, err := s.rest.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch pins: %v", err)), nil
	}
	return jsonResult(msgs)
}

// --- Messaging ---

func (s *Server) identityOf(sess *session) discord.Identity {
	return discord.Identity{
		EntityID:  sess.entity.ID,
		Name:      sess.entity.Name,
		AvatarURL: sess.entity.AvatarURL,
	}
}

func (s *Server) toolSendMessage(ctx context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, err := s.proxy.SendText(ctx, channelID, s.identityOf(sess), content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send: %v", err)), nil
	}
	return jsonResult(map[string]string{"message_id": msg.ID, "channel_id": channelID})
}

func (s *Server) toolSendFile(ctx context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	filename, err := req.RequireString("filename")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	encoded, err := req.RequireString("data_base64")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return mcp.NewToolResultError("data_base64 is not valid base64"), nil
	}
	msg, err := s.proxy.SendFile(ctx, channelID, s.identityOf(sess), filename, data, req.GetString("content", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send file: %v", err)), nil
	}
	return jsonResult(map[string]string{"message_id": msg.ID, "channel_id": channelID})
}

func (s *Server) toolSendEmbed(ctx context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	embed := &discordgo.MessageEmbed{
		Title:       title,
		Description: req.GetString("description", ""),
	}
	color := req.GetString("color", sess.entity.AccentColor)
	if c, ok := discord.HexColor(color); ok {
		embed.Color = c
	}
	msg, err := s.proxy.SendEmbed(ctx, channelID, s.identityOf(sess), embed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send embed: %v", err)), nil
	}
	return jsonResult(map[string]string{"message_id": msg.ID, "channel_id": channelID})
}

// requireOwnMessage enforces that the message was posted by this entity
// through the proxy. Attribution expires with the proxy's retention
// window, after which edits are refused rather than guessed.
func (s *Server) requireOwnMessage(messageID string, sess *session) *mcp.CallToolResult {
	entityID, ok := s.proxy.EntityForMessage(messageID)
	if !ok {
		return mcp.NewToolResultError("message was not posted by this entity, or its attribution has expired")
	}
	if entityID != sess.entity.ID {
		return mcp.NewToolResultError("message belongs to another entity")
	}
	return nil
}

func (s *Server) toolEditMessage(ctx context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	messageID, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if res := s.requireOwnMessage(messageID, sess); res != nil {
		return res, nil
	}
	if _, err := s.proxy.Edit(ctx, channelID, messageID, content); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("edit: %v", err)), nil
	}
	return jsonResult(map[string]string{"message_id": messageID, "status": "edited"})
}

func (s *Server) toolDeleteMessage(ctx context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	messageID, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if res := s.requireOwnMessage(messageID, sess); res != nil {
		return res, nil
	}
	if err := s.rest.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete: %v", err)), nil
	}
	return jsonResult(map[string]string{"message_id": messageID, "status": "deleted"})
}

func (s *Server) toolIntroduce(ctx context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	e := sess.entity

	embed := &discordgo.MessageEmbed{
		Title:       e.Name,
		Description: e.Description,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Platform: " + e.Platform},
	}
	if e.AvatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.AvatarURL}
	}
	if c, ok := discord.HexColor(e.AccentColor); ok {
		embed.Color = c
	}

	msg, err := s.proxy.SendEmbed(ctx, channelID, s.identityOf(sess), embed)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("introduce: %v", err)), nil
	}
	return jsonResult(map[string]string{"message_id": msg.ID, "channel_id": channelID})
}

// --- Reactions ---

func (s *Server) toolAddReaction(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	messageID, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	emoji, err := req.RequireString("emoji")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.rest.MessageReactionAdd(channelID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("react: %v", err)), nil
	}
	return jsonResult(map[string]string{"status": "reacted"})
}

func (s *Server) toolRemoveReaction(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	messageID, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	emoji, err := req.RequireString("emoji")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.rest.MessageReactionRemove(channelID, messageID, emoji, "@me", discordgo.WithContext(ctx)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove reaction: %v", err)), nil
	}
	return jsonResult(map[string]string{"status": "removed"})
}

func (s *Server) toolGetReactions(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	messageID, err := req.RequireString("message_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	emoji, err := req.RequireString("emoji")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	users, err := s.rest.MessageReactions(channelID, messageID, emoji, 100, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch reactions: %v", err)), nil
	}
	return jsonResult(users)
}

// --- Threads / Forums ---

func (s *Server) toolCreateThread(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	start := &discordgo.ThreadStart{Name: name, AutoArchiveDuration: 1440}
	var thread *discordgo.Channel
	if messageID := req.GetString("message_id", ""); messageID != "" {
		thread, err = s.rest.MessageThreadStartComplex(channelID, messageID, start, discordgo.WithContext(ctx))
	} else {
		start.Type = discordgo.ChannelTypeGuildPublicThread
		thread, err = s.rest.ThreadStartComplex(channelID, start, discordgo.WithContext(ctx))
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create thread: %v", err)), nil
	}
	return jsonResult(map[string]string{"thread_id": thread.ID, "name": thread.Name})
}

func (s *Server) toolListThreads(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	threads, err := s.rest.GuildThreadsActive(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list threads: %v", err)), nil
	}
	return jsonResult(threads.Threads)
}

func (s *Server) toolArchiveThread(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	archived := true
	if _, err := s.rest.ChannelEdit(channelID, &discordgo.ChannelEdit{Archived: &archived}, discordgo.WithContext(ctx)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("archive thread: %v", err)), nil
	}
	return jsonResult(map[string]string{"thread_id": channelID, "status": "archived"})
}

func (s *Server) toolCreateForumPost(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	post, err := s.rest.ForumThreadStart(channelID, name, 1440, content, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create forum post: %v", err)), nil
	}
	return jsonResult(map[string]string{"thread_id": post.ID, "name": post.Name})
}

// --- Channel Management ---

func (s *Server) toolListChannels(ctx context.Context, req mcp.CallToolRequest, _ *session, caps *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	channels, err := s.rest.GuildChannels(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list channels: %v", err)), nil
	}
	// Only surface channels the entity can actually see.
	visible := channels[:0]
	for _, ch := range channels {
		if caps.channelAllowed(ch.ID) {
			visible = append(visible, ch)
		}
	}
	return jsonResult(visible)
}

func (s *Server) toolCreateChannel(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ch, err := s.rest.GuildChannelCreate(serverID, name, discordgo.ChannelTypeGuildText, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create channel: %v", err)), nil
	}
	return jsonResult(map[string]string{"channel_id": ch.ID, "name": ch.Name})
}

func (s *Server) toolEditChannel(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	edit := &discordgo.ChannelEdit{
		Name:  req.GetString("name", ""),
		Topic: req.GetString("topic", ""),
	}
	ch, err := s.rest.ChannelEdit(channelID, edit, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("edit channel: %v", err)), nil
	}
	return jsonResult(map[string]string{"channel_id": ch.ID, "name": ch.Name})
}

func (s *Server) toolDeleteChannel(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	channelID, _ := req.RequireString("channel_id")
	if _, err := s.rest.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delete channel: %v", err)), nil
	}
	return jsonResult(map[string]string{"channel_id": channelID, "status": "deleted"})
}

// --- Server / Identity ---

type serverView struct {
	ServerID        string   `json:"server_id"`
	Channels        []string `json:"channels"`
	Tools           []string `json:"tools"`
	WatchChannels   []string `json:"watch_channels"`
	BlockedChannels []string `json:"blocked_channels"`
	RoleID          string   `json:"role_id,omitempty"`
}

func (s *Server) toolListServers(_ context.Context, _ mcp.CallToolRequest, _ *session, caps *capabilities) (*mcp.CallToolResult, error) {
	out := make([]serverView, 0, len(caps.rows))
	for _, row := range caps.rows {
		out = append(out, serverView{
			ServerID:        row.ServerID,
			Channels:        row.Channels,
			Tools:           row.Tools,
			WatchChannels:   row.WatchChannels,
			BlockedChannels: row.BlockedChannels,
			RoleID:          row.RoleID,
		})
	}
	return jsonResult(out)
}

func (s *Server) toolServerInfo(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	guild, err := s.rest.Guild(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch server: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"server_id":    guild.ID,
		"name":         guild.Name,
		"description":  guild.Description,
		"member_count": guild.ApproximateMemberCount,
		"owner_id":     guild.OwnerID,
	})
}

func (s *Server) toolUpdateProfile(ctx context.Context, req mcp.CallToolRequest, sess *session, _ *capabilities) (*mcp.CallToolResult, error) {
	e := *sess.entity
	if v := req.GetString("name", ""); v != "" {
		e.Name = v
	}
	if v := req.GetString("avatar_url", ""); v != "" {
		e.AvatarURL = v
	}
	if v := req.GetString("description", ""); v != "" {
		e.Description = v
	}
	if v := req.GetString("accent_color", ""); v != "" {
		if _, ok := discord.HexColor(v); !ok {
			return mcp.NewToolResultError("accent_color must be a hex color like #7b2d8e"), nil
		}
		e.AccentColor = v
	}
	if err := s.reg.UpdateEntity(ctx, &e); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("update profile: %v", err)), nil
	}
	*sess.entity = e
	return jsonResult(map[string]string{"status": "updated"})
}

func (s *Server) toolLeaveServer(ctx context.Context, req mcp.CallToolRequest, sess *session, caps *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	row := caps.rows[serverID]

	if err := s.reg.DeleteEntityServer(ctx, sess.entity.ID, serverID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("leave server: %v", err)), nil
	}
	// Role deletion is best-effort; the row is already gone either way.
	if row != nil && row.RoleID != "" {
		s.roles.DeleteRole(ctx, serverID, row.RoleID)
	}
	slog.Info("mcp: entity left server", "entity", sess.entity.ID, "server", serverID)
	return jsonResult(map[string]string{"server_id": serverID, "status": "left"})
}

// --- Members / Roles ---

func (s *Server) toolListMembers(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	limit := req.GetInt("limit", 100)
	if limit > 1000 {
		limit = 1000
	}
	members, err := s.rest.GuildMembers(serverID, "", limit, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list members: %v", err)), nil
	}
	return jsonResult(members)
}

func (s *Server) toolGetMember(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	member, err := s.rest.GuildMember(serverID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch member: %v", err)), nil
	}
	return jsonResult(member)
}

func (s *Server) toolListRoles(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	roles, err := s.rest.GuildRoles(serverID, discordgo.WithContext(ctx))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list roles: %v", err)), nil
	}
	return jsonResult(roles)
}

func (s *Server) toolAddRole(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	roleID, err := req.RequireString("role_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.rest.GuildMemberRoleAdd(serverID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add role: %v", err)), nil
	}
	return jsonResult(map[string]string{"status": "granted"})
}

func (s *Server) toolRemoveRole(ctx context.Context, req mcp.CallToolRequest, _ *session, _ *capabilities) (*mcp.CallToolResult, error) {
	serverID, _ := req.RequireString("server_id")
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	roleID, err := req.RequireString("role_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.rest.GuildMemberRoleRemove(serverID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("remove role: %v", err)), nil
	}
	return jsonResult(map[string]string{"status": "removed"})
}

// --- Utilities ---

func (s *Server) toolWhoami(_ context.Context, _ mcp.CallToolRequest, sess *session, caps *capabilities) (*mcp.CallToolResult, error) {
	auth := "oauth"
	if sess.apiKey {
		auth = "api_key"
	}
	servers := make([]string, 0, len(caps.servers))
	for id := range caps.servers {
		servers = append(servers, id)
	}
	return jsonResult(map[string]any{
		"entity_id":      sess.entity.ID,
		"name":           sess.entity.Name,
		"platform":       sess.entity.Platform,
		"description":    sess.entity.Description,
		"auth":           auth,
		"queue_readable": sess.msgKey != nil,
		"servers":        servers,
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
