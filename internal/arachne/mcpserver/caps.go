package mcpserver

import (
	"context"

	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

// capabilities is the union of an Entity's EntityServer grants, computed
// once per request. An empty whitelist on any row widens the union to
// "all" for that dimension.
type capabilities struct {
	servers map[string]bool
	// allChannels / allTools are set when any row carries an empty
	// whitelist for that dimension.
	allChannels bool
	channels    map[string]bool
	allTools    bool
	tools       map[string]bool
	// blocked channels reject sends outright, regardless of whitelists.
	blocked map[string]bool
	// rows keyed by server id, for per-server operations (leave_server).
	rows map[string]*store.EntityServer
}

func (s *Server) loadCapabilities(ctx context.Context, entityID string) (*capabilities, error) {
	rows, err := s.reg.ListEntityServers(ctx, entityID)
	if err != nil {
		return nil, err
	}

	caps := &capabilities{
		servers:  make(map[string]bool),
		channels: make(map[string]bool),
		tools:    make(map[string]bool),
		blocked:  make(map[string]bool),
		rows:     make(map[string]*store.EntityServer),
	}
	for _, row := range rows {
		caps.servers[row.ServerID] = true
		caps.rows[row.ServerID] = row

		if len(row.Channels) == 0 {
			caps.allChannels = true
		}
		for _, c := range row.Channels {
			caps.channels[c] = true
		}

		if len(row.Tools) == 0 {
			caps.allTools = true
		}
		for _, t := range row.Tools {
			caps.tools[t] = true
		}

		for _, c := range row.BlockedChannels {
			caps.blocked[c] = true
		}
	}
	return caps, nil
}

func (c *capabilities) serverAllowed(serverID string) bool {
	return c.servers[serverID]
}

func (c *capabilities) channelAllowed(channelID string) bool {
	return c.allChannels || c.channels[channelID]
}

func (c *capabilities) toolAllowed(name string) bool {
	return c.allTools || c.tools[name]
}

func (c *capabilities) channelBlocked(channelID string) bool {
	return c.blocked[channelID]
}
