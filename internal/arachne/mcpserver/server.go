// Package mcpserver exposes each Entity as a stateless MCP endpoint at
// POST /mcp/{entity_id}. Requests authenticate with either an OAuth access
// token or the Entity's raw API key; every tool call passes the centralized
// capability gate before touching Discord.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bwmarrin/discordgo"
	mcpsrv "github.com/mark3labs/mcp-go/server"
	"golang.org/x/crypto/bcrypt"

	"github.com/arachne-mcp/arachne/common/redact"
	"github.com/arachne-mcp/arachne/common/version"
	"github.com/arachne-mcp/arachne/internal/arachne/bus"
	"github.com/arachne-mcp/arachne/internal/arachne/discord"
	"github.com/arachne-mcp/arachne/internal/arachne/keystore"
	"github.com/arachne-mcp/arachne/internal/arachne/oauth"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

// poster is the slice of the webhook proxy the tools need.
type poster interface {
	SendText(ctx context.Context, channelID string, id discord.Identity, content string) (*discordgo.Message, error)
	SendFile(ctx context.Context, channelID string, id discord.Identity, filename string, data []byte, content string) (*discordgo.Message, error)
	SendEmbed(ctx context.Context, channelID string, id discord.Identity, embed *discordgo.MessageEmbed) (*discordgo.Message, error)
	Edit(ctx context.Context, channelID, messageID, content string) (*discordgo.Message, error)
	EntityForMessage(messageID string) (string, bool)
}

// roleDeleter is the slice of the gateway leave_server needs.
type roleDeleter interface {
	DeleteRole(ctx context.Context, serverID, roleID string)
}

// Server handles the /mcp/{entity_id} route.
type Server struct {
	reg     *store.Store
	queues  *bus.Bus
	keys    *keystore.Store
	signer  *oauth.Signer
	proxy   poster
	roles   roleDeleter
	rest    *discordgo.Session
	baseURL string
}

func New(reg *store.Store, queues *bus.Bus, keys *keystore.Store, signer *oauth.Signer,
	proxy poster, roles roleDeleter, rest *discordgo.Session, baseURL string) *Server {
	return &Server{
		reg:     reg,
		queues:  queues,
		keys:    keys,
		signer:  signer,
		proxy:   proxy,
		roles:   roles,
		rest:    rest,
		baseURL: baseURL,
	}
}

// Routes registers the MCP handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /mcp/{entity_id}", s.handlePost)
	mux.HandleFunc("GET /mcp/{entity_id}", s.handleGet)
	mux.HandleFunc("DELETE /mcp/{entity_id}", s.handleDelete)
}

// handleGet rejects: the endpoint is stateless, there is no SSE stream.
func (s *Server) handleGet(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "method not allowed: the MCP endpoint is stateless", http.StatusMethodNotAllowed)
}

// handleDelete acknowledges session teardown as a no-op; there is no
// session state to delete.
func (s *Server) handleDelete(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// session is the outcome of a successful authentication.
type session struct {
	entity *store.Entity
	// apiKey is true for raw-API-key authentication; false means OAuth.
	apiKey bool
	// msgKey is the Entity's derived message key, nil when the Key Store
	// holds none (OAuth-only access).
	msgKey []byte
}

var errUnauthorized = errors.New("unauthorized")

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")

	bearer, ok := bearerToken(r)
	if !ok {
		s.unauthorized(w, false)
		return
	}

	sess, err := s.authenticate(r.Context(), entityID, bearer)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "unknown entity", http.StatusNotFound)
		return
	}
	if errors.Is(err, errUnauthorized) {
		s.unauthorized(w, true)
		return
	}
	if err != nil {
		slog.Error("mcp: authentication failed",
			"entity", entityID, "err", redact.String(err.Error(), bearer))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Stateless: a fresh tool server per request, torn down with it.
	toolServer := mcpsrv.NewMCPServer("arachne", version.Version)
	if err := s.registerTools(r.Context(), toolServer, sess); err != nil {
		slog.Error("mcp: tool registration failed", "entity", entityID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	mcpsrv.NewStreamableHTTPServer(toolServer, mcpsrv.WithStateLess(true)).ServeHTTP(w, r)
}

// authenticate applies the dual scheme: a valid JWT wins, otherwise the
// bearer is compared to the Entity's API key hash. API-key success primes
// the Key Store and retroactively encrypts any plaintext in the queue.
func (s *Server) authenticate(ctx context.Context, entityID, bearer string) (*session, error) {
	entity, err := s.reg.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if !entity.Active {
		return nil, fmt.Errorf("%w: entity %s", store.ErrNotFound, entityID)
	}

	if claims, err := s.signer.Verify(bearer, s.signer.MCPAudience(entityID)); err == nil {
		if claims.EntityID != entityID {
			return nil, errUnauthorized
		}
		revoked, err := s.reg.IsTokenRevoked(ctx, claims.ID)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, errUnauthorized
		}
		// OAuth access: no raw key in hand, but a prior API-key session in
		// this process may have primed the Key Store.
		return &session{entity: entity, msgKey: s.keys.Get(entityID)}, nil
	}

	// Fingerprint short-circuit spares the bcrypt cost on repeat calls.
	if s.keys.Verified(entityID, bearer) {
		return &session{entity: entity, apiKey: true, msgKey: s.keys.Get(entityID)}, nil
	}
	if err := bcrypt.CompareHashAndPassword(entity.KeyHash, []byte(bearer)); err != nil {
		return nil, errUnauthorized
	}

	key, err := s.keys.Derive(entityID, bearer, entity.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	s.queues.RetroEncrypt(entityID, key)
	return &session{entity: entity, apiKey: true, msgKey: key}, nil
}

// unauthorized writes the 401 with the resource-metadata challenge that
// points OAuth-capable clients at the discovery document.
func (s *Server) unauthorized(w http.ResponseWriter, tokenPresented bool) {
	challenge := fmt.Sprintf("Bearer resource_metadata=%q", s.baseURL+"/.well-known/oauth-protected-resource")
	if tokenPresented {
		challenge += `, error="invalid_token"`
	}
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
