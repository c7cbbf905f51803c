// Package api is the minimal dashboard surface. It authenticates with the
// dashboard session JWT only; Entity API keys are not JWTs and never pass
// the session check, so they cannot be replayed against this surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/arachne-mcp/arachne/internal/arachne/oauth"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

type registry interface {
	GetEntity(ctx context.Context, id string) (*store.Entity, error)
	CreateEntity(ctx context.Context, p store.CreateEntityParams) (*store.Entity, string, error)
	ListEntitiesByOwner(ctx context.Context, ownerID string) ([]*store.Entity, error)
	SetActive(ctx context.Context, id string, active bool) error
	DeleteEntity(ctx context.Context, id string) error
	RegenerateKey(ctx context.Context, id string) (string, error)
	CreateServerRequest(ctx context.Context, r *store.ServerRequest) error
}

// keyStore is the Key Store slice the handlers need: purge on
// deactivation/deletion, re-derive on key regeneration.
type keyStore interface {
	Purge(entityID string)
	Derive(entityID, apiKey string, salt []byte) ([]byte, error)
}

// queueDropper discards an Entity's queue when the Entity is deleted.
type queueDropper interface {
	Drop(entityID string)
}

// onboarder runs the join/leave lifecycle on behalf of the handlers.
type onboarder interface {
	ApproveRequest(ctx context.Context, requestID, reviewerID string) error
	RejectRequest(ctx context.Context, requestID, reviewerID string) error
	RemoveEntityFromServer(ctx context.Context, entityID, serverID string) error
}

// Server serves the /api/* routes.
type Server struct {
	reg       registry
	signer    *oauth.Signer
	onboard   onboarder
	keys      keyStore
	queues    queueDropper
	operators map[string]bool
}

func NewServer(reg registry, signer *oauth.Signer, onboard onboarder, keys keyStore, queues queueDropper, operatorIDs []string) *Server {
	ops := make(map[string]bool, len(operatorIDs))
	for _, id := range operatorIDs {
		ops[id] = true
	}
	return &Server{reg: reg, signer: signer, onboard: onboard, keys: keys, queues: queues, operators: ops}
}

// Routes registers the dashboard handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.Handle("GET /api/entities", s.requireSession(http.HandlerFunc(s.handleListEntities)))
	mux.Handle("POST /api/entities", s.requireSession(http.HandlerFunc(s.handleCreateEntity)))
	mux.Handle("POST /api/entities/{entity_id}/regenerate-key", s.requireSession(http.HandlerFunc(s.handleRegenerateKey)))
	mux.Handle("POST /api/entities/{entity_id}/deactivate", s.requireSession(http.HandlerFunc(s.handleDeactivate)))
	mux.Handle("DELETE /api/entities/{entity_id}", s.requireSession(http.HandlerFunc(s.handleDeleteEntity)))
	mux.Handle("POST /api/entities/{entity_id}/servers", s.requireSession(http.HandlerFunc(s.handleRequestServer)))
	mux.Handle("DELETE /api/entities/{entity_id}/servers/{server_id}", s.requireSession(http.HandlerFunc(s.handleLeaveServer)))
	mux.Handle("POST /api/requests/{request_id}/approve", s.requireSession(http.HandlerFunc(s.handleApprove)))
	mux.Handle("POST /api/requests/{request_id}/reject", s.requireSession(http.HandlerFunc(s.handleReject)))
}

type userIDKey struct{}

// requireSession admits only dashboard session tokens. The audience check
// rejects MCP access tokens signed with the same secret.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing session token", http.StatusUnauthorized)
			return
		}
		claims, err := s.signer.Verify(token, s.signer.SessionAudience())
		if err != nil {
			http.Error(w, "invalid session token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionUser(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

// entityView is the JSON shape returned to the dashboard. Authenticator
// material never leaves the store through this surface.
type entityView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Description string    `json:"description,omitempty"`
	AccentColor string    `json:"accent_color,omitempty"`
	Platform    string    `json:"platform"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func viewOf(e *store.Entity) entityView {
	return entityView{
		ID:          e.ID,
		Name:        e.Name,
		AvatarURL:   e.AvatarURL,
		Description: e.Description,
		AccentColor: e.AccentColor,
		Platform:    e.Platform,
		Active:      e.Active,
		CreatedAt:   e.CreatedAt,
	}
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	userID := sessionUser(r)

	entities, err := s.reg.ListEntitiesByOwner(r.Context(), userID)
	if err != nil {
		slog.Error("api: list entities failed", "user", userID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]entityView, len(entities))
	for i, e := range entities {
		out[i] = viewOf(e)
	}
	writeJSON(w, http.StatusOK, out)
}

type createEntityRequest struct {
	Name        string `json:"name"`
	AvatarURL   string `json:"avatar_url"`
	Description string `json:"description"`
	AccentColor string `json:"accent_color"`
	Platform    string `json:"platform"`
	OwnerName   string `json:"owner_name"`
}

// handleCreateEntity registers a new Entity owned by the session user. The
// response carries the raw API key exactly once; it is never retrievable
// again.
func (s *Server) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entity, rawKey, err := s.reg.CreateEntity(r.Context(), store.CreateEntityParams{
		Name:        req.Name,
		AvatarURL:   req.AvatarURL,
		Description: req.Description,
		AccentColor: req.AccentColor,
		Platform:    req.Platform,
		OwnerID:     sessionUser(r),
		OwnerName:   req.OwnerName,
	})
	if err != nil {
		s.writeStoreError(w, "create entity", err)
		return
	}

	// Prime the Key Store so messages routed to the new Entity encrypt
	// from the very first enqueue, not only after its first MCP call.
	if _, err := s.keys.Derive(entity.ID, rawKey, entity.KeySalt); err != nil {
		slog.Warn("api: key derivation at creation failed", "entity", entity.ID, "err", err)
	}

	writeJSON(w, http.StatusCreated, struct {
		entityView
		APIKey string `json:"api_key"`
	}{viewOf(entity), rawKey})
}

// requireOwnerOrOperator loads the Entity and authorizes the session user.
func (s *Server) requireOwnerOrOperator(w http.ResponseWriter, r *http.Request, entityID string) *store.Entity {
	entity, err := s.reg.GetEntity(r.Context(), entityID)
	if err != nil {
		s.writeStoreError(w, "get entity", err)
		return nil
	}
	userID := sessionUser(r)
	if entity.OwnerID != userID && !s.operators[userID] {
		http.Error(w, "not the entity owner", http.StatusForbidden)
		return nil
	}
	return entity
}

// handleRegenerateKey rotates the Entity's API key. The old derived key is
// purged and the new one derived immediately, so messages enqueued from now
// on encrypt under the new key; older ciphertext becomes unreadable, which
// is the point of a rotation. The raw key appears in this response only.
func (s *Server) handleRegenerateKey(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	if s.requireOwnerOrOperator(w, r, entityID) == nil {
		return
	}

	rawKey, err := s.reg.RegenerateKey(r.Context(), entityID)
	if err != nil {
		s.writeStoreError(w, "regenerate key", err)
		return
	}
	s.keys.Purge(entityID)

	// Re-read for the fresh salt.
	entity, err := s.reg.GetEntity(r.Context(), entityID)
	if err != nil {
		s.writeStoreError(w, "get entity", err)
		return
	}
	if _, err := s.keys.Derive(entityID, rawKey, entity.KeySalt); err != nil {
		slog.Warn("api: key derivation after rotation failed", "entity", entityID, "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"api_key": rawKey})
}

// handleDeactivate soft-hides the Entity and invalidates its Key Store
// slot. Queued messages survive until the TTL sweep, still encrypted.
func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	if s.requireOwnerOrOperator(w, r, entityID) == nil {
		return
	}
	if err := s.reg.SetActive(r.Context(), entityID, false); err != nil {
		s.writeStoreError(w, "deactivate entity", err)
		return
	}
	s.keys.Purge(entityID)
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteEntity removes the Entity and everything attached to it,
// then drops the in-memory key and queue.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	if s.requireOwnerOrOperator(w, r, entityID) == nil {
		return
	}
	if err := s.reg.DeleteEntity(r.Context(), entityID); err != nil {
		s.writeStoreError(w, "delete entity", err)
		return
	}
	s.keys.Purge(entityID)
	s.queues.Drop(entityID)
	w.WriteHeader(http.StatusNoContent)
}

// handleRequestServer files a pending request to let the Entity onto a
// server. Only the owner can ask; an operator resolves it.
func (s *Server) handleRequestServer(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	userID := sessionUser(r)

	entity, err := s.reg.GetEntity(r.Context(), entityID)
	if err != nil {
		s.writeStoreError(w, "get entity", err)
		return
	}
	if entity.OwnerID != userID {
		http.Error(w, "not the entity owner", http.StatusForbidden)
		return
	}

	var req struct {
		ServerID string `json:"server_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		http.Error(w, "server_id is required", http.StatusBadRequest)
		return
	}

	sr := &store.ServerRequest{
		EntityID:      entityID,
		ServerID:      req.ServerID,
		RequesterID:   userID,
		RequesterName: entity.OwnerName,
	}
	if err := s.reg.CreateServerRequest(r.Context(), sr); err != nil {
		s.writeStoreError(w, "create server request", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"request_id": sr.ID, "status": sr.Status})
}

// handleLeaveServer removes the Entity from a server. Owners can pull their
// own Entities; operators can pull anyone's.
func (s *Server) handleLeaveServer(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity_id")
	serverID := r.PathValue("server_id")
	if s.requireOwnerOrOperator(w, r, entityID) == nil {
		return
	}

	if err := s.onboard.RemoveEntityFromServer(r.Context(), entityID, serverID); err != nil {
		s.writeStoreError(w, "remove entity from server", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveRequest(w, r, s.onboard.ApproveRequest)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveRequest(w, r, s.onboard.RejectRequest)
}

// resolveRequest gates approval and rejection behind the operator allowlist.
func (s *Server) resolveRequest(w http.ResponseWriter, r *http.Request,
	resolve func(ctx context.Context, requestID, reviewerID string) error) {
	userID := sessionUser(r)
	if !s.operators[userID] {
		http.Error(w, "operator access required", http.StatusForbidden)
		return
	}

	if err := resolve(r.Context(), r.PathValue("request_id"), userID); err != nil {
		s.writeStoreError(w, "resolve server request", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps the store's sentinel errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrTerminal):
		http.Error(w, "request already resolved", http.StatusConflict)
	default:
		slog.Error("api: "+op+" failed", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: write response failed", "err", err)
	}
}
