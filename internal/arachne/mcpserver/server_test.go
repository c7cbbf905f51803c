package mcpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/arachne-mcp/arachne/internal/arachne/bus"
	"github.com/arachne-mcp/arachne/internal/arachne/keystore"
	"github.com/arachne-mcp/arachne/internal/arachne/oauth"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

const testBase = "https://arachne.test"

type noopRoles struct{}

func (noopRoles) DeleteRole(context.Context, string, string) {}

type fixture struct {
	store  *store.Store
	bus    *bus.Bus
	keys   *keystore.Store
	signer *oauth.Signer
	server *Server
	mux    *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "mcp-test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	// The session is never opened; REST-wrapping tools are not exercised.
	rest, err := discordgo.New("Bot test-token")
	if err != nil {
		t.Fatalf("discordgo.New: %v", err)
	}

	f := &fixture{
		store:  s,
		bus:    bus.New(bus.Config{}),
		keys:   keystore.New(),
		signer: oauth.NewSigner("test-secret", testBase),
	}
	f.server = New(s, f.bus, f.keys, f.signer, nil, noopRoles{}, rest, testBase)
	f.mux = http.NewServeMux()
	f.server.Routes(f.mux)
	return f
}

func (f *fixture) createEntity(t *testing.T) (*store.Entity, string) {
	t.Helper()
	e, rawKey, err := f.store.CreateEntity(context.Background(), store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	return e, rawKey
}

func (f *fixture) mintAccess(t *testing.T, entityID string) (token, jti string) {
	t.Helper()
	ctx := context.Background()
	token, jti, expiresAt, err := f.signer.MintAccess(entityID, "owner-1", "client-1", oauth.Scope)
	if err != nil {
		t.Fatalf("MintAccess: %v", err)
	}
	err = f.store.RecordAccessToken(ctx, &store.AccessTokenRecord{
		JTI: jti, EntityID: entityID, UserID: "owner-1", ClientID: "client-1",
		Scope: oauth.Scope, ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("RecordAccessToken: %v", err)
	}
	return token, jti
}

func TestAuthenticateAPIKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, rawKey := f.createEntity(t)

	// Plaintext sits in the queue before the first API-key request.
	f.bus.Enqueue(e.ID, bus.Message{ID: "m1", ChannelID: "c1", Content: "plain"}, nil)

	sess, err := f.server.authenticate(ctx, e.ID, rawKey)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if !sess.apiKey || sess.msgKey == nil {
		t.Errorf("session: apiKey=%v msgKey=%v", sess.apiKey, sess.msgKey != nil)
	}

	// The successful API-key auth retroactively encrypted the queue.
	if got := f.bus.Read(e.ID, bus.ReadOptions{}); got[0].Content != bus.SentinelEncrypted {
		t.Errorf("queue not retro-encrypted: %q", got[0].Content)
	}
	if got := f.bus.Read(e.ID, bus.ReadOptions{Key: sess.msgKey}); got[0].Content != "plain" {
		t.Errorf("decrypt with session key: %q", got[0].Content)
	}

	// Second call takes the fingerprint short-circuit.
	if !f.keys.Verified(e.ID, rawKey) {
		t.Error("key store not primed")
	}
	if _, err := f.server.authenticate(ctx, e.ID, rawKey); err != nil {
		t.Errorf("repeat authenticate: %v", err)
	}

	// Wrong key fails.
	if _, err := f.server.authenticate(ctx, e.ID, "arachne_wrong"); !errors.Is(err, errUnauthorized) {
		t.Errorf("wrong key: %v", err)
	}
}

func TestAuthenticateJWT(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, _ := f.createEntity(t)
	token, jti := f.mintAccess(t, e.ID)

	sess, err := f.server.authenticate(ctx, e.ID, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if sess.apiKey {
		t.Error("JWT auth flagged as api key")
	}
	// OAuth-only: no derived key unless a prior API-key session primed it.
	if sess.msgKey != nil {
		t.Error("OAuth session has a message key without priming")
	}

	// Revocation kills the token.
	if err := f.store.RevokeAccessToken(ctx, jti); err != nil {
		t.Fatalf("RevokeAccessToken: %v", err)
	}
	if _, err := f.server.authenticate(ctx, e.ID, token); !errors.Is(err, errUnauthorized) {
		t.Errorf("revoked token: %v", err)
	}
}

func TestAuthenticateJWTWrongEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, _ := f.createEntity(t)
	other, _, err := f.store.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Other", Platform: store.PlatformGPT, OwnerID: "owner-2",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	token, _ := f.mintAccess(t, other.ID)

	// A token minted for another entity's audience fails verification and
	// then fails the bcrypt fallback too.
	if _, err := f.server.authenticate(ctx, e.ID, token); !errors.Is(err, errUnauthorized) {
		t.Errorf("cross-entity token: %v", err)
	}
}

func TestAuthenticateUnknownOrInactive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.server.authenticate(ctx, "ghost", "whatever"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown entity: %v", err)
	}

	e, rawKey := f.createEntity(t)
	if err := f.store.SetActive(ctx, e.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, err := f.server.authenticate(ctx, e.ID, rawKey); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("inactive entity: %v", err)
	}
}

func TestHTTPMethodHandling(t *testing.T) {
	f := newFixture(t)
	e, _ := f.createEntity(t)

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/"+e.ID, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/mcp/"+e.ID, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("DELETE: status %d, want 200", rec.Code)
	}
}

func TestUnauthorizedResponses(t *testing.T) {
	f := newFixture(t)
	e, _ := f.createEntity(t)

	// No Authorization header at all.
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/"+e.ID, strings.NewReader("{}")))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no auth: status %d", rec.Code)
	}
	challenge := rec.Header().Get("WWW-Authenticate")
	if !strings.Contains(challenge, `resource_metadata="`+testBase+`/.well-known/oauth-protected-resource"`) {
		t.Errorf("challenge: %q", challenge)
	}
	if strings.Contains(challenge, "invalid_token") {
		t.Errorf("no-token challenge should not claim invalid_token: %q", challenge)
	}

	// A wrong token adds the invalid_token error code.
	req := httptest.NewRequest(http.MethodPost, "/mcp/"+e.ID, strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`) {
		t.Errorf("bad-token challenge: %q", rec.Header().Get("WWW-Authenticate"))
	}

	// Unknown entity is 404, not 401.
	req = httptest.NewRequest(http.MethodPost, "/mcp/ghost", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown entity: status %d, want 404", rec.Code)
	}
}

func TestLoadCapabilitiesUnion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, _ := f.createEntity(t)

	mustCreate := func(es *store.EntityServer) {
		t.Helper()
		es.EntityID = e.ID
		if err := f.store.CreateEntityServer(ctx, es); err != nil {
			t.Fatalf("CreateEntityServer: %v", err)
		}
	}
	mustCreate(&store.EntityServer{
		ServerID: "srv-1",
		Channels: []string{"c1", "c2"},
		Tools:    []string{"send_message", "read_messages"},
	})
	mustCreate(&store.EntityServer{
		ServerID:        "srv-2",
		Channels:        []string{"c3"},
		Tools:           []string{"read_messages"},
		BlockedChannels: []string{"c3"},
	})

	caps, err := f.server.loadCapabilities(ctx, e.ID)
	if err != nil {
		t.Fatalf("loadCapabilities: %v", err)
	}

	if !caps.serverAllowed("srv-1") || !caps.serverAllowed("srv-2") || caps.serverAllowed("srv-3") {
		t.Error("server union wrong")
	}
	for _, c := range []string{"c1", "c2", "c3"} {
		if !caps.channelAllowed(c) {
			t.Errorf("channel %s not in union", c)
		}
	}
	if caps.channelAllowed("c4") {
		t.Error("channel outside union allowed")
	}
	if !caps.toolAllowed("send_message") || !caps.toolAllowed("read_messages") || caps.toolAllowed("delete_channel") {
		t.Error("tool union wrong")
	}
	if !caps.channelBlocked("c3") || caps.channelBlocked("c1") {
		t.Error("blocked set wrong")
	}

	// A row with an empty whitelist widens that dimension to "all".
	mustCreate(&store.EntityServer{ServerID: "srv-3"})
	caps, err = f.server.loadCapabilities(ctx, e.ID)
	if err != nil {
		t.Fatalf("loadCapabilities: %v", err)
	}
	if !caps.channelAllowed("c999") || !caps.toolAllowed("delete_channel") {
		t.Error("empty whitelist did not widen to all")
	}
}

func TestToolCallRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, rawKey := f.createEntity(t)
	es := &store.EntityServer{EntityID: e.ID, ServerID: "srv"}
	if err := f.store.CreateEntityServer(ctx, es); err != nil {
		t.Fatalf("CreateEntityServer: %v", err)
	}
	f.bus.Enqueue(e.ID, bus.Message{ID: "m1", ChannelID: "c1", ServerID: "srv", Content: "secret content"}, nil)

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_messages","arguments":{}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/"+e.ID, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+rawKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("tools/call: status %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "secret content") {
		t.Errorf("read_messages result missing content: %s", rec.Body)
	}
}

func TestToolWhitelistHidesTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, rawKey := f.createEntity(t)
	es := &store.EntityServer{EntityID: e.ID, ServerID: "srv", Tools: []string{"read_messages"}}
	if err := f.store.CreateEntityServer(ctx, es); err != nil {
		t.Fatalf("CreateEntityServer: %v", err)
	}

	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/mcp/"+e.ID, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+rawKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("tools/list: status %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), "read_messages") {
		t.Errorf("whitelisted tool missing: %s", rec.Body)
	}
	if strings.Contains(rec.Body.String(), "delete_channel") {
		t.Errorf("non-whitelisted tool published: %s", rec.Body)
	}
}
