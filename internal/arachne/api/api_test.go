package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arachne-mcp/arachne/common/crypto"
	"github.com/arachne-mcp/arachne/internal/arachne/api"
	"github.com/arachne-mcp/arachne/internal/arachne/bus"
	"github.com/arachne-mcp/arachne/internal/arachne/keystore"
	"github.com/arachne-mcp/arachne/internal/arachne/oauth"
	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

const testBase = "https://arachne.test"

type fakeOnboarder struct {
	approved []string
	rejected []string
	removed  []string
	err      error
}

func (f *fakeOnboarder) ApproveRequest(ctx context.Context, requestID, reviewerID string) error {
	if f.err != nil {
		return f.err
	}
	f.approved = append(f.approved, requestID+"/"+reviewerID)
	return nil
}

func (f *fakeOnboarder) RejectRequest(ctx context.Context, requestID, reviewerID string) error {
	if f.err != nil {
		return f.err
	}
	f.rejected = append(f.rejected, requestID+"/"+reviewerID)
	return nil
}

func (f *fakeOnboarder) RemoveEntityFromServer(ctx context.Context, entityID, serverID string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, entityID+"/"+serverID)
	return nil
}

type apiFixture struct {
	mux     *http.ServeMux
	store   *store.Store
	signer  *oauth.Signer
	onboard *fakeOnboarder
	keys    *keystore.Store
	queues  *bus.Bus
}

func newFixture(t *testing.T) *apiFixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "api-test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	f := &apiFixture{
		store:   s,
		signer:  oauth.NewSigner("test-secret", testBase),
		onboard: &fakeOnboarder{},
		keys:    keystore.New(),
		queues:  bus.New(bus.Config{}),
		mux:     http.NewServeMux(),
	}
	api.NewServer(s, f.signer, f.onboard, f.keys, f.queues, []string{"operator-1"}).Routes(f.mux)
	return f
}

func do(t *testing.T, mux *http.ServeMux, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestListEntitiesRequiresSession(t *testing.T) {
	f := newFixture(t)
	mux, s, signer := f.mux, f.store, f.signer
	ctx := context.Background()

	e, rawKey, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if _, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Other", Platform: store.PlatformGPT, OwnerID: "owner-2",
	}); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	// No token.
	if rec := do(t, mux, http.MethodGet, "/api/entities", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d", rec.Code)
	}

	// An Entity API key is not a session token.
	if rec := do(t, mux, http.MethodGet, "/api/entities", rawKey, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("api key: status %d, want 401", rec.Code)
	}

	// An MCP access token fails the audience check.
	access, _, _, err := signer.MintAccess(e.ID, "owner-1", "client-1", oauth.Scope)
	if err != nil {
		t.Fatalf("MintAccess: %v", err)
	}
	if rec := do(t, mux, http.MethodGet, "/api/entities", access, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("mcp token: status %d, want 401", rec.Code)
	}

	// A session token lists only the caller's entities, without key material.
	session, err := signer.MintSession("owner-1")
	if err != nil {
		t.Fatalf("MintSession: %v", err)
	}
	rec := do(t, mux, http.MethodGet, "/api/entities", session, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("session: status %d: %s", rec.Code, rec.Body)
	}

	var got []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "Weaver" {
		t.Errorf("entities: %v", got)
	}
	if strings.Contains(rec.Body.String(), "key_hash") || strings.Contains(rec.Body.String(), "salt") {
		t.Errorf("key material leaked: %s", rec.Body)
	}
}

func TestCreateEntityReturnsKeyOnce(t *testing.T) {
	f := newFixture(t)
	mux, s, signer := f.mux, f.store, f.signer

	session, err := signer.MintSession("owner-1")
	if err != nil {
		t.Fatalf("MintSession: %v", err)
	}

	rec := do(t, mux, http.MethodPost, "/api/entities", session,
		`{"name":"Weaver","platform":"claude","owner_name":"alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body)
	}

	var got struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(got.APIKey, "arachne_") {
		t.Errorf("api_key = %q, want arachne_ prefix", got.APIKey)
	}

	e, err := s.GetEntity(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e.OwnerID != "owner-1" {
		t.Errorf("OwnerID = %q, want session subject", e.OwnerID)
	}

	// Creation primes the Key Store, so the first routed message already
	// encrypts under the derived key.
	derived := f.keys.Get(got.ID)
	if derived == nil {
		t.Fatal("key store not primed on entity creation")
	}
	want, err := crypto.DeriveKey(got.APIKey, e.KeySalt)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if string(derived) != string(want) {
		t.Error("primed key does not match the derivation from the returned raw key")
	}

	// Listing never shows the key again.
	rec = do(t, mux, http.MethodGet, "/api/entities", session, "")
	if strings.Contains(rec.Body.String(), got.APIKey) {
		t.Errorf("raw key retrievable after creation")
	}

	// Invalid platform is rejected.
	rec = do(t, mux, http.MethodPost, "/api/entities", session,
		`{"name":"Bad","platform":"skynet"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad platform: status %d, want 400", rec.Code)
	}
}

func TestServerRequestLifecycle(t *testing.T) {
	f := newFixture(t)
	mux, s, signer, onboard := f.mux, f.store, f.signer, f.onboard
	ctx := context.Background()

	e, _, err := s.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	owner, _ := signer.MintSession("owner-1")
	stranger, _ := signer.MintSession("owner-2")
	operator, _ := signer.MintSession("operator-1")

	// Only the owner can file a join request.
	rec := do(t, mux, http.MethodPost, "/api/entities/"+e.ID+"/servers", stranger,
		`{"server_id":"srv-1"}`)
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger request: status %d, want 403", rec.Code)
	}

	rec = do(t, mux, http.MethodPost, "/api/entities/"+e.ID+"/servers", owner,
		`{"server_id":"srv-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("owner request: status %d: %s", rec.Code, rec.Body)
	}
	var created struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != store.RequestPending {
		t.Errorf("status = %q, want pending", created.Status)
	}

	// Owners cannot approve; operators can.
	rec = do(t, mux, http.MethodPost, "/api/requests/"+created.RequestID+"/approve", owner, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("owner approve: status %d, want 403", rec.Code)
	}
	rec = do(t, mux, http.MethodPost, "/api/requests/"+created.RequestID+"/approve", operator, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("operator approve: status %d: %s", rec.Code, rec.Body)
	}
	if len(onboard.approved) != 1 || onboard.approved[0] != created.RequestID+"/operator-1" {
		t.Errorf("approved = %v", onboard.approved)
	}

	// Leave: owner allowed, stranger forbidden.
	rec = do(t, mux, http.MethodDelete, "/api/entities/"+e.ID+"/servers/srv-1", stranger, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger leave: status %d, want 403", rec.Code)
	}
	rec = do(t, mux, http.MethodDelete, "/api/entities/"+e.ID+"/servers/srv-1", owner, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("owner leave: status %d: %s", rec.Code, rec.Body)
	}
	if len(onboard.removed) != 1 || onboard.removed[0] != e.ID+"/srv-1" {
		t.Errorf("removed = %v", onboard.removed)
	}
}

func TestRegenerateKeyRotatesDerivedKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, rawKey, err := f.store.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	derived, err := f.keys.Derive(e.ID, rawKey, e.KeySalt)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	// Purge zeroes key material in place; keep a copy to compare against.
	oldDerived := append([]byte(nil), derived...)

	owner, _ := f.signer.MintSession("owner-1")
	rec := do(t, f.mux, http.MethodPost, "/api/entities/"+e.ID+"/regenerate-key", owner, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("regenerate: status %d: %s", rec.Code, rec.Body)
	}

	var got struct {
		APIKey string `json:"api_key"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.APIKey == rawKey || !strings.HasPrefix(got.APIKey, "arachne_") {
		t.Errorf("api_key = %q, want a fresh arachne_ key", got.APIKey)
	}

	newDerived := f.keys.Get(e.ID)
	if newDerived == nil {
		t.Fatal("key store empty after rotation")
	}
	if string(newDerived) == string(oldDerived) {
		t.Error("derived key unchanged after rotation")
	}
}

func TestDeactivateAndDeletePurgeVolatileState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, rawKey, err := f.store.CreateEntity(ctx, store.CreateEntityParams{
		Name: "Weaver", Platform: store.PlatformClaude, OwnerID: "owner-1",
	})
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if _, err := f.keys.Derive(e.ID, rawKey, e.KeySalt); err != nil {
		t.Fatalf("Derive: %v", err)
	}
	f.queues.Enqueue(e.ID, bus.Message{ID: "m1", Content: "hello"}, nil)

	owner, _ := f.signer.MintSession("owner-1")
	stranger, _ := f.signer.MintSession("owner-2")

	rec := do(t, f.mux, http.MethodPost, "/api/entities/"+e.ID+"/deactivate", stranger, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger deactivate: status %d, want 403", rec.Code)
	}

	rec = do(t, f.mux, http.MethodPost, "/api/entities/"+e.ID+"/deactivate", owner, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate: status %d: %s", rec.Code, rec.Body)
	}
	if f.keys.Get(e.ID) != nil {
		t.Error("derived key survived deactivation")
	}
	got, err := f.store.GetEntity(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Active {
		t.Error("entity still active after deactivation")
	}

	rec = do(t, f.mux, http.MethodDelete, "/api/entities/"+e.ID, owner, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d: %s", rec.Code, rec.Body)
	}
	if _, err := f.store.GetEntity(ctx, e.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetEntity after delete: %v, want ErrNotFound", err)
	}
	if msgs := f.queues.Read(e.ID, bus.ReadOptions{}); len(msgs) != 0 {
		t.Errorf("queue survived deletion: %d messages", len(msgs))
	}
}

func TestResolveConflictMapsTo409(t *testing.T) {
	f := newFixture(t)
	mux, signer, onboard := f.mux, f.signer, f.onboard
	onboard.err = store.ErrTerminal

	operator, _ := signer.MintSession("operator-1")
	rec := do(t, mux, http.MethodPost, "/api/requests/req-1/reject", operator, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("terminal resolve: status %d, want 409", rec.Code)
	}
}
