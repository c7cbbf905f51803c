package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

func TestOAuthClientRegistration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &store.OAuthClient{
		Name:         "Claude Desktop",
		RedirectURIs: []string{"https://client.example.com/callback"},
	}
	if err := s.CreateOAuthClient(ctx, c); err != nil {
		t.Fatalf("CreateOAuthClient: %v", err)
	}
	if c.ID == "" {
		t.Fatal("client id not issued")
	}

	got, err := s.GetOAuthClient(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetOAuthClient: %v", err)
	}
	if got.TokenEndpointAuthMethod != "none" {
		t.Errorf("TokenEndpointAuthMethod: got %q, want none", got.TokenEndpointAuthMethod)
	}
	if len(got.RedirectURIs) != 1 {
		t.Errorf("RedirectURIs: got %v", got.RedirectURIs)
	}

	err = s.CreateOAuthClient(ctx, &store.OAuthClient{})
	if !errors.Is(err, store.ErrInvalid) {
		t.Errorf("empty redirect_uris: got %v, want ErrInvalid", err)
	}
}

func TestAuthCodeConsumeIsDestructive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := &store.AuthCode{
		ClientID: "client-1", EntityID: "entity-1", UserID: "user-1",
		RedirectURI: "https://client.example.com/callback",
		Scope:       "mcp", CodeChallenge: "challenge",
	}
	if err := s.CreateAuthCode(ctx, code); err != nil {
		t.Fatalf("CreateAuthCode: %v", err)
	}

	got, err := s.ConsumeAuthCode(ctx, code.Code)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.CodeChallenge != "challenge" || got.EntityID != "entity-1" {
		t.Errorf("consumed code fields: %+v", got)
	}

	if _, err := s.ConsumeAuthCode(ctx, code.Code); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second consume: got %v, want ErrNotFound", err)
	}
}

func TestAccessTokenRevocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &store.AccessTokenRecord{
		JTI: "jti-1", EntityID: "entity-1", UserID: "user-1", ClientID: "client-1",
		Scope: "mcp", ExpiresAt: time.Now().UTC().Add(store.AccessTokenTTL),
	}
	if err := s.RecordAccessToken(ctx, rec); err != nil {
		t.Fatalf("RecordAccessToken: %v", err)
	}

	revoked, err := s.IsTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsTokenRevoked: %v", err)
	}
	if revoked {
		t.Error("fresh token reported revoked")
	}

	if err := s.RevokeAccessToken(ctx, "jti-1"); err != nil {
		t.Fatalf("RevokeAccessToken: %v", err)
	}
	revoked, _ = s.IsTokenRevoked(ctx, "jti-1")
	if !revoked {
		t.Error("revoked token reported valid")
	}

	// A jti this process never issued is not valid.
	revoked, _ = s.IsTokenRevoked(ctx, "unknown-jti")
	if !revoked {
		t.Error("unknown jti reported valid")
	}
}

func TestRefreshTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rt := &store.RefreshToken{
		AccessJTI: "jti-1", ClientID: "client-1",
		EntityID: "entity-1", UserID: "user-1", Scope: "mcp",
	}
	if err := s.CreateRefreshToken(ctx, rt); err != nil {
		t.Fatalf("CreateRefreshToken: %v", err)
	}
	if rt.Token == "" {
		t.Fatal("refresh token not issued")
	}

	got, err := s.ConsumeRefreshToken(ctx, rt.Token)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if got.AccessJTI != "jti-1" {
		t.Errorf("AccessJTI: got %q", got.AccessJTI)
	}

	if _, err := s.ConsumeRefreshToken(ctx, rt.Token); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second consume: got %v, want ErrNotFound", err)
	}
}
