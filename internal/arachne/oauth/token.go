package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.tokenAuthorizationCode(w, r)
	case "refresh_token":
		s.tokenRefresh(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type",
			"grant_type must be authorization_code or refresh_token")
	}
}

// verifyPKCE checks base64url(sha256(verifier)) against the challenge
// bound at authorization time.
func verifyPKCE(verifier, challenge string) bool {
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func (s *Server) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	verifier := r.PostFormValue("code_verifier")
	clientID := r.PostFormValue("client_id")
	if code == "" || redirectURI == "" || verifier == "" || clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"code, redirect_uri, code_verifier and client_id are required")
		return
	}

	// Destructive consume: a replayed or expired code dies here.
	ac, err := s.reg.ConsumeAuthCode(r.Context(), code)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"authorization code is invalid, expired, or already used")
		return
	}

	if !verifyPKCE(verifier, ac.CodeChallenge) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}
	if ac.RedirectURI != redirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"redirect_uri does not match the authorization request")
		return
	}
	if ac.ClientID != clientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client",
			"client_id does not match the authorization request")
		return
	}

	s.issuePair(r.Context(), w, ac.EntityID, ac.UserID, ac.ClientID, ac.Scope)
}

func (s *Server) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	token := r.PostFormValue("refresh_token")
	clientID := r.PostFormValue("client_id")
	if token == "" || clientID == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"refresh_token and client_id are required")
		return
	}

	// Single use: the consume deletes the row.
	rt, err := s.reg.ConsumeRefreshToken(r.Context(), token)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant",
			"refresh token is invalid, expired, or already used")
		return
	}
	if rt.ClientID != clientID {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client",
			"client_id does not match the refresh token")
		return
	}

	// The paired access token dies with the refresh rotation.
	if err := s.reg.RevokeAccessToken(r.Context(), rt.AccessJTI); err != nil {
		slog.Warn("oauth: revoke rotated access token failed", "jti", rt.AccessJTI, "err", err)
	}

	s.issuePair(r.Context(), w, rt.EntityID, rt.UserID, rt.ClientID, rt.Scope)
}

// issuePair mints a fresh access+refresh pair, records the jti for
// revocation, and writes the standard token response.
func (s *Server) issuePair(ctx context.Context, w http.ResponseWriter, entityID, userID, clientID, scope string) {
	access, jti, expiresAt, err := s.signer.MintAccess(entityID, userID, clientID, scope)
	if err != nil {
		slog.Error("oauth: access token mint failed", "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "invalid_request", "token issuance failed")
		return
	}
	if err := s.reg.RecordAccessToken(ctx, &store.AccessTokenRecord{
		JTI:       jti,
		EntityID:  entityID,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		ExpiresAt: expiresAt,
	}); err != nil {
		slog.Error("oauth: record access token failed", "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "invalid_request", "token issuance failed")
		return
	}

	refresh := &store.RefreshToken{
		AccessJTI: jti,
		ClientID:  clientID,
		EntityID:  entityID,
		UserID:    userID,
		Scope:     scope,
	}
	if err := s.reg.CreateRefreshToken(ctx, refresh); err != nil {
		slog.Error("oauth: refresh token mint failed", "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "invalid_request", "token issuance failed")
		return
	}

	slog.Info("oauth: issued token pair", "entity", entityID, "client", clientID, "jti", jti)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn(expiresAt),
		RefreshToken: refresh.Token,
		Scope:        scope,
	})
}
