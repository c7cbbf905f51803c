package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact lifetimes. The TTLs are baked into the rows; no in-flight timers.
const (
	AuthCodeTTL     = 10 * time.Minute
	AccessTokenTTL  = time.Hour
	RefreshTokenTTL = 30 * 24 * time.Hour
)

// OAuthClient is a dynamically registered OAuth client. All clients are
// public (token_endpoint_auth_method "none").
type OAuthClient struct {
	ID                      string
	Name                    string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// CreateOAuthClient registers a client and issues its opaque id.
func (s *Store) CreateOAuthClient(ctx context.Context, c *OAuthClient) error {
	if len(c.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris must not be empty", ErrInvalid)
	}
	c.ID = uuid.New().String()
	if c.TokenEndpointAuthMethod == "" {
		c.TokenEndpointAuthMethod = "none"
	}
	if len(c.GrantTypes) == 0 {
		c.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(c.ResponseTypes) == 0 {
		c.ResponseTypes = []string{"code"}
	}
	c.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, name, redirect_uris, grant_types, response_types,
		                           token_endpoint_auth_method, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, encodeSet(c.RedirectURIs), encodeSet(c.GrantTypes),
		encodeSet(c.ResponseTypes), c.TokenEndpointAuthMethod, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create oauth client: %w", err)
	}
	return nil
}

// GetOAuthClient retrieves a registered client.
func (s *Store) GetOAuthClient(ctx context.Context, id string) (*OAuthClient, error) {
	c := &OAuthClient{}
	var uris, grants, responses string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, redirect_uris, grant_types, response_types,
		       token_endpoint_auth_method, created_at
		FROM oauth_clients WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &uris, &grants, &responses,
		&c.TokenEndpointAuthMethod, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: oauth client %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth client: %w", err)
	}
	c.RedirectURIs = decodeSet(uris)
	c.GrantTypes = decodeSet(grants)
	c.ResponseTypes = decodeSet(responses)
	return c, nil
}

// AuthCode is a one-time authorization code with its PKCE binding.
type AuthCode struct {
	Code          string
	ClientID      string
	EntityID      string
	UserID        string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// CreateAuthCode mints and persists a fresh authorization code.
func (s *Store) CreateAuthCode(ctx context.Context, c *AuthCode) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate auth code: %w", err)
	}
	c.Code = base64.RawURLEncoding.EncodeToString(raw)
	c.CreatedAt = time.Now().UTC()
	c.ExpiresAt = c.CreatedAt.Add(AuthCodeTTL)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_auth_codes (code, client_id, entity_id, user_id, redirect_uri,
		                              scope, code_challenge, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.Code, c.ClientID, c.EntityID, c.UserID, c.RedirectURI,
		c.Scope, c.CodeChallenge,
		c.CreatedAt.Format(time.RFC3339), c.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create auth code: %w", err)
	}
	return nil
}

// ConsumeAuthCode destructively fetches an authorization code. The row is
// deleted in the same transaction as the read, so a second or concurrent
// consume returns ErrNotFound. Expired codes also consume to nothing.
func (s *Store) ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume auth code: %w", err)
	}
	defer tx.Rollback()

	c := &AuthCode{}
	var createdStr, expiresStr string
	err = tx.QueryRowContext(ctx, `
		SELECT code, client_id, entity_id, user_id, redirect_uri, scope, code_challenge,
		       created_at, expires_at
		FROM oauth_auth_codes WHERE code = ?
	`, code).Scan(&c.Code, &c.ClientID, &c.EntityID, &c.UserID, &c.RedirectURI,
		&c.Scope, &c.CodeChallenge, &createdStr, &expiresStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: auth code", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume auth code: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	c.ExpiresAt, _ = time.Parse(time.RFC3339, expiresStr)

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_auth_codes WHERE code = ?`, code); err != nil {
		return nil, fmt.Errorf("failed to burn auth code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume auth code: %w", err)
	}

	if time.Now().UTC().After(c.ExpiresAt) {
		return nil, fmt.Errorf("%w: auth code expired", ErrNotFound)
	}
	return c, nil
}

// AccessTokenRecord tracks an issued JWT's jti for revocation bookkeeping.
// The JWT itself is self-contained; this row only answers "is it revoked".
type AccessTokenRecord struct {
	JTI       string
	EntityID  string
	UserID    string
	ClientID  string
	Scope     string
	ExpiresAt time.Time
	Revoked   bool
}

// RecordAccessToken stores revocation bookkeeping for a freshly minted JWT.
func (s *Store) RecordAccessToken(ctx context.Context, r *AccessTokenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_access_tokens (jti, entity_id, user_id, client_id, scope, expires_at, revoked)
		VALUES (?, ?, ?, ?, ?, ?, 0)
	`, r.JTI, r.EntityID, r.UserID, r.ClientID, r.Scope,
		r.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record access token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether the jti has been revoked. Unknown jtis are
// treated as revoked: if we never issued it, it is not valid here.
func (s *Store) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked int
	err := s.db.QueryRowContext(ctx,
		`SELECT revoked FROM oauth_access_tokens WHERE jti = ?`, jti).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return true, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked != 0, nil
}

// RevokeAccessToken marks the jti revoked. Revoking an unknown jti is a
// no-op; unknown means already unusable.
func (s *Store) RevokeAccessToken(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE oauth_access_tokens SET revoked = 1 WHERE jti = ?`, jti)
	if err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// RefreshToken is an opaque, single-use token paired with the access token
// jti it was minted alongside.
type RefreshToken struct {
	Token     string
	AccessJTI string
	ClientID  string
	EntityID  string
	UserID    string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// CreateRefreshToken mints and persists a refresh token.
func (s *Store) CreateRefreshToken(ctx context.Context, r *RefreshToken) error {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate refresh token: %w", err)
	}
	r.Token = base64.RawURLEncoding.EncodeToString(raw)
	r.CreatedAt = time.Now().UTC()
	r.ExpiresAt = r.CreatedAt.Add(RefreshTokenTTL)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_refresh_tokens (token, access_jti, client_id, entity_id, user_id,
		                                  scope, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.Token, r.AccessJTI, r.ClientID, r.EntityID, r.UserID, r.Scope,
		r.CreatedAt.Format(time.RFC3339), r.ExpiresAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken destructively fetches a refresh token. Single-use:
// the row is deleted with the read, and expired tokens consume to nothing.
func (s *Store) ConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume refresh token: %w", err)
	}
	defer tx.Rollback()

	r := &RefreshToken{}
	var createdStr, expiresStr string
	err = tx.QueryRowContext(ctx, `
		SELECT token, access_jti, client_id, entity_id, user_id, scope, created_at, expires_at
		FROM oauth_refresh_tokens WHERE token = ?
	`, token).Scan(&r.Token, &r.AccessJTI, &r.ClientID, &r.EntityID, &r.UserID,
		&r.Scope, &createdStr, &expiresStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	r.ExpiresAt, _ = time.Parse(time.RFC3339, expiresStr)

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_refresh_tokens WHERE token = ?`, token); err != nil {
		return nil, fmt.Errorf("failed to burn refresh token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume refresh token: %w", err)
	}

	if time.Now().UTC().After(r.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", ErrNotFound)
	}
	return r, nil
}

// PruneExpiredOAuth removes expired auth codes, refresh tokens, and
// revocation rows whose expiry has passed. Called from the eviction ticker.
func (s *Store) PruneExpiredOAuth(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, stmt := range []string{
		`DELETE FROM oauth_auth_codes WHERE expires_at < ?`,
		`DELETE FROM oauth_refresh_tokens WHERE expires_at < ?`,
		`DELETE FROM oauth_access_tokens WHERE expires_at < ?`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt, now); err != nil {
			return fmt.Errorf("prune expired oauth rows: %w", err)
		}
	}
	return nil
}
