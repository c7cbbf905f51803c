// Package oauth implements the OAuth 2.1 authorization server in front of
// the MCP endpoint: RFC 8414/9728 discovery, dynamic client registration,
// the PKCE authorization-code flow with a Discord identity leg, and
// single-use refresh-token rotation.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/oauth2"

	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

// Scope is the only scope the server issues.
const Scope = "mcp"

// DiscordUser is the slice of the users/@me response the flow needs.
type DiscordUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// identity performs the Discord leg of the authorization flow. Split out
// so tests can run the flow without Discord.
type identity interface {
	AuthCodeURL(state string) string
	ExchangeAndFetch(ctx context.Context, code string) (*DiscordUser, error)
}

// registry is the slice of the store the authorization server needs.
type registry interface {
	CreateOAuthClient(ctx context.Context, c *store.OAuthClient) error
	GetOAuthClient(ctx context.Context, id string) (*store.OAuthClient, error)
	CreateAuthCode(ctx context.Context, c *store.AuthCode) error
	ConsumeAuthCode(ctx context.Context, code string) (*store.AuthCode, error)
	RecordAccessToken(ctx context.Context, r *store.AccessTokenRecord) error
	RevokeAccessToken(ctx context.Context, jti string) error
	CreateRefreshToken(ctx context.Context, r *store.RefreshToken) error
	ConsumeRefreshToken(ctx context.Context, token string) (*store.RefreshToken, error)
	GetEntity(ctx context.Context, id string) (*store.Entity, error)
	ListEntitiesByOwner(ctx context.Context, ownerID string) ([]*store.Entity, error)
}

// Server serves the /oauth/* and /.well-known/* routes.
type Server struct {
	reg      registry
	signer   *Signer
	baseURL  string
	identity identity
}

// Config carries the Discord application credentials for the identity leg.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
}

func NewServer(reg registry, signer *Signer, cfg Config) *Server {
	return &Server{
		reg:     reg,
		signer:  signer,
		baseURL: cfg.BaseURL,
		identity: &discordIdentity{
			oauth: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				RedirectURL:  cfg.BaseURL + "/oauth/discord-callback",
				Scopes:       []string{"identify"},
				Endpoint: oauth2.Endpoint{
					AuthURL:  "https://discord.com/oauth2/authorize",
					TokenURL: "https://discord.com/api/oauth2/token",
				},
			},
		},
	}
}

// Routes registers the server's handlers on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", s.handleProtectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", s.handleAuthServerMetadata)
	mux.HandleFunc("POST /oauth/register", s.handleRegister)
	mux.HandleFunc("GET /oauth/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /oauth/discord-callback", s.handleDiscordCallback)
	mux.HandleFunc("POST /oauth/consent", s.handleConsent)
	mux.HandleFunc("POST /oauth/token", s.handleToken)
}

// discordIdentity is the production identity implementation.
type discordIdentity struct {
	oauth *oauth2.Config
}

func (d *discordIdentity) AuthCodeURL(state string) string {
	return d.oauth.AuthCodeURL(state)
}

func (d *discordIdentity) ExchangeAndFetch(ctx context.Context, code string) (*DiscordUser, error) {
	tok, err := d.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange discord code: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://discord.com/api/users/@me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch discord profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch discord profile: status %d", resp.StatusCode)
	}

	user := &DiscordUser{}
	if err := json.NewDecoder(resp.Body).Decode(user); err != nil {
		return nil, fmt.Errorf("decode discord profile: %w", err)
	}
	return user, nil
}

// --- Discovery ---

func (s *Server) handleProtectedResource(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":                 s.baseURL,
		"authorization_servers":    []string{s.baseURL},
		"scopes_supported":         []string{Scope},
		"bearer_methods_supported": []string{"header"},
	})
}

func (s *Server) handleAuthServerMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                s.baseURL,
		"authorization_endpoint":                s.baseURL + "/oauth/authorize",
		"token_endpoint":                        s.baseURL + "/oauth/token",
		"registration_endpoint":                 s.baseURL + "/oauth/register",
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported":                      []string{Scope},
	})
}

// --- Dynamic client registration ---

// registerSchema validates the registration body shape before any field
// is touched.
var registerSchema = jsonschema.MustCompileString("register.json", `{
	"type": "object",
	"required": ["redirect_uris"],
	"properties": {
		"redirect_uris": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"client_name": {"type": "string"},
		"grant_types": {"type": "array", "items": {"type": "string"}},
		"response_types": {"type": "array", "items": {"type": "string"}},
		"token_endpoint_auth_method": {"type": "string"}
	}
}`)

type registerRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var raw any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if err := registerSchema.Validate(raw); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// Re-decode into the typed shape now that the schema passed.
	buf, _ := json.Marshal(raw)
	var req registerRequest
	if err := json.Unmarshal(buf, &req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed registration body")
		return
	}

	for _, uri := range req.RedirectURIs {
		u, err := url.Parse(uri)
		if err != nil || !u.IsAbs() {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request",
				fmt.Sprintf("redirect_uri %q is not an absolute URL", uri))
			return
		}
	}

	client := &store.OAuthClient{
		Name:                    req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}
	if err := s.reg.CreateOAuthClient(r.Context(), client); err != nil {
		slog.Error("oauth: client registration failed", "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "invalid_request", "registration failed")
		return
	}

	slog.Info("oauth: registered client", "client", client.ID, "name", client.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":                  client.ID,
		"client_name":                client.Name,
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.GrantTypes,
		"response_types":             client.ResponseTypes,
		"token_endpoint_auth_method": client.TokenEndpointAuthMethod,
		"client_id_issued_at":        client.CreatedAt.Unix(),
	})
}

// --- Shared response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("oauth: write response failed", "err", err)
	}
}

// writeOAuthError emits the RFC 6749 error object.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// tokenResponse is the standard token endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func expiresIn(expiresAt time.Time) int {
	return int(time.Until(expiresAt).Round(time.Second).Seconds())
}
