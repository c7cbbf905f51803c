package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

// stateBundle carries the validated authorize parameters through the
// Discord identity leg, base64url-encoded into the state parameter.
type stateBundle struct {
	ClientID      string `json:"client_id"`
	RedirectURI   string `json:"redirect_uri"`
	Scope         string `json:"scope"`
	State         string `json:"state"`
	CodeChallenge string `json:"code_challenge"`
	EntityHint    string `json:"entity_hint,omitempty"`
}

func encodeState(b stateBundle) string {
	raw, _ := json.Marshal(b)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeState(s string) (stateBundle, error) {
	var b stateBundle
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return b, fmt.Errorf("decode state: %w", err)
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return b, fmt.Errorf("decode state: %w", err)
	}
	return b, nil
}

// entityHintFromResource extracts the Entity id from an RFC 8707 resource
// parameter of the form <base>/mcp/<entity_id>. Anything else yields no
// hint.
func entityHintFromResource(resource string) string {
	if resource == "" {
		return ""
	}
	idx := strings.LastIndex(resource, "/mcp/")
	if idx < 0 {
		return ""
	}
	hint := resource[idx+len("/mcp/"):]
	if hint == "" || strings.Contains(hint, "/") {
		return ""
	}
	return hint
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	challenge := q.Get("code_challenge")
	if clientID == "" || redirectURI == "" || challenge == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"client_id, redirect_uri and code_challenge are required")
		return
	}
	if rt := q.Get("response_type"); rt != "code" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"response_type must be \"code\"")
		return
	}
	if m := q.Get("code_challenge_method"); m != "" && m != "S256" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"only the S256 code challenge method is supported")
		return
	}

	client, err := s.reg.GetOAuthClient(r.Context(), clientID)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !containsString(client.RedirectURIs, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"redirect_uri is not registered for this client")
		return
	}

	scope := q.Get("scope")
	if scope == "" {
		scope = Scope
	}

	bundle := stateBundle{
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		State:         q.Get("state"),
		CodeChallenge: challenge,
		EntityHint:    entityHintFromResource(q.Get("resource")),
	}

	http.Redirect(w, r, s.identity.AuthCodeURL(encodeState(bundle)), http.StatusFound)
}

func (s *Server) handleDiscordCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "missing code")
		return
	}
	bundle, err := decodeState(q.Get("state"))
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed state")
		return
	}

	user, err := s.identity.ExchangeAndFetch(r.Context(), code)
	if err != nil {
		slog.Warn("oauth: discord identity exchange failed", "err", err)
		writeOAuthError(w, http.StatusBadGateway, "invalid_request", "identity verification failed")
		return
	}

	owned, err := s.reg.ListEntitiesByOwner(r.Context(), user.ID)
	if err != nil {
		slog.Error("oauth: owner entity lookup failed", "user", user.ID, "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "invalid_request", "entity lookup failed")
		return
	}

	entities := make([]*store.Entity, 0, len(owned))
	for _, e := range owned {
		if !e.Active {
			continue
		}
		if bundle.EntityHint != "" && e.ID != bundle.EntityHint {
			continue
		}
		entities = append(entities, e)
	}
	if len(entities) == 0 {
		status := http.StatusForbidden
		if bundle.EntityHint != "" {
			writeOAuthError(w, status, "invalid_request",
				"the requested entity does not belong to this user")
			return
		}
		writeOAuthError(w, status, "invalid_request", "no entities registered for this user")
		return
	}

	consentToken, err := s.signer.mintConsent(user.ID, encodeState(bundle))
	if err != nil {
		slog.Error("oauth: consent token mint failed", "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "invalid_request", "consent setup failed")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = consentTemplate.Execute(w, consentPage{
		Username:     user.Username,
		ClientID:     bundle.ClientID,
		Entities:     entities,
		ConsentToken: consentToken,
	})
	if err != nil {
		slog.Error("oauth: consent page render failed", "err", err)
	}
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	entityID := r.PostFormValue("entity_id")
	consentToken := r.PostFormValue("consent_token")
	if entityID == "" || consentToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request",
			"entity_id and consent_token are required")
		return
	}

	claims, err := s.signer.Verify(consentToken, s.signer.consentAudience())
	if err != nil {
		writeOAuthError(w, http.StatusForbidden, "invalid_request", "consent session expired")
		return
	}
	bundle, err := decodeState(claims.Scope)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed state")
		return
	}
	userID := claims.Subject

	entity, err := s.reg.GetEntity(r.Context(), entityID)
	if err != nil || entity.OwnerID != userID || !entity.Active {
		writeOAuthError(w, http.StatusForbidden, "invalid_request",
			"the selected entity does not belong to this user")
		return
	}

	authCode := &store.AuthCode{
		ClientID:      bundle.ClientID,
		EntityID:      entity.ID,
		UserID:        userID,
		RedirectURI:   bundle.RedirectURI,
		Scope:         bundle.Scope,
		CodeChallenge: bundle.CodeChallenge,
	}
	if err := s.reg.CreateAuthCode(r.Context(), authCode); err != nil {
		slog.Error("oauth: auth code mint failed", "err", err)
		writeOAuthError(w, http.StatusInternalServerError, "invalid_request", "authorization failed")
		return
	}

	slog.Info("oauth: authorization granted",
		"client", bundle.ClientID, "entity", entity.ID, "user", userID)

	dest, err := url.Parse(bundle.RedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed redirect_uri")
		return
	}
	dq := dest.Query()
	dq.Set("code", authCode.Code)
	if bundle.State != "" {
		dq.Set("state", bundle.State)
	}
	dest.RawQuery = dq.Encode()
	http.Redirect(w, r, dest.String(), http.StatusFound)
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

type consentPage struct {
	Username     string
	ClientID     string
	Entities     []*store.Entity
	ConsentToken string
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Arachne: Authorize Access</title>
<style>
body { font-family: sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; }
.entity { border: 1px solid #ccc; border-radius: 6px; padding: 0.75rem; margin: 0.5rem 0; }
button { padding: 0.5rem 1.5rem; }
</style>
</head>
<body>
<h1>Authorize Access</h1>
<p>Hi <strong>{{.Username}}</strong>. An application ({{.ClientID}}) wants to
connect to one of your entities. Pick which one:</p>
<form method="post" action="/oauth/consent">
<input type="hidden" name="consent_token" value="{{.ConsentToken}}">
{{range .Entities}}
<label class="entity">
<input type="radio" name="entity_id" value="{{.ID}}" required>
<strong>{{.Name}}</strong> ({{.Platform}}){{if .Description}}: {{.Description}}{{end}}
</label>
{{end}}
<p><button type="submit">Authorize</button></p>
</form>
</body>
</html>
`))
