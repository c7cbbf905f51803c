package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/arachne-mcp/arachne/internal/arachne/store"
)

// consentTTL bounds the window between the Discord identity callback and
// the consent form submission.
const consentTTL = 5 * time.Minute

// sessionTTL is the dashboard session token lifetime.
const sessionTTL = 24 * time.Hour

// Claims is the access-token claim set. The aud claim separates MCP
// access tokens from dashboard sessions signed with the same secret.
type Claims struct {
	jwt.RegisteredClaims
	Scope    string `json:"scope,omitempty"`
	EntityID string `json:"entity_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Signer mints and verifies the HS256 tokens Arachne issues: MCP access
// tokens, dashboard sessions, and the short-lived consent token that
// carries identity between the callback and the consent form.
type Signer struct {
	secret  []byte
	baseURL string
}

func NewSigner(secret, baseURL string) *Signer {
	return &Signer{secret: []byte(secret), baseURL: baseURL}
}

// MCPAudience is the audience claim bound to one Entity's MCP endpoint.
func (s *Signer) MCPAudience(entityID string) string {
	return s.baseURL + "/mcp/" + entityID
}

// SessionAudience is the audience claim on dashboard session tokens.
func (s *Signer) SessionAudience() string {
	return s.baseURL + "/api"
}

func (s *Signer) consentAudience() string {
	return s.baseURL + "/oauth/consent"
}

// MintAccess issues an MCP access token and returns it with its jti and
// expiry, which the caller records for revocation.
func (s *Signer) MintAccess(entityID, userID, clientID, scope string) (token, jti string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	expiresAt = now.Add(store.AccessTokenTTL)
	jti = uuid.New().String()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.baseURL,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{s.MCPAudience(entityID)},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		Scope:    scope,
		EntityID: entityID,
		ClientID: clientID,
	}

	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return token, jti, expiresAt, nil
}

// MintSession issues a dashboard session token for the Discord user.
func (s *Signer) MintSession(userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    s.baseURL,
		Subject:   userID,
		Audience:  jwt.ClaimStrings{s.SessionAudience()},
		ExpiresAt: jwt.NewNumericDate(now.Add(sessionTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.New().String(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// mintConsent carries the verified Discord identity and the bundled
// authorize parameters across the consent round trip.
func (s *Signer) mintConsent(userID, stateBundle string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.baseURL,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{s.consentAudience()},
			ExpiresAt: jwt.NewNumericDate(now.Add(consentTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Scope: stateBundle,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign consent token: %w", err)
	}
	return token, nil
}

// Verify parses the token, checks the HS256 signature, and requires the
// expected audience. Expiry and issued-at are enforced by the parser.
func (s *Signer) Verify(token, audience string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.baseURL),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
