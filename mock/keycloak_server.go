package mock

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const mockKeyID = "mock-realm-key"

// KeycloakServer is a mock identity provider for testing. It mints
// realm-signed tokens and serves the realm JWKS and the client
// credentials token endpoint.
type KeycloakServer struct {
	Issuer string
	Realm  string

	privateKey *rsa.PrivateKey
}

// NewKeycloakServer creates a mock identity provider with a fresh realm key.
func NewKeycloakServer(issuer, realm string) (*KeycloakServer, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating realm key: %w", err)
	}
	return &KeycloakServer{Issuer: issuer, Realm: realm, privateKey: privateKey}, nil
}

// IssueToken mints a realm-signed token carrying the given tenant claims.
func (s *KeycloakServer) IssueToken(subject, username string, roles, clinicIDs []string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":                s.Issuer + "/realms/" + s.Realm,
		"sub":                subject,
		"preferred_username": username,
		"roles":              roles,
		"clinic_ids":         clinicIDs,
		"iat":                now.Unix(),
		"exp":                now.Add(ttl).Unix(),
	})
	tok.Header["kid"] = mockKeyID

	raw, err := tok.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return raw, nil
}

// RegisterHandlers registers HTTP handlers for the mock identity provider.
func (s *KeycloakServer) RegisterHandlers(mux *http.ServeMux) {
	realmBase := "/realms/" + s.Realm + "/protocol/openid-connect"
	mux.HandleFunc(realmBase+"/certs", s.HandleJWKS)
	mux.HandleFunc(realmBase+"/token", s.HandleToken)
}

// HandleJWKS serves the realm key set.
func (s *KeycloakServer) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	key, err := jwk.FromRaw(&s.privateKey.PublicKey)
	if err != nil {
		http.Error(w, "building JWK", http.StatusInternalServerError)
		return
	}
	key.Set(jwk.KeyIDKey, mockKeyID)
	key.Set(jwk.AlgorithmKey, "RS256")

	set := jwk.NewSet()
	set.AddKey(key)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(set)
}

// HandleToken serves the client credentials grant used by service accounts.
func (s *KeycloakServer) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil || r.FormValue("grant_type") != "client_credentials" {
		http.Error(w, "unsupported grant type", http.StatusBadRequest)
		return
	}
	if r.FormValue("client_secret") == "" {
		http.Error(w, "missing client secret", http.StatusUnauthorized)
		return
	}

	raw, err := s.IssueToken("service-account-"+r.FormValue("client_id"), r.FormValue("client_id"),
		nil, nil, 5*time.Minute)
	if err != nil {
		http.Error(w, "signing token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token": raw,
		"token_type":   "Bearer",
		"expires_in":   300,
	})
}
