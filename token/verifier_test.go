package token

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const testKeyID = "realm-key-1"

func jwksServer(t *testing.T, pub *rsa.PublicKey) *httptest.Server {
	t.Helper()

	key, err := jwk.FromRaw(pub)
	if err != nil {
		t.Fatalf("building JWK: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("setting kid: %v", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		t.Fatalf("adding key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifyAgainstRealmJWKS(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating RSA key: %v", err)
	}
	srv := jwksServer(t, &privateKey.PublicKey)
	verifier := NewVerifier(&VerifierConfig{JWKSURL: srv.URL})

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user-1"})
	tok.Header["kid"] = testKeyID
	raw, err := tok.SignedString(privateKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	if err := verifier.Verify(context.Background(), raw); err != nil {
		t.Fatalf("Verify failed for a correctly signed token: %v", err)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	realmKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, &realmKey.PublicKey)
	verifier := NewVerifier(&VerifierConfig{JWKSURL: srv.URL})

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user-1"})
	tok.Header["kid"] = testKeyID
	raw, err := tok.SignedString(otherKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	if err := verifier.Verify(context.Background(), raw); err == nil {
		t.Fatal("Verify should fail for a token signed with a foreign key")
	}
}

func TestVerifyRejectsUnknownKeyID(t *testing.T) {
	privateKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	srv := jwksServer(t, &privateKey.PublicKey)
	verifier := NewVerifier(&VerifierConfig{JWKSURL: srv.URL})

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user-1"})
	tok.Header["kid"] = "rotated-away"
	raw, err := tok.SignedString(privateKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}

	if err := verifier.Verify(context.Background(), raw); err == nil {
		t.Fatal("Verify should fail for an unknown kid")
	}
}
