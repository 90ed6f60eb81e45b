package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"circulation/pkg/domain"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestVerifyActorRefreshesOnUnknownKid(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)

	var active atomic.Value
	active.Store("kid-1")
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		kid := active.Load().(string)
		key := key1.PublicKey
		if kid == "kid-2" {
			key = key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=60")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, key)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	actor, err := v.VerifyActor(signToken(t, key1, "kid-1", claimsFor("member-a", "", time.Now())))
	if err != nil {
		t.Fatalf("verify token1: %v", err)
	}
	if actor != (domain.Actor{ID: "member-a", Role: domain.RoleMember}) {
		t.Fatalf("actor = %+v", actor)
	}

	active.Store("kid-2")
	if _, err := v.VerifyActor(signToken(t, key2, "kid-2", claimsFor("librarian-b", "librarian", time.Now()))); err == nil {
		t.Fatalf("unknown kid right after a fetch should wait for the refresh cooldown")
	}
	v.keys.now = func() time.Time { return time.Now().Add(minRefreshInterval + time.Second) }
	actor, err = v.VerifyActor(signToken(t, key2, "kid-2", claimsFor("librarian-b", "librarian", time.Now())))
	if err != nil {
		t.Fatalf("verify token2 after rotation: %v", err)
	}
	if actor.Role != domain.RoleStaff || actor.ID != "librarian-b" {
		t.Fatalf("actor = %+v", actor)
	}
}

func TestVerifyActorRejectsBadTokens(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	future := claimsFor("member-1", "", time.Now())
	future.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))

	wrongAudience := claimsFor("member-1", "", time.Now())
	wrongAudience.Audience = jwt.ClaimStrings{"aud-b"}

	noExpiry := claimsFor("member-1", "", time.Now())
	noExpiry.ExpiresAt = nil

	tests := map[string]string{
		"future iat":     signToken(t, key, "kid-1", future),
		"wrong audience": signToken(t, key, "kid-1", wrongAudience),
		"no expiry":      signToken(t, key, "kid-1", noExpiry),
		"wrong key":      signToken(t, other, "kid-1", claimsFor("member-1", "", time.Now())),
		"no subject":     signToken(t, key, "kid-1", claimsFor(" ", "", time.Now())),
		"garbage":        "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := v.VerifyActor(token); err == nil {
				t.Fatalf("expected %s to fail", name)
			}
		})
	}

	_, err = v.VerifyActor(signToken(t, key, "kid-1", claimsFor("member-1", "janitor", time.Now())))
	if !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("err = %v, want ErrUnknownRole", err)
	}
}

func TestParseRole(t *testing.T) {
	tests := map[string]domain.Role{
		"":          domain.RoleMember,
		"Member":    domain.RoleMember,
		"librarian": domain.RoleStaff,
		"STAFF":     domain.RoleStaff,
		"admin":     domain.RoleAdmin,
	}
	for raw, want := range tests {
		got, err := ParseRole(raw)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
}

func TestCacheMaxAge(t *testing.T) {
	tests := map[string]time.Duration{
		"public, max-age=120":  2 * time.Minute,
		"no-store":             0,
		"no-cache, max-age=60": 0,
		"max-age=abc":          0,
		"":                     0,
	}
	for header, want := range tests {
		if got := cacheMaxAge(header); got != want {
			t.Fatalf("cacheMaxAge(%q) = %v, want %v", header, got, want)
		}
	}
}

func TestKeySetServesKnownKeyWhenRefreshFails(t *testing.T) {
	key := generateKey(t)
	var down atomic.Bool
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	down.Store(true)
	v.keys.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := v.VerifyActor(signToken(t, key, "kid-1", claimsFor("member-1", "", time.Now()))); err != nil {
		t.Fatalf("expired cache with auth down should keep the known key: %v", err)
	}
}

func TestRSAPublicKeyRejectsShortModulus(t *testing.T) {
	small, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := toJWK("kid-weak", small.PublicKey)
	if _, err := rsaPublicKey(jwk["n"], jwk["e"]); err == nil {
		t.Fatalf("expected 1024-bit key to be rejected")
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func claimsFor(subject, role string, now time.Time) Claims {
	return Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		},
	}
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
