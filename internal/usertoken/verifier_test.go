package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing jwks url to fail")
	}
}

func TestJWKSVerifyAndRefreshOnUnknownKid(t *testing.T) {
	key1 := mustKey(t)
	key2 := mustKey(t)

	active := "kid-1"
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=1")
		pub := key1.PublicKey
		if active == "kid-2" {
			pub = key2.PublicKey
		}
		resp := map[string]any{"keys": []map[string]string{toJWK(active, pub)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	v.minRefresh = 0

	signed1 := signToken(t, key1, "kid-1", "12", "patient", time.Now())
	id, err := v.Verify(signed1)
	if err != nil || id.Subject != "12" || id.Role != "patient" {
		t.Fatalf("verify token1 failed: id=%+v err=%v", id, err)
	}

	active = "kid-2"
	signed2 := signToken(t, key2, "kid-2", "1", "DOCTOR", time.Now())
	id, err = v.Verify(signed2)
	if err != nil || id.Subject != "1" || id.Role != "doctor" {
		t.Fatalf("verify token2 failed: id=%+v err=%v", id, err)
	}
}

func TestJWKSRejectsMissingRole(t *testing.T) {
	key := mustKey(t)
	v := newStaticVerifier(t, key)
	if _, err := v.Verify(signToken(t, key, "kid-1", "12", "", time.Now())); err == nil {
		t.Fatalf("expected token without role to fail")
	}
}

func TestJWKSRejectsFutureIssuedAt(t *testing.T) {
	key := mustKey(t)
	v := newStaticVerifier(t, key)
	if _, err := v.Verify(signToken(t, key, "kid-1", "12", "patient", time.Now().Add(2*time.Minute))); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestJWKSRejectsUnsupportedRole(t *testing.T) {
	key := mustKey(t)
	v := newStaticVerifier(t, key)
	if _, err := v.Verify(signToken(t, key, "kid-1", "3", "admin", time.Now())); err == nil {
		t.Fatalf("expected admin role to be rejected")
	}
}

func TestUnknownKidRefreshIsThrottled(t *testing.T) {
	key := mustKey(t)
	var fetches atomic.Int32
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer jwksServer.Close()
	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := v.Verify(signToken(t, key, "kid-bogus", "12", "patient", time.Now())); err == nil {
			t.Fatalf("expected unknown kid to fail")
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Fatalf("jwks fetched %d times, want 1", n)
	}
}

func TestParseCacheMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"public, max-age=120": 2 * time.Minute,
		"MAX-AGE=5":           5 * time.Second,
		"no-store":            0,
		"max-age=-1":          0,
		"":                    0,
	}
	for header, want := range cases {
		if got := parseCacheMaxAge(header); got != want {
			t.Fatalf("parseCacheMaxAge(%q) = %s, want %s", header, got, want)
		}
	}
}

func newStaticVerifier(t *testing.T, key *rsa.PrivateKey) *Verifier {
	t.Helper()
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(jwksServer.Close)
	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "issuer-a",
		Audience: "aud-a",
		Leeway:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func mustKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid, subject, role string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, accessClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    "issuer-a",
			Audience:  jwt.ClaimStrings{"aud-a"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
		},
	})
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
