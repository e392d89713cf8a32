package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")
	privateDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private: %v", err)
	}
	if err := os.WriteFile(privatePath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privateDER}), 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}

func newPair(t *testing.T, verifierKid string) (*Signer, *Verifier, string) {
	t.Helper()
	privatePath, publicPath := writeRSAKeyPairFiles(t, "svc")
	signer, err := NewSignerWithOptions(SignerOptions{PrivateKeyPath: privatePath, Issuer: "consultation-service"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifierWithOptions(VerifierOptions{
		PublicKeyPath:  publicPath,
		DefaultKeyID:   verifierKid,
		Audience:       "ledger",
		AllowedIssuers: []string{"consultation-service"},
		Leeway:         time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return signer, verifier, privatePath
}

func TestSignAndVerify(t *testing.T) {
	signer, verifier, _ := newPair(t, "")
	token, err := signer.Sign("ledger")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "consultation-service" || claims.ID == "" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSignerReusesTokenUntilNearExpiry(t *testing.T) {
	signer, _, _ := newPair(t, "")
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return now }

	first, _ := signer.Sign("ledger")
	now = now.Add(30 * time.Second)
	if again, _ := signer.Sign("ledger"); again != first {
		t.Fatal("expected cached token to be reused")
	}
	if other, _ := signer.Sign("reports"); other == first {
		t.Fatal("audiences must not share tokens")
	}
	now = now.Add(20 * time.Second)
	if fresh, _ := signer.Sign("ledger"); fresh == first {
		t.Fatal("expected a new token close to expiry")
	}
}

func TestVerifierRejects(t *testing.T) {
	signer, verifier, privatePath := newPair(t, "")
	key, err := readPrivateKey(privatePath)
	if err != nil {
		t.Fatalf("read private key: %v", err)
	}
	forge := func(mutate func(c *jwt.RegisteredClaims, h map[string]any)) string {
		now := time.Now()
		claims := jwt.RegisteredClaims{
			Issuer:    "consultation-service",
			Subject:   "consultation-service",
			Audience:  jwt.ClaimStrings{"ledger"},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			ID:        "jti-1",
		}
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims)
		token.Header["kid"] = DefaultKeyID
		mutate(&claims, token.Header)
		signed, err := token.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return signed
	}
	wrongAudience, _ := signer.Sign("reports")

	cases := map[string]string{
		"empty":          "",
		"wrong audience": wrongAudience,
		"future iat": forge(func(c *jwt.RegisteredClaims, _ map[string]any) {
			c.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))
		}),
		"expired": forge(func(c *jwt.RegisteredClaims, _ map[string]any) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		}),
		"no expiry":        forge(func(c *jwt.RegisteredClaims, _ map[string]any) { c.ExpiresAt = nil }),
		"unknown issuer":   forge(func(c *jwt.RegisteredClaims, _ map[string]any) { c.Issuer = "billing" }),
		"missing jti":      forge(func(c *jwt.RegisteredClaims, _ map[string]any) { c.ID = "" }),
		"missing subject":  forge(func(c *jwt.RegisteredClaims, _ map[string]any) { c.Subject = "" }),
		"missing kid":      forge(func(_ *jwt.RegisteredClaims, h map[string]any) { delete(h, "kid") }),
		"unregistered kid": forge(func(_ *jwt.RegisteredClaims, h map[string]any) { h["kid"] = "retired" }),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := verifier.Verify(token); err == nil {
				t.Fatal("expected verification to fail")
			}
		})
	}
}

func TestVerifierKeyRotation(t *testing.T) {
	oldPriv, oldPub := writeRSAKeyPairFiles(t, "old")
	newPriv, newPub := writeRSAKeyPairFiles(t, "new")
	verifier, err := NewVerifierWithOptions(VerifierOptions{
		VerifyPublicKeyMap: map[string]string{"k-old": oldPub, "k-new": newPub},
		Audience:           "ledger",
		AllowedIssuers:     []string{"consultation-service"},
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	for kid, path := range map[string]string{"k-old": oldPriv, "k-new": newPriv} {
		signer, err := NewSignerWithOptions(SignerOptions{PrivateKeyPath: path, KeyID: kid, Issuer: "consultation-service"})
		if err != nil {
			t.Fatalf("signer %s: %v", kid, err)
		}
		token, _ := signer.Sign("ledger")
		if _, err := verifier.Verify(token); err != nil {
			t.Fatalf("token signed with %s: %v", kid, err)
		}
	}
}

func TestConstructorsValidate(t *testing.T) {
	if _, err := NewSignerWithOptions(SignerOptions{Issuer: "consultation-service"}); err == nil {
		t.Fatal("expected missing private key to fail")
	}
	if _, err := NewVerifierWithOptions(VerifierOptions{Audience: "ledger", AllowedIssuers: []string{"x"}}); err == nil {
		t.Fatal("expected missing public key to fail")
	}
	if _, err := NewVerifierWithOptions(VerifierOptions{Audience: "ledger"}); err == nil {
		t.Fatal("expected missing issuers to fail")
	}
}

func TestParseVerifyPublicKeys(t *testing.T) {
	parsed, err := ParseVerifyPublicKeys(" k1=/a.pem , k2=/b.pem ")
	if err != nil || len(parsed) != 2 || parsed["k2"] != "/b.pem" {
		t.Fatalf("parsed=%v err=%v", parsed, err)
	}
	if parsed, err := ParseVerifyPublicKeys(""); err != nil || parsed != nil {
		t.Fatalf("blank input: %v %v", parsed, err)
	}
	if _, err := ParseVerifyPublicKeys("k1"); err == nil {
		t.Fatal("expected malformed entry to fail")
	}
}

func TestRequireMiddleware(t *testing.T) {
	signer, verifier, _ := newPair(t, "")
	var caller string
	h := Require(verifier, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/ledger/verify", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rec.Code)
	}

	token, _ := signer.Sign("ledger")
	req := httptest.NewRequest(http.MethodGet, "/internal/ledger/verify", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || caller != "consultation-service" {
		t.Fatalf("valid token: status %d caller %q", rec.Code, caller)
	}
}
