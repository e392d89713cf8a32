package servicetoken

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// VerifierOptions configures a Verifier. PublicKeyPath is registered under
// DefaultKeyID; VerifyPublicKeyMap adds more kids for key rotation.
type VerifierOptions struct {
	PublicKeyPath      string
	VerifyPublicKeyMap map[string]string
	DefaultKeyID       string
	Audience           string
	AllowedIssuers     []string
	Leeway             time.Duration
}

// Verifier checks service tokens for one audience.
type Verifier struct {
	audience string
	issuers  map[string]bool
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
}

func NewVerifierWithOptions(opts VerifierOptions) (*Verifier, error) {
	v := &Verifier{
		audience: strings.TrimSpace(opts.Audience),
		issuers:  make(map[string]bool),
		leeway:   opts.Leeway,
		keys:     make(map[string]*rsa.PublicKey),
	}
	if v.audience == "" {
		return nil, errors.New("service token audience is required")
	}
	for _, iss := range opts.AllowedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			v.issuers[iss] = true
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	if v.leeway <= 0 {
		v.leeway = DefaultLeeway
	}

	paths := make(map[string]string, len(opts.VerifyPublicKeyMap)+1)
	if p := strings.TrimSpace(opts.PublicKeyPath); p != "" {
		kid := strings.TrimSpace(opts.DefaultKeyID)
		if kid == "" {
			kid = DefaultKeyID
		}
		paths[kid] = p
	}
	for kid, p := range opts.VerifyPublicKeyMap {
		kid, p = strings.TrimSpace(kid), strings.TrimSpace(p)
		if kid != "" && p != "" {
			paths[kid] = p
		}
	}
	for kid, p := range paths {
		pub, err := readPublicKey(p)
		if err != nil {
			return nil, fmt.Errorf("load service token public key %q: %w", kid, err)
		}
		v.keys[kid] = pub
	}
	if len(v.keys) == 0 {
		return nil, errors.New("service token verifier requires at least one public key")
	}
	return v, nil
}

// Verify checks signature, kid, audience, time claims, issuer allowlist,
// jti and subject.
func (v *Verifier) Verify(raw string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return claims, errors.New("token required")
	}
	_, err := jwt.ParseWithClaims(raw, &claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	switch {
	case err != nil:
		return claims, err
	case !v.issuers[claims.Issuer]:
		return claims, fmt.Errorf("issuer %q not allowed", claims.Issuer)
	case claims.ID == "":
		return claims, errors.New("jti required")
	case strings.TrimSpace(claims.Subject) == "":
		return claims, errors.New("subject required")
	}
	return claims, nil
}

func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid = strings.TrimSpace(kid); kid == "" {
		return nil, errors.New("token key id required")
	}
	pub, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown token key %q", kid)
	}
	return pub, nil
}

// BearerToken extracts the token from an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	token, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

type callerKey struct{}

// Require rejects requests without a valid service token and records the
// token issuer as the caller.
func Require(v *Verifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			writeUnauthorized(w, "missing service token")
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			writeUnauthorized(w, "invalid service token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, claims.Issuer)))
	})
}

// CallerFromContext returns the issuer recorded by Require.
func CallerFromContext(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}
