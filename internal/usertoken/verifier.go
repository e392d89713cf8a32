// Package usertoken verifies the patient and doctor access tokens issued by
// the external identity provider. Keys come from its JWKS endpoint.
package usertoken

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "medconsult-auth"
	defaultAudience = "medconsult-api"
	defaultLeeway   = 30 * time.Second
	// Unknown kids trigger a refetch at most this often.
	defaultMinRefresh = 10 * time.Second
)

var (
	errUnknownKey  = errors.New("unknown token key")
	supportedRoles = map[string]bool{"patient": true, "doctor": true}
)

// Identity is the authenticated caller carried by an access token. Role is
// lowercased and is always patient or doctor.
type Identity struct {
	Subject string
	Role    string
}

type accessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Config configures user access-token verification.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier validates RS256 access tokens against a cached JWKS.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	keys       *keySet
	minRefresh time.Duration

	refreshMu   sync.Mutex
	lastRefresh time.Time
}

// NewVerifier fetches the key set once and fails if it is unusable.
func NewVerifier(cfg Config) (*Verifier, error) {
	url := strings.TrimSpace(cfg.JWKSURL)
	if url == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	v := &Verifier{
		issuer:     orDefault(cfg.Issuer, defaultIssuer),
		audience:   orDefault(cfg.Audience, defaultAudience),
		leeway:     cfg.Leeway,
		keys:       &keySet{url: url, client: client},
		minRefresh: defaultMinRefresh,
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if err := v.refresh(context.Background(), true); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns its subject and role.
func (v *Verifier) Verify(token string) (Identity, error) {
	claims, err := v.parse(token)
	if errors.Is(err, errUnknownKey) || (err != nil && v.keys.expired()) {
		if rerr := v.refresh(context.Background(), false); rerr != nil {
			return Identity{}, fmt.Errorf("%w (jwks refresh: %v)", err, rerr)
		}
		claims, err = v.parse(token)
	}
	if err != nil {
		return Identity{}, err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, errors.New("token subject missing")
	}
	role := strings.ToLower(strings.TrimSpace(claims.Role))
	if role == "" {
		return Identity{}, errors.New("token role missing")
	}
	if !supportedRoles[role] {
		return Identity{}, fmt.Errorf("token role %q not supported", role)
	}
	return Identity{Subject: subject, Role: role}, nil
}

func (v *Verifier) parse(token string) (accessClaims, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if key, ok := v.keys.lookup(strings.TrimSpace(kid)); ok {
			return key, nil
		}
		return nil, errUnknownKey
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	return claims, err
}

// refresh refetches the key set. Unless forced, it is a no-op when the last
// fetch was under minRefresh ago, so a flood of bogus kids cannot hammer
// the identity provider.
func (v *Verifier) refresh(ctx context.Context, force bool) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	if !force && time.Since(v.lastRefresh) < v.minRefresh {
		return nil
	}
	v.lastRefresh = time.Now()
	return v.keys.fetch(ctx)
}

func orDefault(value, def string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return def
}
