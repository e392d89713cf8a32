// Package servicetoken mints and checks the RS256 tokens that services use
// on internal routes. The consultation service signs for the ledger
// audience; the ledger only accepts allowlisted issuers.
package servicetoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is the clock skew tolerated on iat, nbf and exp.
	DefaultLeeway = 15 * time.Second
	DefaultKeyID  = "internal-active"

	// A cached token is reissued once less than this much lifetime remains.
	reuseMargin = 15 * time.Second
)

// SignerOptions configures a Signer.
type SignerOptions struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

// Signer issues short-lived service tokens. Tokens are cached per audience
// and reused while they have enough lifetime left, so a busy outbox worker
// does not sign on every ledger call.
type Signer struct {
	issuer string
	ttl    time.Duration
	kid    string
	key    *rsa.PrivateKey
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	raw     string
	expires time.Time
}

func NewSignerWithOptions(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := readPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load service token private key: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Signer{
		issuer: issuer,
		ttl:    ttl,
		kid:    kid,
		key:    key,
		now:    time.Now,
		cache:  make(map[string]cachedToken),
	}, nil
}

// Sign returns a token for audience, reusing a cached one when possible.
func (s *Signer) Sign(audience string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[audience]; ok && c.expires.Sub(now) > reuseMargin {
		return c.raw, nil
	}
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	})
	token.Header["kid"] = s.kid
	raw, err := token.SignedString(s.key)
	if err != nil {
		return "", err
	}
	s.cache[audience] = cachedToken{raw: raw, expires: expires}
	return raw, nil
}
