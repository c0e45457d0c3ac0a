package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/team-bethany-and-thomas/healthapp/internal/platform/clock"
)

// ErrUnknownKey is returned for a kid the JWKS endpoint does not publish.
var ErrUnknownKey = errors.New("signing key not published by the identity provider")

// JWKSKey is one RSA JSON Web Key.
type JWKSKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSResponse is the body of a JWKS endpoint.
type JWKSResponse struct {
	Keys []JWKSKey `json:"keys"`
}

const (
	defaultJWKSCacheTTL   = 5 * time.Minute
	defaultJWKSMinRefresh = 30 * time.Second
)

// JWKSCache holds the provider's RSA keys. Keys are refetched after TTL or
// when a token names an unknown kid, but never more often than MinRefresh,
// so a stream of forged kids cannot hammer the provider. When a refetch
// fails a previously fetched key keeps being served.
type JWKSCache struct {
	url        string
	ttl        time.Duration
	minRefresh time.Duration
	client     *http.Client
	clock      clock.Clock

	// mu is held across fetches so concurrent misses share one request.
	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
}

func NewJWKSCache(jwksURL string, ttl time.Duration) *JWKSCache {
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	return &JWKSCache{
		url:        jwksURL,
		ttl:        ttl,
		minRefresh: defaultJWKSMinRefresh,
		client:     &http.Client{Timeout: 10 * time.Second},
		clock:      clock.New(),
		keys:       make(map[string]*rsa.PublicKey),
	}
}

// GetKey returns the key published under kid.
func (c *JWKSCache) GetKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	key, known := c.keys[kid]
	fresh := !c.fetchedAt.IsZero() && now.Sub(c.fetchedAt) < c.ttl
	if known && fresh {
		return key, nil
	}
	if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < c.minRefresh {
		if known {
			return key, nil
		}
		return nil, fmt.Errorf("kid %q: %w", kid, ErrUnknownKey)
	}

	c.lastAttempt = now
	if err := c.fetch(ctx); err != nil {
		if known {
			return key, nil
		}
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	if key, known = c.keys[kid]; !known {
		return nil, fmt.Errorf("kid %q: %w", kid, ErrUnknownKey)
	}
	return key, nil
}

// fetch replaces the key set. Callers hold mu.
func (c *JWKSCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	var jwks JWKSResponse
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, k := range jwks.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, err := parseRSAPublicKey(k); err == nil {
			keys[k.Kid] = pub
		}
	}
	c.keys = keys
	c.fetchedAt = c.clock.Now()
	return nil
}

func parseRSAPublicKey(k JWKSKey) (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 {
		return nil, fmt.Errorf("key %q has an empty modulus or exponent", k.Kid)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

// keyFunc resolves the token's kid for one request.
func (c *JWKSCache) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token has no kid header")
		}
		return c.GetKey(ctx, kid)
	}
}
