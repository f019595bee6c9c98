// Package auth verifies bearer tokens issued by the configured identity
// provider and falls back to guest identities when no provider is set.
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
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	jwksCacheKey = "jwks"
	jwksCacheTTL = 10 * time.Minute
)

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("no bearer token")

// Identity is the authenticated (or guest) caller of a request.
type Identity struct {
	UserID   string
	Nickname string
	Guest    bool
}

// Verifier checks RS256 tokens against the issuer's published JWKS. Keys are
// cached so steady-state verification needs no network round trip.
type Verifier struct {
	issuerURL string
	client    *http.Client
	cache     *gocache.Cache
	logger    zerolog.Logger
}

// NewVerifier creates a verifier for issuerURL. An empty issuerURL disables
// verification: every caller becomes a guest.
func NewVerifier(issuerURL string, logger zerolog.Logger) *Verifier {
	return &Verifier{
		issuerURL: issuerURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		cache:     gocache.New(jwksCacheTTL, 2*jwksCacheTTL),
		logger:    logger.With().Str("component", "auth").Logger(),
	}
}

// Enabled reports whether an issuer is configured.
func (v *Verifier) Enabled() bool {
	return v.issuerURL != ""
}

// Verify parses and validates a bearer token, returning the caller identity.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	if !v.Enabled() {
		return Identity{}, errors.New("token verification is not configured")
	}
	if tokenString == "" {
		return Identity{}, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keyForKid(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(v.issuerURL),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("unexpected claims shape")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, errors.New("token missing sub claim")
	}
	nickname, _ := claims["nickname"].(string)
	if nickname == "" {
		nickname, _ = claims["name"].(string)
	}
	return Identity{UserID: sub, Nickname: nickname}, nil
}

// Guest mints a fresh anonymous identity.
func Guest() Identity {
	return Identity{UserID: "guest-" + uuid.NewString(), Guest: true}
}

// jwks is the issuer's published key set.
type jwks struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

// keyForKid resolves a signing key, hitting the issuer only on cache miss.
// An unknown kid forces a refetch once, to pick up rotated keys.
func (v *Verifier) keyForKid(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if cached, ok := v.cache.Get(jwksCacheKey); ok {
		if key, ok := cached.(map[string]*rsa.PublicKey)[kid]; ok {
			return key, nil
		}
	}

	keys, err := v.fetchKeys(ctx)
	if err != nil {
		return nil, err
	}
	v.cache.Set(jwksCacheKey, keys, jwksCacheTTL)

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("no key with kid %q", kid)
	}
	return key, nil
}

func (v *Verifier) fetchKeys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	url := v.issuerURL + "/.well-known/jwks.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAKey(k.N, k.E)
		if err != nil {
			v.logger.Warn().Str("kid", k.Kid).Err(err).Msg("skipping malformed jwks key")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contained no usable RSA keys")
	}
	return keys, nil
}

func parseRSAKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(new(big.Int).SetBytes(eb).Int64()),
	}, nil
}
