/**
 * @description
 * Authentication middleware for the ledger-service. User routes carry a Clerk JWT
 * whose `sub` claim is the ledger account id; internal routes carry a shared key.
 */
package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

// AccountIDContextKey is the key used to store the authenticated account id in the request context.
const AccountIDContextKey = contextKey("accountID")

const jwksCacheTTL = 10 * time.Minute

var errUnknownKey = errors.New("unknown signing key")

// jwksCache keeps signing keys by kid. An unknown kid forces a refetch so rotated
// keys are picked up before the TTL expires.
type jwksCache struct {
	url       string
	client    *http.Client
	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string) *jwksCache {
	return &jwksCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		keys:   make(map[string]*rsa.PublicKey),
	}
}

// keyFor implements jwt.Keyfunc.
func (c *jwksCache) keyFor(token *jwt.Token) (interface{}, error) {
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid", errUnknownKey)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	if err := c.refreshLocked(); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %s", errUnknownKey, kid)
}

type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *jwksCache) refreshLocked() error {
	resp, err := c.client.Get(c.url)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var set struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.Kty != "" && jwk.Kty != "RSA" {
			continue
		}
		pub, err := jwk.rsaKey()
		if err != nil {
			return fmt.Errorf("jwks key %s: %w", jwk.Kid, err)
		}
		keys[jwk.Kid] = pub
	}
	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func (k jsonWebKey) rsaKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	exponent, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := new(big.Int).SetBytes(exponent)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: int(e.Int64())}, nil
}

// ClerkAuthMiddleware validates Clerk session tokens (RS256, unexpired, and
// issued by CLERK_ISSUER when that is set) and puts the subject in context.
func ClerkAuthMiddleware(jwksURL string) func(http.Handler) http.Handler {
	cache := newJWKSCache(jwksURL)
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer := strings.TrimSpace(os.Getenv("CLERK_ISSUER")); issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(options...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "bearer token required"})
				return
			}

			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(raw, &claims, cache.keyFor); err != nil {
				respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "invalid token"})
				return
			}
			accountID := strings.TrimSpace(claims.Subject)
			if accountID == "" {
				respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "token has no subject"})
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), AccountIDContextKey, accountID)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// InternalAuthMiddleware guards server-to-server routes with a shared key.
// An empty key disables the check for local development.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	expected := []byte(requiredKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) > 0 && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-API-Key")), expected) != 1 {
				respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "invalid internal api key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountFromContext retrieves the authenticated account id from the request context.
func AccountFromContext(ctx context.Context) (string, bool) {
	accountID, ok := ctx.Value(AccountIDContextKey).(string)
	return accountID, ok && accountID != ""
}
