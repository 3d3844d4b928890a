package caller

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for caller identification.
var (
	ErrMissingCredentials = errors.New("caller: missing credentials")
	ErrInvalidCredentials = errors.New("caller: invalid credentials")
	ErrTokenExpired       = errors.New("caller: token expired")
	ErrTokenMalformed     = errors.New("caller: token malformed")
)

// Identity is a resolved caller, used to key rate-limit admission.
type Identity struct {
	// Subject is the caller principal.
	Subject string

	// Tenant is the tenant the caller belongs to (optional).
	Tenant string

	// Method records how the identity was resolved: "jwt" or "api_key".
	Method string
}

// RateLimitKey derives the admission key for this caller and endpoint.
// Format: <subject>@<endpoint>.
func (id Identity) RateLimitKey(endpoint string) string {
	return id.Subject + "@" + endpoint
}

// JWTResolverConfig configures the JWT identity resolver.
type JWTResolverConfig struct {
	// Key is the HMAC signing key used to verify tokens.
	Key []byte

	// Issuer is the expected token issuer (iss claim). Optional.
	Issuer string

	// PrincipalClaim is the claim carrying the caller principal.
	// Default: "sub"
	PrincipalClaim string

	// TenantClaim is the claim carrying the tenant ID. Optional.
	TenantClaim string
}

// JWTResolver extracts caller identities from bearer tokens.
type JWTResolver struct {
	config JWTResolverConfig
}

// NewJWTResolver creates a JWT resolver with defaults applied.
func NewJWTResolver(config JWTResolverConfig) *JWTResolver {
	if config.PrincipalClaim == "" {
		config.PrincipalClaim = "sub"
	}
	return &JWTResolver{config: config}
}

// Resolve validates tokenString and extracts the caller identity.
func (r *JWTResolver) Resolve(tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return Identity{}, ErrMissingCredentials
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if r.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(r.config.Issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return r.config.Key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenMalformed
	}
	if !token.Valid {
		return Identity{}, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrTokenMalformed
	}

	subject, _ := claims[r.config.PrincipalClaim].(string)
	if subject == "" {
		return Identity{}, ErrInvalidCredentials
	}

	id := Identity{Subject: subject, Method: "jwt"}
	if r.config.TenantClaim != "" {
		id.Tenant, _ = claims[r.config.TenantClaim].(string)
	}
	return id, nil
}

// APIKeyResolver maps hashed API keys to caller identities.
type APIKeyResolver struct {
	keys map[string]Identity // key hash (SHA-256 hex) -> identity
}

// NewAPIKeyResolver creates a resolver over registered keys. The map
// values are identities keyed by the SHA-256 hex hash of the raw key.
func NewAPIKeyResolver(keys map[string]Identity) *APIKeyResolver {
	resolved := make(map[string]Identity, len(keys))
	for hash, id := range keys {
		id.Method = "api_key"
		resolved[hash] = id
	}
	return &APIKeyResolver{keys: resolved}
}

// HashKey returns the SHA-256 hex hash used to register raw API keys.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Resolve looks up the identity for a raw API key.
func (r *APIKeyResolver) Resolve(raw string) (Identity, error) {
	if strings.TrimSpace(raw) == "" {
		return Identity{}, ErrMissingCredentials
	}

	hash := HashKey(raw)
	for registered, id := range r.keys {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(registered)) == 1 {
			return id, nil
		}
	}
	return Identity{}, ErrInvalidCredentials
}
