package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/changerelay/changerelay/pkg/cache"
	"github.com/golang-jwt/jwt/v4"
)

// ErrUnauthorized indicates the bearer token failed validation
var ErrUnauthorized = errors.New("unauthorized")

// tokenCacheTTL bounds how long a validated token is served from cache.
// The token's own expiry still wins when it is sooner.
const tokenCacheTTL = 5 * time.Minute

// Config holds token validation configuration
type Config struct {
	// Secret enables HMAC (HS256) validation
	Secret string `json:"secret,omitempty"`
	// PublicKeyFile enables RSA (RS256) validation with a PEM public key
	PublicKeyFile string `json:"public_key_file,omitempty"`
	// Issuer, when set, must match the token's iss claim
	Issuer string `json:"issuer,omitempty"`
	// Audience, when set, must match one of the token's aud values
	Audience string `json:"audience,omitempty"`
	// UserIDClaim names the claim carrying the user id (default "sub")
	UserIDClaim string `json:"user_id_claim,omitempty"`
}

// TokenResult is a validated token: the raw value forwarded to the upstream
// API plus the identity extracted from it.
type TokenResult struct {
	Token  string         `json:"token"`
	UserID string         `json:"user_id"`
	Claims map[string]any `json:"claims"`
}

// Validator validates bearer tokens and extracts claims. Validated tokens
// are memoized in the shared cache for a short TTL so back-to-back requests
// with the same token skip the signature check.
type Validator struct {
	config *Config
	keyFn  jwt.Keyfunc
	cache  cache.Cache
	now    func() time.Time
}

// NewValidator creates a token validator. The cache is optional; pass nil
// to validate every token from scratch.
func NewValidator(config *Config, c cache.Cache) (*Validator, error) {
	v := &Validator{
		config: config,
		cache:  c,
		now:    time.Now,
	}

	switch {
	case config.Secret != "":
		secret := []byte(config.Secret)
		v.keyFn = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return secret, nil
		}

	case config.PublicKeyFile != "":
		data, err := os.ReadFile(config.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading public key %s: %w", config.PublicKeyFile, err)
		}
		publicKey, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("parsing public key %s: %w", config.PublicKeyFile, err)
		}
		v.keyFn = func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return publicKey, nil
		}

	default:
		return nil, fmt.Errorf("token validation requires secret or public_key_file")
	}

	return v, nil
}

// ValidateToken validates a bearer token and returns the identity it
// carries. All validation failures map to ErrUnauthorized.
func (v *Validator) ValidateToken(ctx context.Context, token string) (*TokenResult, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: no token supplied", ErrUnauthorized)
	}
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))

	if result := v.cachedResult(ctx, token); result != nil {
		return result, nil
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFn)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if v.config.Issuer != "" && !claims.VerifyIssuer(v.config.Issuer, true) {
		return nil, fmt.Errorf("%w: issuer mismatch", ErrUnauthorized)
	}
	if v.config.Audience != "" && !claims.VerifyAudience(v.config.Audience, true) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	userIDClaim := v.config.UserIDClaim
	if userIDClaim == "" {
		userIDClaim = "sub"
	}
	userID, _ := claims[userIDClaim].(string)
	if userID == "" {
		return nil, fmt.Errorf("%w: token has no %s claim", ErrUnauthorized, userIDClaim)
	}

	result := &TokenResult{
		Token:  token,
		UserID: userID,
		Claims: claims,
	}
	v.cacheResult(ctx, token, result, claims)
	return result, nil
}

func tokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "token_" + hex.EncodeToString(sum[:])
}

func (v *Validator) cachedResult(ctx context.Context, token string) *TokenResult {
	if v.cache == nil {
		return nil
	}
	data, found, err := v.cache.Get(ctx, tokenCacheKey(token))
	if err != nil || !found {
		return nil
	}
	var result TokenResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return &result
}

func (v *Validator) cacheResult(ctx context.Context, token string, result *TokenResult, claims jwt.MapClaims) {
	if v.cache == nil {
		return
	}

	ttl := tokenCacheTTL
	if exp, ok := claims["exp"].(float64); ok {
		untilExpiry := time.Unix(int64(exp), 0).Sub(v.now())
		if untilExpiry < ttl {
			ttl = untilExpiry
		}
	}
	if ttl <= 0 {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := v.cache.Set(ctx, tokenCacheKey(token), data, ttl); err != nil {
		// Cache trouble never fails validation
		log.Printf("Caching token validation result: %v", err)
	}
}

// ExtractBearerToken pulls the token out of an Authorization header value.
// Returns an empty string when the header is not a bearer credential.
func ExtractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
