package facilitator

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// JWTProvider mints short-lived HS256 bearer tokens for facilitators that
// require authentication.
type JWTProvider struct {
	keyID  string
	secret []byte
	ttl    time.Duration
	clock  clockz.Clock
}

// NewJWTProvider creates a provider. keyID is sent as the token's kid header
// and issuer.
func NewJWTProvider(keyID, secret string, ttl time.Duration) *JWTProvider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &JWTProvider{
		keyID:  keyID,
		secret: []byte(secret),
		ttl:    ttl,
		clock:  clockz.RealClock,
	}
}

// WithClock sets the clock used for iat/exp.
func (p *JWTProvider) WithClock(clock clockz.Clock) *JWTProvider {
	p.clock = clock
	return p
}

// Authorization returns a "Bearer <token>" header value.
func (p *JWTProvider) Authorization(_ context.Context) (string, error) {
	now := p.clock.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    p.keyID,
		Audience:  jwt.ClaimStrings{"x402-facilitator"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = p.keyID

	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign facilitator token: %w", err)
	}
	return "Bearer " + signed, nil
}

// ValidateToken checks a bearer token minted by a JWTProvider sharing secret.
// Facilitator implementations use it to authenticate callers.
func ValidateToken(header, secret string) (*jwt.RegisteredClaims, error) {
	tokenString := header
	if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
		tokenString = tokenString[7:]
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience("x402-facilitator"))
	if err != nil {
		return nil, fmt.Errorf("invalid facilitator token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid facilitator token")
	}
	return claims, nil
}
