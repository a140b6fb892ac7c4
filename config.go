package x402

import (
	"fmt"
	"math/big"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
)

// DefaultMaxTimeout bounds how old a payload may be when it reaches the facilitator.
const DefaultMaxTimeout = 5 * time.Minute

// Config holds the middleware configuration.
type Config struct {
	// Facilitator verifies and settles payments (e.g., *facilitator.Client).
	Facilitator Facilitator

	// FacilitatorURL is advertised in every requirement so clients know
	// which service will settle their payment (informational).
	FacilitatorURL string

	// EndpointPricing maps URL patterns to pricing rules.
	// Patterns support exact matches ("/v1/endpoint") and wildcards ("/v1/*").
	EndpointPricing map[string]PricingRule

	// MethodPricing maps gRPC method names to pricing rules.
	// Supports wildcards: "/package.Service/*" matches all methods in a service.
	MethodPricing map[string]PricingRule

	// DefaultPricing is used when no pattern matches (optional).
	// If nil, unmatched endpoints don't require payment.
	DefaultPricing *PricingRule

	// MaxTimeout is advertised as maxTimeoutSeconds. Defaults to 5 minutes.
	MaxTimeout time.Duration

	// SkipPaths lists paths that should bypass payment checks entirely.
	SkipPaths []string

	// SkipMethods lists gRPC methods that should bypass payment checks.
	SkipMethods []string

	// CustomPaywallHTML is returned instead of JSON to browsers that have
	// not attempted a payment yet (optional).
	CustomPaywallHTML string

	// NonceStore enables replay protection when set.
	NonceStore NonceStore

	// Events receives payment lifecycle events when set.
	Events *hookz.Hooks[PaymentEvent]

	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger

	// Clock defaults to clockz.RealClock.
	Clock clockz.Clock
}

// PricingRule defines payment requirements for an endpoint.
type PricingRule struct {
	// AcceptedTokens lists the payment options for this endpoint.
	AcceptedTokens []TokenRequirement

	// Resource overrides the resource URL derived from the request (optional).
	Resource string

	// Description explains what this payment is for.
	Description string

	// MimeType of the resource being sold (optional).
	MimeType string
}

// TokenRequirement specifies a payment option (network + token).
type TokenRequirement struct {
	// Network is an opaque settlement network identifier (e.g., "base-sepolia").
	Network string

	// AssetContract identifies the asset demanded.
	AssetContract string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Recipient is the account that will receive payment.
	Recipient string

	// Amount is the price in atomic units of the asset.
	Amount string

	// TokenName is the human-readable token name (optional).
	TokenName string

	// TokenDecimals is the number of decimals for this token (optional).
	TokenDecimals int
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Facilitator == nil {
		return fmt.Errorf("facilitator is required")
	}

	if c.MaxTimeout == 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.MaxTimeout < time.Second {
		return fmt.Errorf("max timeout must be at least one second, got %s", c.MaxTimeout)
	}

	for pattern, rule := range c.EndpointPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.DefaultPricing.Validate(); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// Validate checks if the pricing rule is valid.
func (p *PricingRule) Validate() error {
	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	for i, token := range p.AcceptedTokens {
		if err := token.Validate(); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
	}

	return nil
}

// Validate checks that every field needed to build a requirement is present
// and that Amount is a non-negative integer.
func (t *TokenRequirement) Validate() error {
	for _, field := range [...]struct{ name, value string }{
		{"network", t.Network},
		{"recipient", t.Recipient},
		{"asset contract", t.AssetContract},
		{"amount", t.Amount},
	} {
		if strings.TrimSpace(field.value) == "" {
			return fmt.Errorf("%s is required", field.name)
		}
	}

	amount, ok := new(big.Int).SetString(t.Amount, 10)
	switch {
	case !ok:
		return fmt.Errorf("amount %q is not an integer", t.Amount)
	case amount.Sign() < 0:
		return fmt.Errorf("amount %q is negative", t.Amount)
	}
	return nil
}

// MatchEndpoint finds the pricing rule for a given path.
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	return match(requestPath, c.SkipPaths, c.EndpointPricing, c.DefaultPricing)
}

// MatchMethod finds the pricing rule for a given gRPC method.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	return match(fullMethod, c.SkipMethods, c.MethodPricing, c.DefaultPricing)
}

func match(name string, skip []string, pricing map[string]PricingRule, fallback *PricingRule) (*PricingRule, bool) {
	// Skipped names never require payment, even under a default rule
	for _, pattern := range skip {
		if matchPath(name, pattern) {
			return nil, false
		}
	}

	// Exact matches first
	if rule, ok := pricing[name]; ok {
		return &rule, true
	}

	// Then wildcards; the longest (most specific) pattern wins
	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range pricing {
		if matchPath(name, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	// Fall back to default pricing if configured
	if fallback != nil {
		return fallback, true
	}

	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	// "/v1/*" covers "/v1" and everything below it
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	// Other glob patterns ("/v1/*/report")
	matched, _ := path.Match(pattern, requestPath)
	return matched
}
