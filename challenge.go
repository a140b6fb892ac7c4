package x402

import (
	"sort"
	"strings"
)

// BuildChallenge assembles the 402 body. It performs no I/O and returns the
// same value for the same inputs.
func BuildChallenge(accepts []PaymentRequirement, description, errorMessage string) PaymentChallenge {
	out := make([]PaymentRequirement, len(accepts))
	copy(out, accepts)

	return PaymentChallenge{
		X402Version: X402Version,
		Accepts:     out,
		Description: description,
		Error:       errorMessage,
	}
}

// BuildRequirements expands a pricing rule into one requirement per accepted token.
func BuildRequirements(rule PricingRule, resource string, cfg Config) []PaymentRequirement {
	if rule.Resource != "" {
		resource = rule.Resource
	}

	maxTimeout := cfg.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = DefaultMaxTimeout
	}

	requirements := make([]PaymentRequirement, 0, len(rule.AcceptedTokens))
	for _, token := range rule.AcceptedTokens {
		req := PaymentRequirement{
			Scheme:            SchemeExact,
			Network:           token.Network,
			Asset:             token.AssetContract,
			Amount:            token.Amount,
			MaxAmountRequired: token.Amount,
			PayTo:             token.Recipient,
			Resource:          resource,
			Description:       rule.Description,
			MimeType:          rule.MimeType,
			MaxTimeoutSeconds: int(maxTimeout.Seconds()),
			Facilitator:       cfg.FacilitatorURL,
		}

		if extra := tokenExtra(token); len(extra) > 0 {
			req.Extra = extra
		}

		requirements = append(requirements, req)
	}

	return requirements
}

func tokenExtra(token TokenRequirement) map[string]interface{} {
	extra := make(map[string]interface{})
	if token.Symbol != "" {
		extra["symbol"] = token.Symbol
	}
	if token.TokenName != "" {
		extra["name"] = token.TokenName
	}
	if token.TokenDecimals > 0 {
		extra["decimals"] = token.TokenDecimals
	}
	return extra
}

// PreferNetwork moves requirements for the given network to the front,
// keeping the relative order of both groups. An empty network is a no-op.
func PreferNetwork(accepts []PaymentRequirement, network string) []PaymentRequirement {
	out := make([]PaymentRequirement, len(accepts))
	copy(out, accepts)

	network = strings.TrimSpace(network)
	if network == "" {
		return out
	}

	sort.SliceStable(out, func(i, j int) bool {
		return strings.EqualFold(out[i].Network, network) && !strings.EqualFold(out[j].Network, network)
	})
	return out
}

// selectRequirement picks the requirement the payload claims to satisfy,
// falling back to the first one.
func selectRequirement(accepts []PaymentRequirement, payload *PaymentPayload) *PaymentRequirement {
	if len(accepts) == 0 {
		return nil
	}
	for i := range accepts {
		if accepts[i].Scheme == payload.Scheme && accepts[i].Network == payload.Network {
			return &accepts[i]
		}
	}
	return &accepts[0]
}
