// Package config loads the YAML configuration shared by the example servers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-paygate"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Replay protection backends.
const (
	ReplayNone     = "none"
	ReplayMemory   = "memory"
	ReplayPostgres = "postgres"
)

// Config mirrors the YAML file.
type Config struct {
	Server struct {
		Port    int  `yaml:"port"`
		Verbose bool `yaml:"verbose"`
	} `yaml:"server"`

	Facilitator struct {
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		UserAgent string `yaml:"user_agent"`
		Auth      struct {
			KeyID  string `yaml:"key_id"`
			Secret string `yaml:"secret"`
			TTL    string `yaml:"ttl"`
		} `yaml:"auth"`
	} `yaml:"facilitator"`

	Payment struct {
		MaxTimeout       string `yaml:"max_timeout"`
		ReplayProtection string `yaml:"replay_protection"`
		PostgresDSN      string `yaml:"postgres_dsn"`
		SweepInterval    string `yaml:"sweep_interval"`
		PreferredChain   string `yaml:"preferred_chain"`
	} `yaml:"payment"`

	Endpoints map[string]Endpoint `yaml:"endpoints"`
	SkipPaths []string            `yaml:"skip_paths"`
}

// Endpoint prices one route.
type Endpoint struct {
	Description string  `yaml:"description"`
	MimeType    string  `yaml:"mime_type"`
	Resource    string  `yaml:"resource"`
	Accepts     []Token `yaml:"accepts"`
}

// Token is one accepted way to pay. Exactly one of Amount (atomic units)
// and Price (whole units, scaled by Decimals) must be set.
type Token struct {
	Network  string `yaml:"network"`
	Asset    string `yaml:"asset"`
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	PayTo    string `yaml:"pay_to"`
	Amount   string `yaml:"amount"`
	Price    string `yaml:"price"`
	Decimals int    `yaml:"decimals"`
}

// ParsedConfig contains parsed durations and prices for easier use.
type ParsedConfig struct {
	Config
	FacilitatorTimeout time.Duration
	AuthTTL            time.Duration
	MaxTimeout         time.Duration
	SweepInterval      time.Duration
	Pricing            map[string]x402.PricingRule
}

// LoadConfig loads configuration from a YAML file and applies environment overrides.
func LoadConfig(filepath string) (*ParsedConfig, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies environment overrides.
//
// Overrides: FACILITATOR_URL, RECIPIENT_ADDRESS (pay_to of every token),
// PORT, NONCE_DSN (switches replay protection to postgres).
func Parse(data []byte) (*ParsedConfig, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(&cfg)
	setDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	parsed := &ParsedConfig{Config: cfg}
	var err error
	if parsed.FacilitatorTimeout, err = time.ParseDuration(cfg.Facilitator.Timeout); err != nil {
		return nil, fmt.Errorf("invalid facilitator timeout: %w", err)
	}
	if parsed.AuthTTL, err = time.ParseDuration(cfg.Facilitator.Auth.TTL); err != nil {
		return nil, fmt.Errorf("invalid facilitator auth ttl: %w", err)
	}
	if parsed.MaxTimeout, err = time.ParseDuration(cfg.Payment.MaxTimeout); err != nil {
		return nil, fmt.Errorf("invalid max_timeout: %w", err)
	}
	if parsed.SweepInterval, err = time.ParseDuration(cfg.Payment.SweepInterval); err != nil {
		return nil, fmt.Errorf("invalid sweep_interval: %w", err)
	}

	parsed.Pricing = make(map[string]x402.PricingRule, len(cfg.Endpoints))
	for pattern, endpoint := range cfg.Endpoints {
		rule, err := endpoint.rule()
		if err != nil {
			return nil, fmt.Errorf("endpoint %q: %w", pattern, err)
		}
		parsed.Pricing[pattern] = rule
	}

	return parsed, nil
}

// PaymentConfig builds the middleware configuration around fac.
func (p *ParsedConfig) PaymentConfig(fac x402.Facilitator) x402.Config {
	return x402.Config{
		Facilitator:     fac,
		FacilitatorURL:  p.Facilitator.URL,
		EndpointPricing: p.Pricing,
		MaxTimeout:      p.MaxTimeout,
		SkipPaths:       p.SkipPaths,
	}
}

// Addr is the listen address for the HTTP server.
func (p *ParsedConfig) Addr() string {
	return ":" + strconv.Itoa(p.Server.Port)
}

func (e Endpoint) rule() (x402.PricingRule, error) {
	rule := x402.PricingRule{
		Description: e.Description,
		MimeType:    e.MimeType,
		Resource:    e.Resource,
	}
	for i, token := range e.Accepts {
		amount, err := token.atomicAmount()
		if err != nil {
			return x402.PricingRule{}, fmt.Errorf("accepts[%d]: %w", i, err)
		}
		rule.AcceptedTokens = append(rule.AcceptedTokens, x402.TokenRequirement{
			Network:       token.Network,
			AssetContract: token.Asset,
			Symbol:        token.Symbol,
			Recipient:     token.PayTo,
			Amount:        amount,
			TokenName:     token.Name,
			TokenDecimals: token.Decimals,
		})
	}
	if err := rule.Validate(); err != nil {
		return x402.PricingRule{}, err
	}
	return rule, nil
}

func (t Token) atomicAmount() (string, error) {
	switch {
	case t.Amount != "" && t.Price != "":
		return "", fmt.Errorf("amount and price are mutually exclusive")
	case t.Amount != "":
		return t.Amount, nil
	case t.Price != "":
		return AtomicAmount(t.Price, t.Decimals)
	default:
		return "", fmt.Errorf("amount or price is required")
	}
}

// AtomicAmount converts a decimal price into atomic units, e.g. "0.05" with
// 6 decimals is "50000". Prices finer than the token's precision are rejected.
func AtomicAmount(price string, decimals int) (string, error) {
	if decimals < 0 {
		return "", fmt.Errorf("decimals must be non-negative, got %d", decimals)
	}

	d, err := decimal.NewFromString(strings.TrimSpace(price))
	if err != nil {
		return "", fmt.Errorf("invalid price %q: %w", price, err)
	}
	if d.IsNegative() {
		return "", fmt.Errorf("price %q is negative", price)
	}

	atomic := d.Shift(int32(decimals))
	if !atomic.Equal(atomic.Truncate(0)) {
		return "", fmt.Errorf("price %q has more than %d decimal places", price, decimals)
	}
	return atomic.BigInt().String(), nil
}

func applyEnv(cfg *Config) {
	cfg.Facilitator.URL = getEnv("FACILITATOR_URL", cfg.Facilitator.URL)

	if port, err := strconv.Atoi(getEnv("PORT", "")); err == nil {
		cfg.Server.Port = port
	}

	if recipient := getEnv("RECIPIENT_ADDRESS", ""); recipient != "" {
		for pattern, endpoint := range cfg.Endpoints {
			for i := range endpoint.Accepts {
				endpoint.Accepts[i].PayTo = recipient
			}
			cfg.Endpoints[pattern] = endpoint
		}
	}

	if dsn := getEnv("NONCE_DSN", ""); dsn != "" {
		cfg.Payment.ReplayProtection = ReplayPostgres
		cfg.Payment.PostgresDSN = dsn
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Facilitator.Timeout == "" {
		cfg.Facilitator.Timeout = "30s"
	}
	if cfg.Facilitator.Auth.TTL == "" {
		cfg.Facilitator.Auth.TTL = "5m"
	}
	if cfg.Payment.MaxTimeout == "" {
		cfg.Payment.MaxTimeout = x402.DefaultMaxTimeout.String()
	}
	if cfg.Payment.ReplayProtection == "" {
		cfg.Payment.ReplayProtection = ReplayMemory
	}
	if cfg.Payment.SweepInterval == "" {
		cfg.Payment.SweepInterval = "1m"
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535")
	}

	if cfg.Facilitator.URL == "" {
		return fmt.Errorf("facilitator url is required")
	}

	if (cfg.Facilitator.Auth.KeyID == "") != (cfg.Facilitator.Auth.Secret == "") {
		return fmt.Errorf("facilitator auth needs both key_id and secret")
	}

	switch cfg.Payment.ReplayProtection {
	case ReplayNone, ReplayMemory:
	case ReplayPostgres:
		if cfg.Payment.PostgresDSN == "" {
			return fmt.Errorf("postgres replay protection needs postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown replay_protection %q", cfg.Payment.ReplayProtection)
	}

	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
