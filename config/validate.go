package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"assetescrow/crypto"
	"assetescrow/native/escrow"
	"assetescrow/observability/logging"
	telemetry "assetescrow/observability/otel"
)

// ValidateConfig rejects configurations the daemon cannot start with.
func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config: nil")
	}
	switch c.Backend {
	case BackendLevelDB, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("backend: unsupported %q", c.Backend)
	}
	if c.ChainID == 0 {
		return fmt.Errorf("chain_id: must be positive")
	}
	instance, err := crypto.ParseAddress(c.Instance)
	if err != nil {
		return fmt.Errorf("instance: %w", err)
	}
	if instance == (common.Address{}) {
		return fmt.Errorf("instance: zero address")
	}
	for name, raw := range map[string]string{
		"escrow.owner":                  c.Escrow.Owner,
		"escrow.default_operator":       c.Escrow.DefaultOperator,
		"escrow.default_fees_collector": c.Escrow.DefaultFeesCollector,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := crypto.ParseAddress(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if w := c.Escrow.PaymentWindowSeconds; w != 0 && (w <= escrow.MinPaymentWindow || w >= escrow.MaxPaymentWindow) {
		return fmt.Errorf("escrow.payment_window_seconds: %d outside (%d, %d)", w, escrow.MinPaymentWindow, escrow.MaxPaymentWindow)
	}
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.HMACSecret) == "" {
		return fmt.Errorf("auth: enabled without secret; set %s", SecretEnv)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: negative values")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio: must be within [0, 1]")
	}
	return nil
}

// InstanceAddress returns the escrow instance address used in the signing
// domain and as the token spender.
func (c *Config) InstanceAddress() common.Address {
	addr, _ := crypto.ParseAddress(c.Instance)
	return addr
}

// Genesis converts the escrow section into bootstrap parameters.
func (c *Config) Genesis() (escrow.Genesis, error) {
	g := escrow.Genesis{
		PaymentWindow:        c.Escrow.PaymentWindowSeconds,
		RegistrationRequired: c.Escrow.RegistrationRequired,
	}
	var err error
	if g.Owner, err = optionalAddress(c.Escrow.Owner); err != nil {
		return g, fmt.Errorf("escrow.owner: %w", err)
	}
	if g.DefaultOperator, err = optionalAddress(c.Escrow.DefaultOperator); err != nil {
		return g, fmt.Errorf("escrow.default_operator: %w", err)
	}
	if g.DefaultFeesCollector, err = optionalAddress(c.Escrow.DefaultFeesCollector); err != nil {
		return g, fmt.Errorf("escrow.default_fees_collector: %w", err)
	}
	return g, nil
}

func optionalAddress(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return crypto.ParseAddress(raw)
}

func (c *Config) LoggingOptions(service string) logging.Options {
	return logging.Options{
		Service:    service,
		Env:        c.Log.Env,
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func (c *Config) TelemetryConfig(service string) telemetry.Config {
	return telemetry.Config{
		ServiceName: service,
		Environment: c.Log.Env,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(c.Telemetry.Headers),
		Metrics:     c.Telemetry.Metrics,
		Traces:      c.Telemetry.Traces,
		SampleRatio: c.Telemetry.SampleRatio,
	}
}

// ClockSkew returns the tolerated token clock drift.
func (c *Config) ClockSkew() time.Duration {
	return time.Duration(c.Auth.ClockSkewSeconds) * time.Second
}
