package config

// EscrowConfig seeds the escrow parameters on first start. Later changes go
// through the owner-only administration surface; editing these values after
// bootstrap has no effect.
type EscrowConfig struct {
	Owner                string `toml:"Owner"`
	PaymentWindowSeconds int64  `toml:"PaymentWindowSeconds"`
	RegistrationRequired bool   `toml:"RegistrationRequired"`
	DefaultOperator      string `toml:"DefaultOperator"`
	DefaultFeesCollector string `toml:"DefaultFeesCollector"`
}

// TokenConfig describes the local development token ledger.
type TokenConfig struct {
	Name     string `toml:"Name"`
	Symbol   string `toml:"Symbol"`
	Decimals uint8  `toml:"Decimals"`
}

// AuthConfig controls bearer token validation on the HTTP API.
type AuthConfig struct {
	Enabled          bool   `toml:"Enabled"`
	HMACSecret       string `toml:"HMACSecret"`
	Issuer           string `toml:"Issuer"`
	Audience         string `toml:"Audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds"`
}

// RateLimitConfig bounds requests per client.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

type LogConfig struct {
	Level      string `toml:"Level"`
	Env        string `toml:"Env"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	Headers     string  `toml:"Headers"`
	Metrics     bool    `toml:"Metrics"`
	Traces      bool    `toml:"Traces"`
	SampleRatio float64 `toml:"SampleRatio"`
}
