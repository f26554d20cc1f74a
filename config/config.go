package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"assetescrow/crypto"
)

const (
	// SecretEnv overrides Auth.HMACSecret when set.
	SecretEnv = "ESCROWD_JWT_SECRET"
	// OwnerPassphraseEnv supplies the passphrase for a generated owner keystore.
	OwnerPassphraseEnv = "ESCROWD_OWNER_PASSPHRASE"

	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
	BackendMemory  = "memory"
)

// keystoreScrypt is the cost used for keystores generated alongside a default
// configuration. Tests lower it.
var keystoreScrypt = crypto.StandardScrypt

type Config struct {
	ListenAddress       string `toml:"ListenAddress"`
	DataDir             string `toml:"DataDir"`
	Backend             string `toml:"Backend"`
	ChainID             uint64 `toml:"ChainID"`
	Instance            string `toml:"Instance"`
	SeedFile            string `toml:"SeedFile"`
	AuditDB             string `toml:"AuditDB"`
	OwnerKeystorePath   string `toml:"OwnerKeystorePath"`
	ReadTimeoutSeconds  int    `toml:"ReadTimeoutSeconds"`
	WriteTimeoutSeconds int    `toml:"WriteTimeoutSeconds"`

	Escrow    EscrowConfig    `toml:"escrow"`
	Token     TokenConfig     `toml:"token"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// Load loads the configuration from the given path, creating a default file
// (and an owner keystore) when none exists.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0])
		}
	}
	cfg.applyDefaults()
	if secret, ok := os.LookupEnv(SecretEnv); ok && strings.TrimSpace(secret) != "" {
		cfg.Auth.HMACSecret = secret
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh installation,
// without an owner.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8090"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrow-data"
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = BackendLevelDB
	}
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	if c.ChainID == 0 {
		c.ChainID = 1337
	}
	if strings.TrimSpace(c.Instance) == "" {
		c.Instance = "0x000000000000000000000000000000000000e5c0"
	}
	if c.ReadTimeoutSeconds <= 0 {
		c.ReadTimeoutSeconds = 15
	}
	if c.WriteTimeoutSeconds <= 0 {
		c.WriteTimeoutSeconds = 15
	}
	if c.Token.Name == "" {
		c.Token.Name = "Escrow Dollar"
	}
	if c.Token.Symbol == "" {
		c.Token.Symbol = "EUSD"
	}
	if c.Token.Decimals == 0 {
		c.Token.Decimals = 18
	}
	if c.Auth.ClockSkewSeconds <= 0 {
		c.Auth.ClockSkewSeconds = 120
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
}

// createDefault creates and saves a default configuration file together with
// an owner keystore next to it.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, os.Getenv(OwnerPassphraseEnv), keystoreScrypt); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.OwnerKeystorePath = keystorePath
	cfg.Escrow.Owner = key.Address().Hex()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	cfg.Auth.Enabled = true
	cfg.Auth.HMACSecret = hex.EncodeToString(secret)
	cfg.RateLimit = RateLimitConfig{RequestsPerMinute: 600, Burst: 60}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "owner.keystore")
}
