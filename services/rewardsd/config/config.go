package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"rewardpool/native/rewards"
)

const defaultListen = ":8088"

// Config captures the runtime settings for the rewards daemon.
type Config struct {
	ListenAddress string                     `yaml:"listen"`
	DataDir       string                     `yaml:"data_dir"`
	ParamsPath    string                     `yaml:"params"`
	Tokens        []string                   `yaml:"tokens"`
	FeeBps        uint64                     `yaml:"fee_bps"`
	TLS           TLSConfig                  `yaml:"tls"`
	Auth          AuthConfig                 `yaml:"auth"`
	Journal       JournalConfig              `yaml:"journal"`
	Schedule      ScheduleConfig             `yaml:"schedule"`
	RateLimits    map[string]RateLimitConfig `yaml:"rate_limits"`
	CORS          CORSConfig                 `yaml:"cors"`
	Logging       LoggingConfig              `yaml:"logging"`
	Paused        bool                       `yaml:"paused"`

	// Params is resolved from ParamsPath, or from Tokens and FeeBps when no
	// parameters file is configured.
	Params rewards.Config `yaml:"-"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	HMACSecret    string `yaml:"hmac_secret"`
	HMACSecretEnv string `yaml:"hmac_secret_env"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// JournalConfig selects the audit journal database.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// ScheduleConfig lists the cron expressions (with seconds) for background
// jobs. Empty expressions disable the job.
type ScheduleConfig struct {
	Harvest   string `yaml:"harvest"`
	Export    string `yaml:"export"`
	ExportDir string `yaml:"export_dir"`
}

// RateLimitConfig bounds requests per client for one route group.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// CORSConfig lists the browser origins, methods and headers the API accepts.
// An empty origin list allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// LoggingConfig enables the rotating log file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{ListenAddress: defaultListen}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveParams(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.ParamsPath = strings.TrimSpace(cfg.ParamsPath)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Auth.HMACSecretEnv = strings.TrimSpace(cfg.Auth.HMACSecretEnv)
	if cfg.Auth.HMACSecret == "" && cfg.Auth.HMACSecretEnv != "" {
		cfg.Auth.HMACSecret = os.Getenv(cfg.Auth.HMACSecretEnv)
	}
	cfg.Auth.HMACSecret = strings.TrimSpace(cfg.Auth.HMACSecret)
	cfg.Journal.Driver = strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = "sqlite"
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
	cfg.Schedule.Harvest = strings.TrimSpace(cfg.Schedule.Harvest)
	cfg.Schedule.Export = strings.TrimSpace(cfg.Schedule.Export)
	cfg.Schedule.ExportDir = strings.TrimSpace(cfg.Schedule.ExportDir)
	cfg.CORS.AllowedOrigins = trimList(cfg.CORS.AllowedOrigins, false)
	cfg.CORS.AllowedMethods = trimList(cfg.CORS.AllowedMethods, true)
	cfg.CORS.AllowedHeaders = trimList(cfg.CORS.AllowedHeaders, false)
}

func trimList(values []string, upper bool) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if upper {
			v = strings.ToUpper(v)
		}
		out = append(out, v)
	}
	return out
}

func (cfg *Config) validate() error {
	hasCert := cfg.TLS.CertPath != ""
	if hasCert != (cfg.TLS.KeyPath != "") {
		return fmt.Errorf("tls: cert and key must either both be provided or both be empty")
	}
	if !cfg.TLS.AllowInsecure && !hasCert {
		return fmt.Errorf("tls: cert and key are required unless allow_insecure=true")
	}
	if cfg.Auth.Enabled && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth: hmac_secret or hmac_secret_env required when auth is enabled")
	}
	switch cfg.Journal.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("journal: unsupported driver %q", cfg.Journal.Driver)
	}
	if cfg.Journal.DSN == "" {
		return fmt.Errorf("journal: dsn required")
	}
	if cfg.Schedule.Export != "" && cfg.Schedule.ExportDir == "" {
		return fmt.Errorf("schedule: export_dir required when export is scheduled")
	}
	for _, origin := range cfg.CORS.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors: origin %q must be \"*\" or start with http:// or https://", origin)
		}
	}
	for name, limit := range cfg.RateLimits {
		if limit.RatePerSecond <= 0 || limit.Burst <= 0 {
			return fmt.Errorf("rate_limits.%s: rate_per_second and burst must be positive", name)
		}
	}
	return nil
}

func (cfg *Config) resolveParams() error {
	if cfg.ParamsPath != "" {
		params, err := rewards.LoadConfig(cfg.ParamsPath)
		if err != nil {
			return err
		}
		cfg.Params = params
		return nil
	}
	params := rewards.Config{Tokens: cfg.Tokens, FeeBps: cfg.FeeBps}
	params.Normalize()
	if err := params.Validate(); err != nil {
		return err
	}
	cfg.Params = params
	return nil
}
