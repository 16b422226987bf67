package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string   `mapstructure:"PORT"`
	Env                      string   `mapstructure:"ENV"`
	FHIRBaseURL              string   `mapstructure:"FHIR_BASE_URL"`
	UseRemote                bool     `mapstructure:"USE_REMOTE"`
	SyncIntervalSeconds      int      `mapstructure:"SYNC_INTERVAL_SECONDS"`
	RequestTimeoutSeconds    int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	EnrichmentURL            string   `mapstructure:"ENRICHMENT_URL"`
	EnrichmentTimeoutSeconds int      `mapstructure:"ENRICHMENT_TIMEOUT_SECONDS"`
	CORSOrigins              []string `mapstructure:"CORS_ORIGINS"`
	MockSeed                 int64    `mapstructure:"MOCK_SEED"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("FHIR_BASE_URL", "")
	v.SetDefault("USE_REMOTE", false)
	v.SetDefault("SYNC_INTERVAL_SECONDS", 30)
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 15)
	v.SetDefault("ENRICHMENT_TIMEOUT_SECONDS", 20)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("MOCK_SEED", 1)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("USE_REMOTE")
	v.BindEnv("SYNC_INTERVAL_SECONDS")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("ENRICHMENT_URL")
	v.BindEnv("ENRICHMENT_TIMEOUT_SECONDS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("MOCK_SEED")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.UseRemote && cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required when USE_REMOTE is set")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// SyncInterval returns the periodic refresh period as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSeconds) * time.Second
}

// RequestTimeout returns the remote request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// EnrichmentTimeout returns the enrichment call timeout as a duration.
func (c *Config) EnrichmentTimeout() time.Duration {
	return time.Duration(c.EnrichmentTimeoutSeconds) * time.Second
}
