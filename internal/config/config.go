package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string        `mapstructure:"PORT"`
	Env                string        `mapstructure:"ENV"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS"`
	DBSchema           string        `mapstructure:"DB_SCHEMA"`
	AuthIssuer         string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL        string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience       string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	EvalWorkers        int           `mapstructure:"EVAL_WORKERS"`
	EvalPatientTimeout time.Duration `mapstructure:"EVAL_PATIENT_TIMEOUT"`
	RulesFile          string        `mapstructure:"RULES_FILE"`
	IndexDateLayout    string        `mapstructure:"INDEX_DATE_LAYOUT"`
	MetricsEnabled     bool          `mapstructure:"METRICS_ENABLED"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("EVAL_WORKERS", 8)
	v.SetDefault("EVAL_PATIENT_TIMEOUT", "10s")
	v.SetDefault("INDEX_DATE_LAYOUT", "2006-01-02")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"CORS_ORIGINS",
		"EVAL_WORKERS", "EVAL_PATIENT_TIMEOUT",
		"RULES_FILE", "INDEX_DATE_LAYOUT",
		"METRICS_ENABLED",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AuthEnabled reports whether requests must carry a JWT. Development runs
// without one unless an issuer or signing key is configured.
func (c *Config) AuthEnabled() bool {
	return !c.IsDev() || c.AuthIssuer != "" || c.AuthSigningKey != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 1 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) must satisfy 0 <= min <= max, max >= 1", c.DBMinConns, c.DBMaxConns)
	}
	if c.EvalWorkers < 1 {
		return fmt.Errorf("EVAL_WORKERS must be at least 1, got %d", c.EvalWorkers)
	}
	if c.EvalPatientTimeout <= 0 {
		return fmt.Errorf("EVAL_PATIENT_TIMEOUT must be positive, got %s", c.EvalPatientTimeout)
	}
	if c.IndexDateLayout == "" {
		return fmt.Errorf("INDEX_DATE_LAYOUT must not be empty")
	}
	if c.IsProduction() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER must be set in production (current ENV=%q). "+
			"Refusing to start without authentication configuration", c.Env)
	}
	return nil
}
