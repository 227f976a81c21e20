package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	// Payment gateway collaborator.
	GatewayProvider    string `mapstructure:"GATEWAY_PROVIDER"` // "midtrans" or "fake"
	MidtransServerKey  string `mapstructure:"MIDTRANS_SERVER_KEY"`
	MidtransProduction bool   `mapstructure:"MIDTRANS_PRODUCTION"`

	// Realtime settlement push endpoint (websocket).
	RealtimeURL string `mapstructure:"REALTIME_URL"`

	// Seconds a QR session waits for settlement before timing out.
	QRTimeoutSeconds int `mapstructure:"QR_TIMEOUT_SECONDS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("GATEWAY_PROVIDER", "fake")
	v.SetDefault("QR_TIMEOUT_SECONDS", 300)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("GATEWAY_PROVIDER")
	v.BindEnv("MIDTRANS_SERVER_KEY")
	v.BindEnv("MIDTRANS_PRODUCTION")
	v.BindEnv("REALTIME_URL")
	v.BindEnv("QR_TIMEOUT_SECONDS")

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

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.GatewayProvider {
	case "midtrans":
		if cfg.MidtransServerKey == "" {
			return nil, fmt.Errorf("MIDTRANS_SERVER_KEY is required when GATEWAY_PROVIDER=midtrans")
		}
	case "fake":
		if cfg.IsProduction() {
			return nil, fmt.Errorf("GATEWAY_PROVIDER=fake is not allowed in production")
		}
	default:
		return nil, fmt.Errorf("unknown GATEWAY_PROVIDER: %s", cfg.GatewayProvider)
	}

	if cfg.QRTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("QR_TIMEOUT_SECONDS must be positive")
	}

	return cfg, nil
}

// QRTimeout returns the settlement wait window as a duration.
func (c *Config) QRTimeout() time.Duration {
	return time.Duration(c.QRTimeoutSeconds) * time.Second
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
