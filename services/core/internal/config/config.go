package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for fleetd.
type Config struct {
	Addr              string        `env:"FLEET_ADDR,default=:8080"`
	DBDSN             string        `env:"DB_DSN"`
	NATSURL           string        `env:"NATS_URL"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	AllowedOrigins    []string      `env:"CORS_ALLOWED_ORIGINS,default=*"`
	RateLimit         int           `env:"FLEET_RATE_LIMIT,default=600"`
	SilenceTimeout    time.Duration `env:"FLEET_SILENCE_TIMEOUT,default=30s"`
	HeartbeatInterval time.Duration `env:"FLEET_HEARTBEAT_INTERVAL,default=5s"`
	MaxAttempts       int           `env:"FLEET_MAX_DELIVERY_ATTEMPTS,default=3"`
	MaxArtifactSize   int64         `env:"FLEET_MAX_ARTIFACT_BYTES,default=536870912"`
	Retention         time.Duration `env:"FLEET_RETENTION,default=24h"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	LogPretty         bool          `env:"LOG_PRETTY,default=false"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval >= cfg.SilenceTimeout {
		return Config{}, fmt.Errorf("FLEET_HEARTBEAT_INTERVAL (%s) must be shorter than FLEET_SILENCE_TIMEOUT (%s)",
			cfg.HeartbeatInterval, cfg.SilenceTimeout)
	}
	if cfg.MaxAttempts < 1 {
		return Config{}, fmt.Errorf("FLEET_MAX_DELIVERY_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	return cfg, nil
}
