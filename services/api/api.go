// Package api exposes the fleet core over HTTP and mounts the agent channel.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"fleetd/services/core"
)

const (
	defaultMaxArtifactSize = 512 << 20
	defaultMaxWait         = 5 * time.Minute
	presignURLExpiry       = 15 * time.Minute
)

// Config controls runtime behaviour for the API handlers.
type Config struct {
	ServiceName     string
	AllowedOrigins  []string
	RateLimit       int
	MaxArtifactSize int64
	MaxWait         time.Duration
	// Ready reports whether backing services are reachable.
	Ready    func(ctx context.Context) error
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

// API wires the core and the agent channel handler into HTTP routes.
type API struct {
	core   *core.Core
	agents http.Handler
	config Config
}

// New initialises the API layer with defaults applied to cfg.
func New(c *core.Core, agents http.Handler, cfg Config) (*API, error) {
	if c == nil {
		return nil, errors.New("core is required")
	}
	if agents == nil {
		return nil, errors.New("agent channel handler is required")
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "fleetd"
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 600
	}
	if cfg.MaxArtifactSize <= 0 {
		cfg.MaxArtifactSize = defaultMaxArtifactSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	return &API{core: c, agents: agents, config: cfg}, nil
}
